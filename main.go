// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tandemtalk/tandemtalk/internal/app"
	"github.com/tandemtalk/tandemtalk/internal/config"
	"github.com/tandemtalk/tandemtalk/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("TandemTalk v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "init":
		if len(args) != 4 {
			fmt.Fprintln(os.Stderr, "Error: init requires directory, self id and partner id")
			fmt.Fprintln(os.Stderr, "Usage: tandemtalk init <directory> <self-id> <partner-id>")
			os.Exit(1)
		}
		runInit(args[1], args[2], args[3])

	case "run":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Error: run requires a directory path")
			fmt.Fprintln(os.Stderr, "Usage: tandemtalk run <directory>")
			os.Exit(1)
		}
		runClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runInit(dirArg, selfArg, partnerArg string) {
	selfID, err := util.ValidateUserID(selfArg)
	if err != nil {
		log.Fatalf("Invalid self id: %v", err)
	}
	partnerID, err := util.ValidateUserID(partnerArg)
	if err != nil {
		log.Fatalf("Invalid partner id: %v", err)
	}

	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create client directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "tandemtalk.json")
	_, created, err := config.Ensure(cfgPath, selfID, partnerID)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if created {
		fmt.Printf("Created %s — edit relay.url, then: tandemtalk run %s\n", cfgPath, dirArg)
	} else {
		fmt.Printf("Config already exists at %s\n", cfgPath)
	}
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Client directory does not exist: %s (run 'tandemtalk init' first)", absDir)
	}

	cfgPath := filepath.Join(absDir, "tandemtalk.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("TandemTalk - two-party chat and calls over a relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tandemtalk init <directory> <self-id> <partner-id>")
	fmt.Println("        Create a client directory with a default tandemtalk.json")
	fmt.Println()
	fmt.Println("  tandemtalk run <directory>")
	fmt.Println("        Run the client from the specified directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  tandemtalk init ./clients/alice alice bob")
	fmt.Println("  tandemtalk run ./clients/alice")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    TandemTalk Client                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Self:             %s\n", cfg.Identity.SelfID)
	fmt.Printf("Partner:          %s\n", cfg.Identity.PartnerID)
	fmt.Printf("Relay:            %s\n", cfg.Relay.URL)
	fmt.Println()
	fmt.Println("Connecting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
