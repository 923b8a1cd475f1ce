package app

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tandemtalk/tandemtalk/internal/call"
	"github.com/tandemtalk/tandemtalk/internal/chat"
	"github.com/tandemtalk/tandemtalk/internal/presence"
	"github.com/tandemtalk/tandemtalk/internal/storage"
	"github.com/tandemtalk/tandemtalk/internal/transport"
)

type replDeps struct {
	tc        *transport.Client
	pres      *presence.Tracker
	engine    *chat.Engine
	machine   *call.Machine
	db        *storage.DB
	dir       string
	selfID    string
	partnerID string
}

// repl is the line-oriented front end: plain input is sent as a chat
// message, slash commands drive calls and attachments.
type repl struct {
	replDeps

	mu      sync.Mutex
	pending *call.IncomingCall
}

func newREPL(d replDeps) *repl {
	return &repl{replDeps: d}
}

func (r *repl) run(ctx context.Context, down <-chan error) error {
	msgs := r.engine.Subscribe()
	defer r.engine.Unsubscribe(msgs)
	presCh := r.pres.Subscribe()
	defer r.pres.Unsubscribe(presCh)

	r.machine.OnIncoming(func(ic call.IncomingCall) {
		r.mu.Lock()
		r.pending = &ic
		r.mu.Unlock()
		fmt.Printf("\n** incoming call from %s — /accept or /reject\n> ", ic.CallerID)
	})
	r.machine.OnStateChange(func(s call.Session) {
		fmt.Printf("\n** call with %s: %s\n> ", s.Peer(r.selfID), s.Status)
	})

	go func() {
		for m := range msgs {
			if m.SenderID == r.selfID {
				continue
			}
			line := m.Text
			if n := len(m.Images); n > 0 {
				line = fmt.Sprintf("%s [%d attachment(s) — /save <msg#> <att#>]", line, n)
			}
			fmt.Printf("\n%s: %s\n> ", m.SenderID, line)
		}
	}()
	go func() {
		for ev := range presCh {
			if ev.UserID == r.selfID {
				continue
			}
			fmt.Printf("\n-- %s is %s\n> ", ev.UserID, ev.Status)
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Printf("Chatting with %s — type a message, /help for commands\n> ", r.partnerID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-down:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(line); quit {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

// handle processes one input line; true means quit.
func (r *repl) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		r.engine.InputActivity()
		if _, err := r.engine.Send(line, nil); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		printHelp()

	case "/call":
		if err := r.machine.RequestCall(r.partnerID); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}

	case "/accept":
		ic := r.takePending()
		if ic == nil {
			fmt.Println("no incoming call")
			break
		}
		if err := ic.Accept(); err != nil {
			fmt.Printf("accept failed: %v\n", err)
			r.machine.EndCall()
		}

	case "/reject":
		ic := r.takePending()
		if ic == nil {
			fmt.Println("no incoming call")
			break
		}
		ic.Ignore()
		fmt.Println("call rejected")

	case "/end":
		r.machine.EndCall()

	case "/status":
		r.printStatus()

	case "/img":
		if len(fields) < 2 {
			fmt.Println("usage: /img <path> [caption]")
			break
		}
		caption := strings.Join(fields[2:], " ")
		r.sendImage(fields[1], caption)

	case "/save":
		if len(fields) != 3 {
			fmt.Println("usage: /save <msg#> <att#>")
			break
		}
		r.saveAttachment(fields[1], fields[2])

	case "/quit":
		return true

	default:
		fmt.Printf("unknown command %s — /help lists commands\n", fields[0])
	}
	return false
}

func (r *repl) takePending() *call.IncomingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	ic := r.pending
	r.pending = nil
	return ic
}

func (r *repl) printStatus() {
	relay := "disconnected"
	if r.tc.Connected() {
		relay = "connected"
	}
	fmt.Printf("relay:   %s\n", relay)
	fmt.Printf("partner: %s (%s)\n", r.partnerID, r.pres.Status(r.partnerID))
	if r.engine.PeerTyping() {
		fmt.Printf("         %s is typing…\n", r.partnerID)
	}
	if sess, ok := r.machine.Session(); ok {
		fmt.Printf("call:    %s (with %s)\n", sess.Status, sess.Peer(r.selfID))
	} else {
		fmt.Println("call:    idle")
	}
	fmt.Printf("history: %d message(s)\n", len(r.engine.Messages()))
}

func (r *repl) sendImage(path, caption string) {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read %s: %v\n", path, err)
		return
	}
	if _, err := r.engine.Send(caption, [][]byte{b}); err != nil {
		fmt.Printf("send failed: %v\n", err)
	}
}

// saveAttachment decodes one received attachment to <dir>/downloads and
// records it in the ledger so the hint is not shown again.
func (r *repl) saveAttachment(msgArg, attArg string) {
	msgIdx, err1 := strconv.Atoi(msgArg)
	attIdx, err2 := strconv.Atoi(attArg)
	if err1 != nil || err2 != nil {
		fmt.Println("usage: /save <msg#> <att#>")
		return
	}

	history := r.engine.Messages()
	if msgIdx < 0 || msgIdx >= len(history) {
		fmt.Printf("no message #%d (history has %d)\n", msgIdx, len(history))
		return
	}
	msg := history[msgIdx]
	if attIdx < 0 || attIdx >= len(msg.Images) {
		fmt.Printf("message #%d has %d attachment(s)\n", msgIdx, len(msg.Images))
		return
	}

	if done, err := r.db.IsDownloaded(msg.ClientID, attIdx); err != nil {
		fmt.Printf("ledger lookup failed: %v\n", err)
		return
	} else if done {
		fmt.Println("already saved")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Images[attIdx])
	if err != nil {
		fmt.Printf("attachment is not valid base64: %v\n", err)
		return
	}

	outDir := filepath.Join(r.dir, "downloads")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Printf("create downloads dir: %v\n", err)
		return
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("%s-%d.bin", msg.ClientID, attIdx))
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		fmt.Printf("write %s: %v\n", outPath, err)
		return
	}

	if err := r.db.MarkDownloaded(msg.ClientID, attIdx); err != nil {
		fmt.Printf("ledger update failed: %v\n", err)
		return
	}
	fmt.Printf("saved to %s\n", outPath)
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /call               call your partner")
	fmt.Println("  /accept             accept the incoming call")
	fmt.Println("  /reject             reject the incoming call")
	fmt.Println("  /end                hang up")
	fmt.Println("  /status             relay, presence and call state")
	fmt.Println("  /img <path> [text]  send an image with an optional caption")
	fmt.Println("  /save <msg#> <att#> save a received attachment")
	fmt.Println("  /quit               exit")
	fmt.Println()
	fmt.Println("Anything else is sent as a chat message.")
}
