package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tandemtalk/tandemtalk/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Paths    Paths    `json:"paths"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
}

type Identity struct {
	SelfID    string `json:"self_id"`
	PartnerID string `json:"partner_id"`
}

type Relay struct {
	URL string `json:"url"`

	// Reconnect policy: a fixed number of attempts with a fixed delay
	// between them before the session is declared down.
	MaxAttempts   int `json:"max_attempts"`
	RetryDelaySec int `json:"retry_delay_seconds"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type Chat struct {
	// How long after the last keystroke the typing indicator stays up.
	TypingWindowMs int `json:"typing_window_ms"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:           "ws://localhost:8787/ws",
			MaxAttempts:   5,
			RetryDelaySec: 2,
		},
		Paths: Paths{
			DataDir: "data",
		},
		Chat: Chat{
			TypingWindowMs: 2000,
		},
		Call: Call{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.SelfID); err != nil {
		return fmt.Errorf("identity.self_id: %w", err)
	}
	if _, err := util.ValidateUserID(c.Identity.PartnerID); err != nil {
		return fmt.Errorf("identity.partner_id: %w", err)
	}
	if c.Identity.SelfID == c.Identity.PartnerID {
		return errors.New("identity.partner_id must differ from identity.self_id")
	}

	// Relay
	raw := strings.TrimSpace(c.Relay.URL)
	if raw == "" {
		return errors.New("relay.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("relay.url: invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("relay.url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("relay.url is missing a host")
	}
	if c.Relay.MaxAttempts <= 0 {
		return errors.New("relay.max_attempts must be > 0")
	}
	if c.Relay.RetryDelaySec < 0 {
		return errors.New("relay.retry_delay_seconds must be >= 0")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Chat
	if c.Chat.TypingWindowMs <= 0 {
		return errors.New("chat.typing_window_ms must be > 0")
	}

	// Call
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers: %q must use a stun: or turn: scheme", s)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given identities filled in. Returns (cfg, createdNew, err).
func Ensure(path, selfID, partnerID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.SelfID = selfID
	cfg.Identity.PartnerID = partnerID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
