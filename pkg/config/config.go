// Package config holds the bridge configuration: a JSON file overlaid
// with MESHGRAM_* environment variables, plus a Store that hot-reloads
// the mutable fields while the bridge is running.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// HopFilter is a closed interval of hop counts. Keyword auto-replies to
// broadcast packets whose hop count falls inside it are not sent over
// the mesh (relay-storm protection); the chat side still gets a
// FILTERED notice.
type HopFilter struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether hops lies in [Min, Max].
func (h HopFilter) Contains(hops int) bool {
	return hops >= h.Min && hops <= h.Max
}

// Config is the full bridge configuration.
//
// TelegramToken and TelegramChatID are read once at startup and never
// change afterwards; a file reload that tries to alter them is ignored
// with a warning. Everything else is hot-reloadable.
type Config struct {
	// Mesh radio endpoint. Rewritten by /connect and persisted.
	Host string `env:"MESHGRAM_HOST" json:"host"`
	Port int    `env:"MESHGRAM_PORT" json:"port"`

	// Immutable chat credentials.
	TelegramToken  string `env:"MESHGRAM_TELEGRAM_TOKEN"   json:"telegram_token"`
	TelegramChatID string `env:"MESHGRAM_TELEGRAM_CHAT_ID" json:"telegram_chat_id"`

	// Long-poll timeout for the chat service, in seconds.
	TelegramTimeout int `env:"MESHGRAM_TELEGRAM_TIMEOUT" json:"telegram_timeout"`

	Keywords         []string `json:"keywords"`
	KeywordMatch     string   `env:"MESHGRAM_KEYWORD_MATCH" json:"keyword_match"`
	GeneralSuffix    string   `json:"general_suffix"`
	PrivateSuffix    string   `json:"private_suffix"`
	PrivateNodeNames []string `json:"private_node_names"`

	// Nil means hop filtering is disabled.
	HopFilter *HopFilter `json:"hop_filter_interval,omitempty"`

	// Mesh channel name for outbound broadcasts; empty uses the
	// device's primary channel.
	DefaultChannel string `env:"MESHGRAM_DEFAULT_CHANNEL" json:"default_channel,omitempty"`

	// Long name to assign to the radio on connect; empty leaves the
	// device name alone.
	NodeLongName string `env:"MESHGRAM_NODE_LONG_NAME" json:"node_long_name,omitempty"`

	// Chunking and pacing for outbound mesh sends.
	MaxBytes    int `env:"MESHGRAM_MAX_BYTES"     json:"max_bytes"`
	PartDelayMs int `env:"MESHGRAM_PART_DELAY_MS" json:"part_delay_ms"`

	// Directory for the append-only message logs; empty disables them.
	MessagesDir string `env:"MESHGRAM_MESSAGES_DIR" json:"messages_dir,omitempty"`
}

// Keyword match policies. "token" matches whole whitespace-delimited
// words; "substring" matches anywhere in the text. Both are
// case-insensitive.
const (
	MatchToken     = "token"
	MatchSubstring = "substring"
)

func DefaultConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            4403,
		TelegramTimeout: 20,
		KeywordMatch:    MatchToken,
		MaxBytes:        200,
		PartDelayMs:     1500,
		MessagesDir:     "messages_logs",
	}
}

// Validate checks the invariants a usable config must hold. It does not
// require credentials: a bridge without Telegram still relays keywords.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxBytes < 32 {
		return fmt.Errorf("max_bytes %d too small (min 32)", c.MaxBytes)
	}
	if c.PartDelayMs < 0 {
		return errors.New("part_delay_ms must be >= 0")
	}
	if c.TelegramTimeout <= 0 {
		return errors.New("telegram_timeout must be > 0")
	}
	switch c.KeywordMatch {
	case MatchToken, MatchSubstring:
	default:
		return fmt.Errorf("keyword_match %q: want %q or %q", c.KeywordMatch, MatchToken, MatchSubstring)
	}
	if c.HopFilter != nil && c.HopFilter.Min > c.HopFilter.Max {
		return fmt.Errorf("hop_filter_interval [%d,%d] inverted", c.HopFilter.Min, c.HopFilter.Max)
	}
	return nil
}

// Endpoint returns the mesh radio address as host:port.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KeywordsLower returns the configured keywords lowercased, skipping
// blanks.
func (c *Config) KeywordsLower() []string {
	out := make([]string, 0, len(c.Keywords))
	for _, kw := range c.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// IsPrivateNodeAllowed reports whether name may exchange private
// messages through the bridge. The allowlist is a strict opt-in: when
// empty, nobody is allowed.
func (c *Config) IsPrivateNodeAllowed(name string) bool {
	name = strings.ToLower(name)
	for _, n := range c.PrivateNodeNames {
		if strings.ToLower(n) == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; the Store hands these out so a reload
// never mutates a snapshot a reader already holds.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.PrivateNodeNames = append([]string(nil), c.PrivateNodeNames...)
	if c.HopFilter != nil {
		hf := *c.HopFilter
		cp.HopFilter = &hf
	}
	return &cp
}

// LoadConfig reads the JSON file at path and applies the MESHGRAM_* env
// overlay. A missing file yields defaults (env still applies).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}
