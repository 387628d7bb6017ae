package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyland-inc/meshgram/pkg/logger"
)

// Store holds the live Config snapshot. Readers call Current on every
// use and never cache the result; a reload swaps the pointer atomically
// so no reader observes a torn mix of old and new fields.
type Store struct {
	path string
	cur  atomic.Pointer[Config]

	mu        sync.Mutex // serializes reload vs. save
	mtime     time.Time
	onReload  []func(*Config)
	listenMu  sync.Mutex
	immutable struct {
		token  string
		chatID string
	}
}

// NewStore loads path and pins the credentials found at startup.
func NewStore(path string) (*Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path}
	s.immutable.token = cfg.TelegramToken
	s.immutable.chatID = cfg.TelegramChatID
	s.cur.Store(cfg)
	if st, err := os.Stat(path); err == nil {
		s.mtime = st.ModTime()
	}
	return s, nil
}

// Current returns the live snapshot. The returned value must not be
// mutated; components read it fresh on each use.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// OnReload registers a callback invoked with each new snapshot after an
// atomic swap. Callbacks run on the watcher goroutine and must be quick.
func (s *Store) OnReload(fn func(*Config)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// Watch polls the file's mtime on the given interval and reloads on
// change. It returns when ctx is canceled. A malformed file keeps the
// previous snapshot.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			s.mu.Lock()
			changed := st.ModTime().After(s.mtime)
			s.mu.Unlock()
			if changed {
				if err := s.Reload(); err != nil {
					logger.WarnCF("config", "Reload skipped, keeping previous config",
						map[string]any{"error": err.Error()})
				}
			}
		}
	}
}

// Reload re-reads the file and swaps the snapshot. Credential fields
// are always taken from the startup values; a file that tries to change
// them gets a warning and the change is dropped.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := LoadConfig(s.path)
	if err != nil {
		return err
	}

	if cfg.TelegramToken != s.immutable.token || cfg.TelegramChatID != s.immutable.chatID {
		logger.WarnC("config", "Telegram credentials changed on disk; ignored until restart")
	}
	cfg.TelegramToken = s.immutable.token
	cfg.TelegramChatID = s.immutable.chatID

	if st, err := os.Stat(s.path); err == nil {
		s.mtime = st.ModTime()
	}
	s.cur.Store(cfg)

	logger.InfoCF("config", "Configuration reloaded", map[string]any{
		"keywords":      len(cfg.Keywords),
		"private_nodes": len(cfg.PrivateNodeNames),
		"hop_filter":    cfg.HopFilter != nil,
	})

	s.listenMu.Lock()
	listeners := append([]func(*Config){}, s.onReload...)
	s.listenMu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// SaveEndpoint persists a new mesh radio address (from /connect) and
// updates the snapshot without waiting for the watcher.
func (s *Store) SaveEndpoint(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cur.Load().Clone()
	cfg.Host = host
	cfg.Port = port
	if err := SaveConfig(s.path, cfg); err != nil {
		return err
	}
	if st, err := os.Stat(s.path); err == nil {
		s.mtime = st.ModTime()
	}
	s.cur.Store(cfg)
	return nil
}

// SaveChatID persists the chat id captured from the first inbound chat
// message when none was configured. The id becomes immutable from then
// on, like a chat id set at startup.
func (s *Store) SaveChatID(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.immutable.chatID != "" {
		return nil
	}
	cfg := s.cur.Load().Clone()
	cfg.TelegramChatID = chatID
	if err := SaveConfig(s.path, cfg); err != nil {
		return err
	}
	if st, err := os.Stat(s.path); err == nil {
		s.mtime = st.ModTime()
	}
	s.immutable.chatID = chatID
	s.cur.Store(cfg)
	logger.InfoCF("config", "Chat id captured and persisted", map[string]any{"chat_id": chatID})
	return nil
}
