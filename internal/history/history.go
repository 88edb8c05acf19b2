// Package history keeps the bounded log of prompts submitted in a browser session.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const (
	// DefaultLimit is the number of most recent prompts kept.
	DefaultLimit = 50
	// StorageKey is the key the history is persisted under.
	StorageKey = "forge-terminal-history"
)

// KV is the session-scoped key-value storage the history persists to.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Store records prompts oldest-first, bounded to limit entries.
type Store struct {
	kv    KV
	limit int
}

// New returns a history store over kv keeping DefaultLimit entries.
func New(kv KV) *Store {
	return NewWithLimit(kv, DefaultLimit)
}

// NewWithLimit returns a history store keeping at most limit entries.
func NewWithLimit(kv KV, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{kv: kv, limit: limit}
}

// Record appends text unless it equals the most recent entry, evicting
// the oldest entries beyond the limit.
func (s *Store) Record(ctx context.Context, text string) error {
	entries := s.All(ctx)
	if n := len(entries); n > 0 && entries[n-1] == text {
		return nil
	}

	entries = append(entries, text)
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.kv.Set(ctx, StorageKey, string(data)); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// All returns the recorded prompts, oldest first. Missing or unreadable
// storage yields an empty history.
func (s *Store) All(ctx context.Context) []string {
	raw, ok, err := s.kv.Get(ctx, StorageKey)
	if err != nil {
		slog.Warn("history storage unreadable, treating as empty", "error", err)
		return []string{}
	}
	if !ok || raw == "" {
		return []string{}
	}

	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Debug("history storage corrupt, treating as empty", "error", err)
		return []string{}
	}
	if entries == nil {
		return []string{}
	}
	if len(entries) > s.limit {
		entries = entries[len(entries)-s.limit:]
	}
	return entries
}
