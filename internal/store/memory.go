package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	updatedAt time.Time
}

// Memory is an in-process Repository. Used by the terminal client and tests.
type Memory struct {
	mu     sync.RWMutex
	scopes map[string]map[string]memoryEntry
	now    func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		scopes: make(map[string]map[string]memoryEntry),
		now:    time.Now,
	}
}

// GetValue returns the value for key in scope.
func (m *Memory) GetValue(_ context.Context, scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.scopes[scope][key]
	return entry.value, ok, nil
}

// SetValue creates or replaces the value for key in scope.
func (m *Memory) SetValue(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scopes[scope]; !ok {
		m.scopes[scope] = make(map[string]memoryEntry)
	}
	m.scopes[scope][key] = memoryEntry{value: value, updatedAt: m.now()}
	return nil
}

// DeleteScope removes every value stored under scope.
func (m *Memory) DeleteScope(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scope)
	return nil
}

// CleanupExpiredScopes removes values not written within ttl.
func (m *Memory) CleanupExpiredScopes(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.now().Add(-ttl)
	var removed int64
	for scope, entries := range m.scopes {
		for key, entry := range entries {
			if entry.updatedAt.Before(threshold) {
				delete(entries, key)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(m.scopes, scope)
		}
	}
	return removed, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

var _ Repository = (*Memory)(nil)
