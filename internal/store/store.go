// Package store provides session-scoped key-value persistence.
package store

import (
	"context"
	"time"
)

// Repository persists small string values scoped to a browser tab session.
// A scope is typically "userID:sessionID".
type Repository interface {
	// GetValue returns the value for key in scope. ok is false when absent.
	GetValue(ctx context.Context, scope, key string) (value string, ok bool, err error)

	// SetValue creates or replaces the value for key in scope.
	SetValue(ctx context.Context, scope, key, value string) error

	// DeleteScope removes every value stored under scope.
	DeleteScope(ctx context.Context, scope string) error

	// CleanupExpiredScopes removes values that have not been written within ttl.
	CleanupExpiredScopes(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying storage.
	Close() error
}

// ScopedKV binds a Repository to one scope and exposes plain Get/Set.
type ScopedKV struct {
	repo  Repository
	scope string
}

// Scoped returns a key-value view of repo restricted to scope.
func Scoped(repo Repository, scope string) *ScopedKV {
	return &ScopedKV{repo: repo, scope: scope}
}

// Get returns the value for key, ok=false when absent.
func (s *ScopedKV) Get(ctx context.Context, key string) (string, bool, error) {
	return s.repo.GetValue(ctx, s.scope, key)
}

// Set stores value under key.
func (s *ScopedKV) Set(ctx context.Context, key, value string) error {
	return s.repo.SetValue(ctx, s.scope, key, value)
}

// Scope returns the bound scope.
func (s *ScopedKV) Scope() string {
	return s.scope
}
