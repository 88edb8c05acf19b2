package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/forge-terminal/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers from blocking the history writer.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_values (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);
	CREATE INDEX IF NOT EXISTS idx_session_values_updated ON session_values(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetValue returns the value for key in scope.
func (s *SQLiteStore) GetValue(ctx context.Context, scope, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_values WHERE scope = ? AND key = ?`, scope, key)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan session value: %w", err)
	}
	return value, true, nil
}

// SetValue creates or replaces the value for key in scope.
func (s *SQLiteStore) SetValue(ctx context.Context, scope, key, value string) error {
	query := `
	INSERT INTO session_values (scope, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, "set_value", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, scope, key, value, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session value: %w", err)
	}
	return nil
}

// DeleteScope removes every value stored under scope.
func (s *SQLiteStore) DeleteScope(ctx context.Context, scope string) error {
	err := shared.RetryOnConflict(ctx, "delete_scope", writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_values WHERE scope = ?`, scope)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete scope %s: %w", scope, err)
	}
	return nil
}

// CleanupExpiredScopes removes values not written within ttl.
func (s *SQLiteStore) CleanupExpiredScopes(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_values WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired scopes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		slog.Debug("Expired session values removed", "rows", rows)
	}
	return rows, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
