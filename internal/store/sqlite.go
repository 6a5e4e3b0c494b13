// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent metadata persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/2389/outpost/internal/metadata"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS agent_metadata (
	user_id         TEXT PRIMARY KEY,
	port            INTEGER NOT NULL,
	home_directory  TEXT NOT NULL DEFAULT '',
	platform        TEXT NOT NULL DEFAULT '',
	has_permissions INTEGER NOT NULL DEFAULT 0,
	mode            TEXT NOT NULL DEFAULT '',
	checked_at      TIMESTAMP NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating agent_metadata table: %w", err)
	}
	return nil
}

// SaveEntry upserts the metadata entry for its user.
func (s *SQLiteStore) SaveEntry(ctx context.Context, entry metadata.Entry) error {
	if entry.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_metadata (user_id, port, home_directory, platform, has_permissions, mode, checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	port = excluded.port,
	home_directory = excluded.home_directory,
	platform = excluded.platform,
	has_permissions = excluded.has_permissions,
	mode = excluded.mode,
	checked_at = excluded.checked_at
`, entry.UserID, entry.Port, entry.HomeDirectory, entry.Platform, entry.HasPermissions, entry.Mode, entry.CheckedAt)
	if err != nil {
		return fmt.Errorf("upserting agent metadata: %w", err)
	}
	return nil
}

// LoadEntry returns the stored entry for userID, or ErrNotFound.
func (s *SQLiteStore) LoadEntry(ctx context.Context, userID string) (metadata.Entry, error) {
	var entry metadata.Entry
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, port, home_directory, platform, has_permissions, mode, checked_at
FROM agent_metadata WHERE user_id = ?
`, userID).Scan(&entry.UserID, &entry.Port, &entry.HomeDirectory, &entry.Platform, &entry.HasPermissions, &entry.Mode, &entry.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.Entry{}, ErrNotFound
	}
	if err != nil {
		return metadata.Entry{}, fmt.Errorf("loading agent metadata: %w", err)
	}
	return entry, nil
}

// DeleteEntry removes the stored entry for userID.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_metadata WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deleting agent metadata: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
