// ABOUTME: Tests for the SQLite agent metadata store.
// ABOUTME: Covers upsert, load, delete, and the cache persister contract.

package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/outpost/internal/metadata"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "outpost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	checked := time.Now().UTC().Truncate(time.Second)
	entry := metadata.Entry{
		UserID:         "alice",
		Port:           4003,
		HomeDirectory:  "/Users/alice",
		Platform:       "darwin",
		HasPermissions: true,
		Mode:           "balanced",
		CheckedAt:      checked,
	}
	require.NoError(t, s.SaveEntry(ctx, entry))

	got, err := s.LoadEntry(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4003, got.Port)
	assert.Equal(t, "/Users/alice", got.HomeDirectory)
	assert.Equal(t, "darwin", got.Platform)
	assert.True(t, got.HasPermissions)
	assert.Equal(t, "balanced", got.Mode)
	assert.True(t, got.CheckedAt.Equal(checked))
}

func TestSaveEntryUpserts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveEntry(ctx, metadata.Entry{UserID: "alice", Port: 4001, CheckedAt: time.Now()}))
	require.NoError(t, s.SaveEntry(ctx, metadata.Entry{UserID: "alice", Port: 4004, CheckedAt: time.Now()}))

	got, err := s.LoadEntry(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4004, got.Port)
}

func TestSaveEntryRequiresUserID(t *testing.T) {
	s := createTestStore(t)
	assert.Error(t, s.SaveEntry(context.Background(), metadata.Entry{Port: 4001}))
}

func TestLoadEntryNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.LoadEntry(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveEntry(ctx, metadata.Entry{UserID: "alice", Port: 4001, CheckedAt: time.Now()}))
	require.NoError(t, s.DeleteEntry(ctx, "alice"))

	_, err := s.LoadEntry(ctx, "alice")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting a missing entry is a no-op.
	require.NoError(t, s.DeleteEntry(ctx, "alice"))
}

func TestStoreBacksCache(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveEntry(ctx, metadata.Entry{UserID: "alice", Port: 4002, CheckedAt: time.Now()}))

	// A cold cache should warm itself from the store.
	c := metadata.NewCache(time.Minute, 16, s, slog.Default())
	defer c.Close()
	assert.Equal(t, 4002, c.Port(ctx, "alice", 4001))
}
