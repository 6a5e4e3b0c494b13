// ABOUTME: Store interface for durable agent metadata persistence.
// ABOUTME: Backs the in-memory metadata cache so remembered ports survive restarts.

package store

import (
	"context"
	"errors"

	"github.com/2389/outpost/internal/metadata"
)

// ErrNotFound is returned when no metadata exists for the requested user.
var ErrNotFound = errors.New("not found")

// Store persists last-known agent metadata per user. Implementations must be
// safe for concurrent use.
type Store interface {
	// SaveEntry upserts the metadata entry for its user.
	SaveEntry(ctx context.Context, entry metadata.Entry) error

	// LoadEntry returns the stored entry for userID, or ErrNotFound.
	LoadEntry(ctx context.Context, userID string) (metadata.Entry, error)

	// DeleteEntry removes the stored entry for userID. Deleting a missing
	// entry is a no-op.
	DeleteEntry(ctx context.Context, userID string) error

	// Close releases the underlying database handle.
	Close() error
}
