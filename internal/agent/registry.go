// ABOUTME: Registry of live duplex channels keyed by user ID.
// ABOUTME: Enforces at most one channel per user and routes dispatch/inbound traffic.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDispatchTimeout bounds correlated calls that do not choose their own
// deadline.
const DefaultDispatchTimeout = 30 * time.Second

// Info is a snapshot of one registered connection for listings.
type Info struct {
	UserID       string    `json:"userId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	Open         bool      `json:"open"`
	PendingCalls int       `json:"pendingCalls"`
}

// Registry owns the lifecycle of duplex channels, one instance per gateway
// process. The registry mutex guards only the user-to-connection map; each
// connection serializes its own pending set, so one user's slow agent never
// blocks another's traffic.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "registry"),
	}
}

// Register records ch as the current channel for userID. Any prior channel
// for the same user is closed, and its pending requests fail with a
// superseded error (a ConnectionLost kind, never a Timeout).
func (r *Registry) Register(userID string, ch Channel) *Connection {
	conn := NewConnection(userID, ch, r.logger)

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if prev != nil {
		prev.CloseWithError(fmt.Errorf("superseded by a newer channel: %w", ErrConnectionLost))
		r.logger.Info("agent channel replaced", "user_id", userID)
	}
	r.logger.Info("agent connected", "user_id", userID, "total_connections", total)
	return conn
}

// Unregister removes the current channel for userID, if any, failing every
// pending request with ConnectionLost and cancelling their deadlines.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.CloseWithError(ErrConnectionLost)
	r.logger.Info("agent disconnected", "user_id", userID, "total_connections", total)
}

// Discard unregisters conn only if it is still the current channel for its
// user. A stale connection (already replaced by Register) is closed without
// touching the newer one.
func (r *Registry) Discard(conn *Connection) {
	r.mu.Lock()
	current := r.conns[conn.UserID] == conn
	if current {
		delete(r.conns, conn.UserID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	conn.CloseWithError(ErrConnectionLost)
	if current {
		r.logger.Info("agent disconnected", "user_id", conn.UserID, "total_connections", total)
	}
}

// Dispatch performs one correlated call over the user's duplex channel.
// It fails immediately with ErrNotConnected when no channel is registered and
// ErrNotReady when the channel is registered but no longer open.
func (r *Registry) Dispatch(ctx context.Context, userID, operation string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	conn, ok := r.get(userID)
	if !ok {
		return nil, ErrNotConnected
	}
	return conn.Roundtrip(ctx, operation, args, timeout)
}

// HandleMessage routes one inbound raw channel message for userID. Messages
// for users with no registered channel are logged and dropped.
func (r *Registry) HandleMessage(ctx context.Context, userID string, raw []byte) {
	conn, ok := r.get(userID)
	if !ok {
		r.logger.Warn("dropping message for unregistered user", "user_id", userID)
		return
	}
	conn.HandleMessage(ctx, raw)
}

// IsOpen reports whether userID currently has a registered, open channel.
// It implements the health classifier's channel check.
func (r *Registry) IsOpen(userID string) bool {
	conn, ok := r.get(userID)
	return ok && conn.Open()
}

// List returns a snapshot of all registered connections.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, Info{
			UserID:       conn.UserID,
			ConnectedAt:  conn.CreatedAt,
			Open:         conn.Open(),
			PendingCalls: conn.PendingCount(),
		})
	}
	return infos
}

// Close tears down every registered channel, failing all pending requests.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.CloseWithError(ErrConnectionLost)
	}
}

func (r *Registry) get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}
