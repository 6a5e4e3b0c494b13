// ABOUTME: Represents one user's live duplex channel and its in-flight requests.
// ABOUTME: Correlates responses by request ID with per-request deadline timers.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport half of a duplex connection. The Connection is the
// exclusive owner of its Channel; no other component may write to it.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// outcome is the terminal result of a pending request. Exactly one outcome is
// ever delivered per request.
type outcome struct {
	data json.RawMessage
	err  error
}

// pendingRequest tracks one outstanding correlated call.
type pendingRequest struct {
	done  chan outcome
	timer *time.Timer
}

// Connection represents a connected agent channel for a single user.
type Connection struct {
	UserID    string
	CreatedAt time.Time

	channel Channel
	logger  *slog.Logger
	counter atomic.Uint64

	mu      sync.Mutex
	open    bool
	pending map[string]*pendingRequest
}

// NewConnection wraps a freshly handshaken channel for the given user.
func NewConnection(userID string, ch Channel, logger *slog.Logger) *Connection {
	return &Connection{
		UserID:    userID,
		CreatedAt: time.Now(),
		channel:   ch,
		logger:    logger.With("user_id", userID),
		open:      true,
		pending:   make(map[string]*pendingRequest),
	}
}

// Open reports whether the channel is currently usable for dispatch.
func (c *Connection) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// PendingCount returns the number of in-flight correlated requests.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// nextCorrelationID builds a globally unique request ID. It embeds the user ID
// and a monotonic counter plus a random suffix so IDs cannot collide across
// users or across gateway restarts.
func (c *Connection) nextCorrelationID() string {
	return fmt.Sprintf("%s-%d-%s", c.UserID, c.counter.Add(1), uuid.NewString()[:8])
}

// Roundtrip sends one correlated request and blocks until a response arrives,
// the timeout fires, the connection is lost, or ctx is cancelled. Callers may
// not pass a non-positive timeout.
func (c *Connection) Roundtrip(ctx context.Context, operation string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("dispatch timeout must be positive, got %v", timeout)
	}

	id := c.nextCorrelationID()
	payload, err := EncodeRequest(id, operation, args)
	if err != nil {
		return nil, err
	}

	// Register the pending request before sending so a fast response cannot
	// race the bookkeeping.
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	req := &pendingRequest{done: make(chan outcome, 1)}
	req.timer = time.AfterFunc(timeout, func() {
		c.complete(id, nil, ErrTimeout)
	})
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.channel.Send(ctx, payload); err != nil {
		c.complete(id, nil, nil)
		return nil, fmt.Errorf("sending request %s: %w", id, err)
	}

	c.logger.Debug("request dispatched", "id", id, "operation", operation, "timeout", timeout)

	select {
	case out := <-req.done:
		return out.data, out.err
	case <-ctx.Done():
		// The pending entry stays live until its deadline or a response fires;
		// there is no cancellation signal to the remote side.
		return nil, ctx.Err()
	}
}

// complete delivers the terminal outcome for a correlation ID. It returns
// false if the request was already completed or never existed, making removal
// from the pending set idempotent.
func (c *Connection) complete(id string, data json.RawMessage, err error) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	req.timer.Stop()
	req.done <- outcome{data: data, err: err}
	return true
}

// HandleMessage processes one inbound channel message. Keep-alives are
// consumed here; correlated responses resolve or reject their pending
// request; responses for unknown IDs are logged and dropped (the remote may
// have answered after the local deadline already fired).
func (c *Connection) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := ParseInbound(raw)
	if err != nil {
		c.logger.Warn("dropping unparseable channel message", "error", err)
		return
	}

	switch {
	case msg.Type == MessageTypePing:
		if err := c.channel.Send(ctx, EncodeKeepAlive(MessageTypePong)); err != nil {
			c.logger.Warn("failed to answer ping", "error", err)
		}
	case msg.Type == MessageTypePong:
		c.logger.Debug("pong received")
	case msg.ID != "":
		var respErr error
		if msg.Error != "" {
			respErr = &RemoteError{Message: msg.Error}
		}
		if !c.complete(msg.ID, msg.Data, respErr) {
			c.logger.Warn("dropping response for unknown request", "id", msg.ID)
		}
	default:
		c.logger.Warn("dropping message with no type and no correlation id")
	}
}

// CloseWithError marks the connection closed, closes the underlying channel,
// and fails every pending request with cause. Safe to call more than once.
func (c *Connection) CloseWithError(cause error) {
	c.mu.Lock()
	alreadyClosed := !c.open
	c.open = false
	drained := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, req := range drained {
		req.timer.Stop()
		req.done <- outcome{err: cause}
		c.logger.Debug("pending request failed by connection close", "id", id)
	}

	if !alreadyClosed {
		if err := c.channel.Close(); err != nil {
			c.logger.Debug("closing channel", "error", err)
		}
	}
}
