// ABOUTME: Dual-transport router executing one named operation per call.
// ABOUTME: Hides the HTTP-vs-duplex-channel choice behind a single normalized result shape.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/outpost/internal/agent"
	"github.com/2389/outpost/internal/health"
	"github.com/2389/outpost/internal/metadata"
)

// Caller is the stateless HTTP transport. *agenthttp.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, port int, operation string, args map[string]any) (json.RawMessage, error)
}

// Dispatcher is the duplex-channel transport. *agent.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, operation string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// Params configures a Router.
type Params struct {
	// Caller is the loopback HTTP transport. Leave nil in execution contexts
	// that cannot reach the end-user machine's loopback interface; the router
	// then always uses the duplex channel.
	Caller Caller

	// Dispatcher is the duplex-channel fallback. Required.
	Dispatcher Dispatcher

	// Cache supplies the remembered port for the HTTP path. Optional.
	Cache *metadata.Cache

	// DefaultPort is used when no port is remembered. Zero means
	// health.DefaultPort.
	DefaultPort int

	// DispatchTimeout bounds channel calls. Zero means
	// agent.DefaultDispatchTimeout.
	DispatchTimeout time.Duration

	Logger *slog.Logger
}

// Router executes operations for users without exposing which transport
// served the call: stateless HTTP against the agent's loopback port when the
// calling context can reach it, the correlated duplex channel otherwise.
type Router struct {
	caller          Caller
	dispatcher      Dispatcher
	cache           *metadata.Cache
	defaultPort     int
	dispatchTimeout time.Duration
	logger          *slog.Logger
}

// New creates a Router from params.
func New(p Params) *Router {
	if p.DefaultPort == 0 {
		p.DefaultPort = health.DefaultPort
	}
	if p.DispatchTimeout == 0 {
		p.DispatchTimeout = agent.DefaultDispatchTimeout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Router{
		caller:          p.Caller,
		dispatcher:      p.Dispatcher,
		cache:           p.Cache,
		defaultPort:     p.DefaultPort,
		dispatchTimeout: p.DispatchTimeout,
		logger:          p.Logger.With("component", "router"),
	}
}

// Perform executes one named operation for a user and normalizes both
// transports into a single outcome: (result, nil) or (nil, typed error).
// Transport errors are surfaced typed and never retried here; retry policy
// belongs to the caller, which may have idempotency knowledge the transport
// lacks.
func (r *Router) Perform(ctx context.Context, userID, operation string, args map[string]any) (json.RawMessage, error) {
	if r.caller != nil {
		port := r.defaultPort
		if r.cache != nil {
			port = r.cache.Port(ctx, userID, r.defaultPort)
		}

		result, err := r.caller.Call(ctx, port, operation, args)
		if err == nil {
			return result, nil
		}

		// A declared remote error is the operation's own failure; falling
		// back to the channel would run the operation twice.
		var remote *agent.RemoteError
		if errors.As(err, &remote) {
			return nil, err
		}

		r.logger.Debug("http transport failed, falling back to channel",
			"user_id", userID, "operation", operation, "port", port, "error", err)
	}

	return r.dispatcher.Dispatch(ctx, userID, operation, args, r.dispatchTimeout)
}
