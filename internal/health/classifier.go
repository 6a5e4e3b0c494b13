// ABOUTME: Bounded-latency health probing and connection-status classification.
// ABOUTME: Decides whether a user has no agent, an HTTP-only agent, or a full duplex agent.

package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/outpost/internal/agenthttp"
	"github.com/2389/outpost/internal/metadata"
)

// Status is the classified capability of a user's agent connection, ordered
// by capability. StatusHTTPOnly is the fully functional success state for
// every defined operation; StatusFull additionally has an open duplex channel
// and exists for future push-style notifications.
type Status string

const (
	StatusNone     Status = "none"
	StatusHTTPOnly Status = "http-only"
	StatusFull     Status = "full"
)

// Verdict is the raw health-probe outcome.
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictUnhealthy Verdict = "unhealthy"
	VerdictUnknown   Verdict = "unknown"
)

// Probe and status-query defaults. Both classifier call sites (server-side
// and client-side) must agree on these and on DefaultPort.
const (
	DefaultPort          = 4001
	DefaultProbeTimeout  = 200 * time.Millisecond
	DefaultStatusTimeout = 2 * time.Second
)

// ClientFallbackPorts are extra ports scanned only by the client-side
// classifier after the default and any remembered port both fail.
var ClientFallbackPorts = []int{4002, 4003, 4004, 4005}

// Metadata is the optional detail block from a successful /status query.
type Metadata struct {
	HomeDirectory  string `json:"homeDirectory,omitempty"`
	Platform       string `json:"platform,omitempty"`
	HasPermissions bool   `json:"hasPermissions"`
	Mode           string `json:"mode,omitempty"`
}

// ConnectionInfo is the classifier's answer for one user at one instant.
// It is not persisted beyond the metadata-cache refresh it triggers.
type ConnectionInfo struct {
	Status    Status    `json:"status"`
	Port      int       `json:"port,omitempty"`
	Health    Verdict   `json:"health"`
	CheckedAt time.Time `json:"checkedAt"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Prober performs the HTTP probes. *agenthttp.Client satisfies it.
type Prober interface {
	Health(ctx context.Context, port int) error
	Status(ctx context.Context, port int) (*agenthttp.StatusInfo, error)
}

// ChannelChecker reports duplex-channel liveness. The server-side classifier
// is built with the connection registry; the client-side classifier has none
// and conservatively never reports better than StatusHTTPOnly.
type ChannelChecker interface {
	IsOpen(userID string) bool
}

// Params configures a Classifier. Zero values take the package defaults.
type Params struct {
	Prober        Prober
	Cache         *metadata.Cache
	Channels      ChannelChecker
	DefaultPort   int
	FallbackPorts []int
	ProbeTimeout  time.Duration
	StatusTimeout time.Duration
	Logger        *slog.Logger
}

// Classifier answers "what can we currently do for this user?" in bounded
// time. It is safe for concurrent use; probes for different users proceed
// independently.
type Classifier struct {
	prober        Prober
	cache         *metadata.Cache
	channels      ChannelChecker
	defaultPort   int
	fallbackPorts []int
	probeTimeout  time.Duration
	statusTimeout time.Duration
	logger        *slog.Logger
}

// NewClassifier creates a classifier from params.
func NewClassifier(p Params) *Classifier {
	if p.DefaultPort == 0 {
		p.DefaultPort = DefaultPort
	}
	if p.ProbeTimeout == 0 {
		p.ProbeTimeout = DefaultProbeTimeout
	}
	if p.StatusTimeout == 0 {
		p.StatusTimeout = DefaultStatusTimeout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Classifier{
		prober:        p.Prober,
		cache:         p.Cache,
		channels:      p.Channels,
		defaultPort:   p.DefaultPort,
		fallbackPorts: p.FallbackPorts,
		probeTimeout:  p.ProbeTimeout,
		statusTimeout: p.StatusTimeout,
		logger:        p.Logger.With("component", "health"),
	}
}

// Classify probes the user's loopback HTTP surface and reports the current
// connection status. Probe failures are recovered into StatusNone, never
// returned as errors.
func (c *Classifier) Classify(ctx context.Context, userID string) ConnectionInfo {
	now := time.Now()

	port, ok := c.resolvePort(ctx, userID)
	if !ok {
		return ConnectionInfo{
			Status:    StatusNone,
			Health:    VerdictUnhealthy,
			CheckedAt: now,
		}
	}

	info := ConnectionInfo{
		Status:    StatusHTTPOnly,
		Port:      port,
		Health:    VerdictHealthy,
		CheckedAt: now,
	}

	// The detailed status query is slower and purely additive: its failure
	// never downgrades a healthy probe.
	entry := c.cachedEntry(ctx, userID)
	entry.UserID = userID
	entry.Port = port
	entry.CheckedAt = now

	statusCtx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	detail, err := c.prober.Status(statusCtx, port)
	cancel()
	if err != nil {
		c.logger.Debug("status query failed", "user_id", userID, "port", port, "error", err)
	} else {
		mode := ""
		if detail.Mode != nil {
			mode = *detail.Mode
		}
		info.Metadata = &Metadata{
			HomeDirectory:  detail.HomeDirectory,
			Platform:       detail.Platform,
			HasPermissions: detail.HasPermissions,
			Mode:           mode,
		}
		entry.HomeDirectory = detail.HomeDirectory
		entry.Platform = detail.Platform
		entry.HasPermissions = detail.HasPermissions
		entry.Mode = mode
	}

	if c.cache != nil {
		c.cache.Put(ctx, entry)
	}

	// Channel liveness is a bonus on top of a healthy HTTP surface, never a
	// substitute for one.
	if c.channels != nil && c.channels.IsOpen(userID) {
		info.Status = StatusFull
	}

	return info
}

// resolvePort probes the default port first, then the remembered port (only
// when it differs), then any configured fallback ports. The first responder
// wins; if the default answers, nothing else is ever probed.
func (c *Classifier) resolvePort(ctx context.Context, userID string) (int, bool) {
	candidates := []int{c.defaultPort}
	if c.cache != nil {
		if entry, ok := c.cache.Get(ctx, userID); ok && entry.Port > 0 && entry.Port != c.defaultPort {
			candidates = append(candidates, entry.Port)
		}
	}
	for _, port := range c.fallbackPorts {
		if !containsPort(candidates, port) {
			candidates = append(candidates, port)
		}
	}

	for _, port := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		err := c.prober.Health(probeCtx, port)
		cancel()
		if err == nil {
			return port, true
		}
		c.logger.Debug("health probe failed", "user_id", userID, "port", port, "error", err)
	}
	return 0, false
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// cachedEntry returns the prior cache entry for userID so a failed status
// query does not wipe previously learned metadata.
func (c *Classifier) cachedEntry(ctx context.Context, userID string) metadata.Entry {
	if c.cache == nil {
		return metadata.Entry{}
	}
	entry, _ := c.cache.Get(ctx, userID)
	return entry
}
