// ABOUTME: Gateway orchestrator that wires the registry, classifier, and router
// ABOUTME: Manages the HTTP server, agent channels, store, and shutdown lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/outpost/internal/agent"
	"github.com/2389/outpost/internal/agenthttp"
	"github.com/2389/outpost/internal/auth"
	"github.com/2389/outpost/internal/config"
	"github.com/2389/outpost/internal/health"
	"github.com/2389/outpost/internal/metadata"
	"github.com/2389/outpost/internal/router"
	"github.com/2389/outpost/internal/store"
)

const defaultMetadataTTL = 10 * time.Minute

// Gateway orchestrates the outpost-gateway server components. It owns the
// connection registry for agent channels, the metadata cache and its SQLite
// tier, the health classifier, and the HTTP server exposing the API.
type Gateway struct {
	config     *config.Config
	logger     *slog.Logger
	store      store.Store
	cache      *metadata.Cache
	registry   *agent.Registry
	classifier *health.Classifier
	router     *router.Router
	verifier   *auth.JWTVerifier
	httpServer *http.Server

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("OUTPOST_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	ttl := cfg.Agents.MetadataTTL
	if ttl == 0 {
		ttl = defaultMetadataTTL
	}
	cache := metadata.NewCache(ttl, 100_000, s, logger)

	registry := agent.NewRegistry(logger.With("component", "registry"))
	prober := agenthttp.NewClient()

	// The server-side classifier sees the registry but never scans the
	// client-only fallback ports.
	classifier := health.NewClassifier(health.Params{
		Prober:        prober,
		Cache:         cache,
		Channels:      registry,
		DefaultPort:   cfg.Agents.DefaultPort,
		ProbeTimeout:  cfg.Agents.ProbeTimeout,
		StatusTimeout: cfg.Agents.StatusTimeout,
		Logger:        logger,
	})

	opRouter := router.New(router.Params{
		Caller:          prober,
		Dispatcher:      registry,
		Cache:           cache,
		DefaultPort:     cfg.Agents.DefaultPort,
		DispatchTimeout: cfg.Agents.DispatchTimeout,
		Logger:          logger,
	})

	gw := &Gateway{
		config:     cfg,
		logger:     logger.With("component", "gateway"),
		store:      s,
		cache:      cache,
		registry:   registry,
		classifier: classifier,
		router:     opRouter,
		verifier:   auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		serverID:   generateServerID(),
	}

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("/healthz", gw.handleHealthz)

	// Agent channel endpoint - authenticates inside the handshake
	mux.HandleFunc("/api/agent/connect", gw.handleAgentConnect)

	// API endpoints - bearer JWT required
	authMiddleware := auth.HTTPAuthMiddleware(gw.verifier)
	mux.Handle("/api/perform", authMiddleware(http.HandlerFunc(gw.handlePerform)))
	mux.Handle("/api/status", authMiddleware(http.HandlerFunc(gw.handleStatus)))
	mux.Handle("/api/agents", authMiddleware(http.HandlerFunc(gw.handleListAgents)))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler exposes the HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources. Open agent
// channels are closed, which fails their pending requests with a
// connection-lost error rather than leaving callers to time out.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.registry.Close()
	g.cache.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("outpost-gateway-%d", time.Now().UnixNano()%1000000)
}
