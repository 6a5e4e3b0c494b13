// ABOUTME: Reference agent for outpost — serves the loopback HTTP surface and
// ABOUTME: keeps a duplex channel to the gateway, answering correlated requests.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/outpost/internal/ops"
)

type agentConfig struct {
	GatewayURL       string `toml:"gateway_url"`
	Token            string `toml:"token"`
	EnrollmentSecret string `toml:"enrollment_secret"`
	Port             int    `toml:"port"`
	Root             string `toml:"root"`
	Mode             string `toml:"mode"`
	PingIntervalRaw  string `toml:"ping_interval"`

	pingInterval time.Duration
}

func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "outpost", "agent.toml")
}

func loadConfig(path string) (*agentConfig, error) {
	var cfg agentConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway_url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 4001
	}
	if cfg.Mode == "" {
		cfg.Mode = "full"
	}
	cfg.pingInterval = 30 * time.Second
	if cfg.PingIntervalRaw != "" {
		parsed, err := time.ParseDuration(cfg.PingIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing ping_interval %q: %w", cfg.PingIntervalRaw, err)
		}
		cfg.pingInterval = parsed
	}
	return &cfg, nil
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to agent.toml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *agentConfig, logger *slog.Logger) error {
	runner := ops.NewRunner(cfg.Root)
	agent := &agent{cfg: cfg, runner: runner, logger: logger}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           agent.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("loopback HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	// The channel loop reconnects for as long as the context lives.
	go agent.channelLoop(ctx)

	var serverErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serverErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serverErr == nil {
		serverErr = fmt.Errorf("HTTP shutdown: %w", err)
	}
	return serverErr
}

type agent struct {
	cfg    *agentConfig
	runner *ops.Runner
	logger *slog.Logger
}

// handler serves the loopback HTTP surface: /health, /status, /api/{op}.
func (a *agent) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/api/", a.handleOperation)
	return mux
}

func (a *agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	home, _ := os.UserHomeDir()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"hasPermissions": true,
		"mode":           a.cfg.Mode,
		"homeDirectory":  home,
		"platform":       runtime.GOOS,
	})
}

func (a *agent) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	operation := strings.TrimPrefix(r.URL.Path, "/api/")
	var args map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&args)
	}

	result, err := a.runner.Run(r.Context(), operation, args)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ops.ErrUnknownOperation) {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(result)
}

// channelLoop keeps a duplex channel open to the gateway, redialing with
// backoff after failures.
func (a *agent) channelLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if err := a.runChannel(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("channel closed, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (a *agent) runChannel(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)
	if a.cfg.EnrollmentSecret != "" {
		header.Set("X-Enrollment-Secret", a.cfg.EnrollmentSecret)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, a.cfg.GatewayURL, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	a.logger.Info("channel connected", "gateway", a.cfg.GatewayURL)

	// Keep-alive pings; the gateway answers with pongs.
	pingCtx, stopPings := context.WithCancel(ctx)
	defer stopPings()
	go func() {
		ticker := time.NewTicker(a.cfg.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := wsjson.Write(pingCtx, conn, map[string]string{"type": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("reading channel: %w", err)
		}
		a.handleChannelMessage(ctx, conn, msg)
	}
}

// handleChannelMessage answers one correlated request. Keep-alive pongs and
// anything without an id are ignored.
func (a *agent) handleChannelMessage(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	if t, _ := msg["type"].(string); t != "" {
		return
	}
	id, _ := msg["id"].(string)
	operation, _ := msg["operation"].(string)
	if id == "" || operation == "" {
		return
	}

	args := make(map[string]any, len(msg))
	for k, v := range msg {
		if k != "id" && k != "operation" {
			args[k] = v
		}
	}

	result, err := a.runner.Run(ctx, operation, args)
	if err != nil {
		a.logger.Warn("operation failed", "operation", operation, "error", err)
		_ = wsjson.Write(ctx, conn, map[string]any{"id": id, "error": err.Error()})
		return
	}
	_ = wsjson.Write(ctx, conn, map[string]any{"id": id, "data": result})
}
