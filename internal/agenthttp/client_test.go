// ABOUTME: Tests for the loopback agent HTTP client.
// ABOUTME: Uses httptest servers standing in for a local agent.

package agenthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/2389/outpost/internal/agent"
)

// serverPort extracts the ephemeral port an httptest server is listening on.
func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parsing test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}
	return port
}

func TestHealth(t *testing.T) {
	t.Run("2xx with no body is healthy", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer ts.Close()

		if err := NewClient().Health(context.Background(), serverPort(t, ts)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("non-2xx is unhealthy", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		if err := NewClient().Health(context.Background(), serverPort(t, ts)); err == nil {
			t.Error("expected error for 500 response")
		}
	})

	t.Run("unreachable port is unhealthy within the deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := NewClient().Health(ctx, 1) // nothing listens on port 1
		if err == nil {
			t.Fatal("expected error for unreachable port")
		}
		if time.Since(start) > time.Second {
			t.Error("probe was not bounded by the context deadline")
		}
	})
}

func TestStatus(t *testing.T) {
	t.Run("decodes permission metadata", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/status" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"hasPermissions": true,
				"mode":           "unrestricted",
				"homeDirectory":  "/home/alice",
				"platform":       "linux",
			})
		}))
		defer ts.Close()

		info, err := NewClient().Status(context.Background(), serverPort(t, ts))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !info.HasPermissions || info.Mode == nil || *info.Mode != "unrestricted" {
			t.Errorf("unexpected status info: %+v", info)
		}
		if info.HomeDirectory != "/home/alice" || info.Platform != "linux" {
			t.Errorf("unexpected metadata: %+v", info)
		}
	})

	t.Run("null mode is allowed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"hasPermissions":false,"mode":null}`)) //nolint:errcheck
		}))
		defer ts.Close()

		info, err := NewClient().Status(context.Background(), serverPort(t, ts))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Mode != nil {
			t.Errorf("expected nil mode, got %v", *info.Mode)
		}
	})
}

func TestCall(t *testing.T) {
	t.Run("posts args and returns the body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/fs.list" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			var args map[string]any
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
				t.Errorf("decoding args: %v", err)
			}
			if args["path"] != "/tmp" {
				t.Errorf("unexpected args: %v", args)
			}
			w.Write([]byte(`{"entries":["a","b"]}`)) //nolint:errcheck
		}))
		defer ts.Close()

		data, err := NewClient().Call(context.Background(), serverPort(t, ts), "fs.list", map[string]any{"path": "/tmp"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"entries":["a","b"]}` {
			t.Errorf("unexpected body: %s", data)
		}
	})

	t.Run("declared error surfaces as RemoteError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"permission denied"}`)) //nolint:errcheck
		}))
		defer ts.Close()

		_, err := NewClient().Call(context.Background(), serverPort(t, ts), "fs.write", nil)
		var remote *agent.RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("expected RemoteError, got %v", err)
		}
		if remote.Message != "permission denied" {
			t.Errorf("unexpected message: %s", remote.Message)
		}
	})

	t.Run("non-2xx without declared error is a transport failure", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := NewClient().Call(context.Background(), serverPort(t, ts), "fs.read", nil)
		if err == nil {
			t.Fatal("expected error")
		}
		var remote *agent.RemoteError
		if errors.As(err, &remote) {
			t.Error("plain non-2xx must not be a RemoteError")
		}
	})
}
