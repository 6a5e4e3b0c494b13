// ABOUTME: HTTP client for the agent's loopback surface: health, status, operations.
// ABOUTME: All calls are bounded by the caller's context deadline.

package agenthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/outpost/internal/agent"
)

// StatusInfo is the agent's detailed status report from GET /status.
type StatusInfo struct {
	HasPermissions bool    `json:"hasPermissions"`
	Mode           *string `json:"mode"`
	HomeDirectory  string  `json:"homeDirectory,omitempty"`
	Platform       string  `json:"platform,omitempty"`
}

// errorEnvelope is the agent's declared error shape on non-2xx responses.
type errorEnvelope struct {
	Error string `json:"error"`
}

// Client talks to an agent's HTTP surface on the loopback interface. The
// agent and the probing client share the same machine; only the port varies.
type Client struct {
	httpClient *http.Client
	host       string
}

// NewClient creates a loopback agent client. The underlying http.Client
// carries no timeout of its own; callers bound every request with a context
// deadline.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{},
		host:       "127.0.0.1",
	}
}

func (c *Client) url(port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", c.host, port, path)
}

// Health probes GET /health on the given port. Any 2xx response counts as
// healthy; the body is ignored.
func (c *Client) Health(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/health"), nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Status queries GET /status on the given port for permission and platform
// metadata.
func (c *Client) Status(ctx context.Context, port int) (*StatusInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(port, "/status"), nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status query: unexpected status %d", resp.StatusCode)
	}

	var info StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &info, nil
}

// Call performs one operation over the stateless transport: POST
// /api/{operation} with the args as the JSON body. A declared {error} on a
// non-2xx response surfaces as *agent.RemoteError; anything else non-2xx is a
// transport failure.
func (c *Client) Call(ctx context.Context, port int, operation string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding operation args: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, "/api/"+operation), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building operation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
			return nil, &agent.RemoteError{Message: envelope.Error}
		}
		return nil, fmt.Errorf("calling %s: unexpected status %d", operation, resp.StatusCode)
	}

	return data, nil
}
