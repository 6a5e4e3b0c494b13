// ABOUTME: HTTP API handlers for operation execution and connection status.
// ABOUTME: Provides POST /api/perform, GET /api/status, and GET /api/agents.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/2389/outpost/internal/agent"
	"github.com/2389/outpost/internal/auth"
)

// PerformRequest is the JSON request body for POST /api/perform.
type PerformRequest struct {
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args,omitempty"`
}

// PerformResponse is the JSON response for POST /api/perform.
type PerformResponse struct {
	Result json.RawMessage `json:"result"`
}

// handleHealthz returns 200 OK if the server is alive.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePerform handles POST /api/perform requests. The operation targets
// the authenticated caller's own agent.
func (g *Gateway) handlePerform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parsePerformRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := auth.UserFromContext(r.Context())
	result, err := g.router.Perform(r.Context(), userID, req.Operation, req.Args)
	if err != nil {
		g.sendJSONError(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PerformResponse{Result: result})
}

// handleStatus handles GET /api/status requests, returning the classifier's
// view of the caller's agent.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := auth.UserFromContext(r.Context())
	info := g.classifier.Classify(r.Context(), userID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// handleListAgents handles GET /api/agents requests. It returns a JSON array
// of all registered agent channels.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.registry.List())
}

// statusForError maps transport errors to HTTP status codes. Declared remote
// errors are the operation's own failure and come back as 502 Bad Gateway to
// distinguish them from gateway-side 500s.
func statusForError(err error) int {
	var remote *agent.RemoteError
	switch {
	case errors.Is(err, agent.ErrNotConnected), errors.Is(err, agent.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrConnectionLost):
		return http.StatusBadGateway
	case errors.As(err, &remote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parsePerformRequest parses and validates a PerformRequest from the given
// reader. Returns an error if the JSON is invalid or operation is missing.
func parsePerformRequest(r io.Reader) (*PerformRequest, error) {
	var req PerformRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Operation == "" {
		return nil, errors.New("operation is required")
	}
	return &req, nil
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
