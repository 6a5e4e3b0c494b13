// ABOUTME: WebSocket endpoint where agents open their duplex channel
// ABOUTME: Authenticates the handshake, registers the channel, and pumps inbound messages

package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/2389/outpost/internal/auth"
)

// wsChannel adapts a websocket connection to the registry's Channel
// interface. Write serialization is handled by the websocket library.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// authorizeAgent validates the handshake credentials and returns the user ID
// the channel belongs to. An error message is written to w on failure.
func (g *Gateway) authorizeAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, errMsg := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
		return "", false
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return "", false
	}

	if hash := g.config.Auth.EnrollmentHash; hash != "" {
		if !auth.VerifyEnrollmentSecret(hash, r.Header.Get("X-Enrollment-Secret")) {
			g.logger.Warn("agent presented bad enrollment secret", "user_id", userID)
			http.Error(w, `{"error":"invalid enrollment secret"}`, http.StatusForbidden)
			return "", false
		}
	}

	return userID, true
}

// handleAgentConnect upgrades an agent's request to a websocket and registers
// it as the user's duplex channel. The handler blocks pumping inbound
// messages until the channel dies; a newer channel for the same user
// supersedes this one without disturbing the replacement.
func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.authorizeAgent(w, r)
	if !ok {
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}

	conn := g.registry.Register(userID, &wsChannel{conn: wsConn})
	defer g.registry.Discard(conn)

	for {
		_, data, err := wsConn.Read(r.Context())
		if err != nil {
			g.logger.Info("agent channel closed", "user_id", userID, "error", err)
			return
		}
		conn.HandleMessage(r.Context(), data)
	}
}
