// ABOUTME: JSON wire shapes for the duplex channel between gateway and agent.
// ABOUTME: Correlated request/response envelopes plus ping/pong keep-alives.

package agent

import (
	"encoding/json"
	"fmt"
)

// Keep-alive message types. These bypass request correlation entirely.
const (
	MessageTypePing = "ping"
	MessageTypePong = "pong"
)

// InboundMessage is a message received from an agent over the duplex channel.
// Exactly one of two forms is expected: a keep-alive ({"type": "ping"|"pong"})
// or a correlated response ({"id": ..., "data": ..., "error": ...}).
type InboundMessage struct {
	Type  string          `json:"type,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ParseInbound decodes a raw channel message into an InboundMessage.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("parsing channel message: %w", err)
	}
	return &msg, nil
}

// EncodeRequest builds the outbound correlated request for the duplex channel:
// a flat JSON object {"id": ..., "operation": ..., <args>}. Argument keys that
// would collide with the envelope fields are rejected.
func EncodeRequest(correlationID, operation string, args map[string]any) ([]byte, error) {
	payload := make(map[string]any, len(args)+2)
	for k, v := range args {
		if k == "id" || k == "operation" || k == "type" {
			return nil, fmt.Errorf("argument key %q is reserved", k)
		}
		payload[k] = v
	}
	payload["id"] = correlationID
	payload["operation"] = operation

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return data, nil
}

// EncodeKeepAlive builds a ping or pong keep-alive message.
func EncodeKeepAlive(messageType string) []byte {
	// Both shapes are fixed; no marshal error is possible.
	data, _ := json.Marshal(map[string]string{"type": messageType})
	return data
}
