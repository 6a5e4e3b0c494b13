// ABOUTME: Tests for the duplex channel wire envelope.
// ABOUTME: Validates the flat request shape and reserved-key handling.

package agent

import (
	"encoding/json"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	t.Run("flattens args next to id and operation", func(t *testing.T) {
		raw, err := EncodeRequest("alice-1-abcd1234", "fs.read", map[string]any{"path": "/etc/hosts"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var req map[string]any
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req["id"] != "alice-1-abcd1234" || req["operation"] != "fs.read" || req["path"] != "/etc/hosts" {
			t.Errorf("unexpected envelope: %v", req)
		}
	})

	t.Run("rejects args that collide with envelope fields", func(t *testing.T) {
		for _, key := range []string{"id", "operation", "type"} {
			if _, err := EncodeRequest("x", "op", map[string]any{key: "boom"}); err == nil {
				t.Errorf("expected error for reserved key %q", key)
			}
		}
	})
}

func TestParseInbound(t *testing.T) {
	t.Run("keeps data as raw JSON", func(t *testing.T) {
		msg, err := ParseInbound([]byte(`{"id":"r1","data":{"nested":[1,2]}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.ID != "r1" || string(msg.Data) != `{"nested":[1,2]}` {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("rejects non-JSON payloads", func(t *testing.T) {
		if _, err := ParseInbound([]byte("ping")); err == nil {
			t.Error("expected parse error")
		}
	})
}
