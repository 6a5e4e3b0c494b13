// ABOUTME: Tests for the connection registry and request correlation.
// ABOUTME: Covers one-shot completion, supersede, timeout, and connection-loss semantics.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeChannel implements Channel for testing and records outbound payloads.
type fakeChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (f *fakeChannel) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// lastRequest decodes the most recent outbound request on the channel.
func lastRequest(t *testing.T, ch *fakeChannel) map[string]any {
	t.Helper()
	sent := ch.sentMessages()
	if len(sent) == 0 {
		t.Fatal("expected at least one sent message")
	}
	var req map[string]any
	if err := json.Unmarshal(sent[len(sent)-1], &req); err != nil {
		t.Fatalf("decoding outbound request: %v", err)
	}
	return req
}

// waitForSent blocks until the channel has at least n outbound messages.
func waitForSent(t *testing.T, ch *fakeChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.sentMessages()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages", n)
}

func TestDispatch(t *testing.T) {
	t.Run("resolves with response data", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		reg.Register("alice", ch)

		type result struct {
			data json.RawMessage
			err  error
		}
		results := make(chan result, 1)
		go func() {
			data, err := reg.Dispatch(context.Background(), "alice", "fs.list", map[string]any{"path": "/"}, time.Second)
			results <- result{data, err}
		}()

		waitForSent(t, ch, 1)
		req := lastRequest(t, ch)
		if req["operation"] != "fs.list" {
			t.Errorf("expected operation fs.list, got %v", req["operation"])
		}
		if req["path"] != "/" {
			t.Errorf("expected args flattened into envelope, got %v", req)
		}

		id := req["id"].(string)
		reg.HandleMessage(context.Background(), "alice", fmt.Appendf(nil, `{"id":%q,"data":{"entries":[]}}`, id))

		res := <-results
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if string(res.data) != `{"entries":[]}` {
			t.Errorf("unexpected data: %s", res.data)
		}
	})

	t.Run("rejects with remote error", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		reg.Register("alice", ch)

		errs := make(chan error, 1)
		go func() {
			_, err := reg.Dispatch(context.Background(), "alice", "fs.read", map[string]any{"path": "/missing"}, time.Second)
			errs <- err
		}()

		waitForSent(t, ch, 1)
		id := lastRequest(t, ch)["id"].(string)
		reg.HandleMessage(context.Background(), "alice", fmt.Appendf(nil, `{"id":%q,"error":"no such file"}`, id))

		err := <-errs
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("expected RemoteError, got %v", err)
		}
		if remote.Message != "no such file" {
			t.Errorf("unexpected remote message: %s", remote.Message)
		}
	})

	t.Run("fails with ErrNotConnected when no channel registered", func(t *testing.T) {
		reg := NewRegistry(slog.Default())

		_, err := reg.Dispatch(context.Background(), "nobody", "fs.list", nil, time.Second)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("fails with ErrNotReady when channel is registered but closed", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		conn := reg.Register("alice", ch)
		conn.CloseWithError(ErrConnectionLost)

		_, err := reg.Dispatch(context.Background(), "alice", "fs.list", nil, time.Second)
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("rejects non-positive timeout", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		reg.Register("alice", &fakeChannel{})

		if _, err := reg.Dispatch(context.Background(), "alice", "fs.list", nil, 0); err == nil {
			t.Error("expected error for zero timeout")
		}
		if _, err := reg.Dispatch(context.Background(), "alice", "fs.list", nil, -time.Second); err == nil {
			t.Error("expected error for negative timeout")
		}
	})

	t.Run("times out with ErrTimeout and clears the pending entry", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		conn := reg.Register("alice", ch)

		start := time.Now()
		_, err := reg.Dispatch(context.Background(), "alice", "exec.run", nil, 50*time.Millisecond)
		elapsed := time.Since(start)

		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		if elapsed < 40*time.Millisecond || elapsed > time.Second {
			t.Errorf("timeout fired at unexpected time: %v", elapsed)
		}
		if conn.PendingCount() != 0 {
			t.Errorf("pending entry leaked past its terminal outcome")
		}
	})

	t.Run("drops a response arriving after the deadline", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		reg.Register("alice", ch)

		_, err := reg.Dispatch(context.Background(), "alice", "exec.run", nil, 20*time.Millisecond)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}

		// The late response must be discarded without resurrecting the request.
		id := lastRequest(t, ch)["id"].(string)
		reg.HandleMessage(context.Background(), "alice", fmt.Appendf(nil, `{"id":%q,"data":"late"}`, id))
	})

	t.Run("duplicate responses complete exactly once", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		reg.Register("alice", ch)

		results := make(chan error, 1)
		go func() {
			_, err := reg.Dispatch(context.Background(), "alice", "fs.list", nil, time.Second)
			results <- err
		}()

		waitForSent(t, ch, 1)
		id := lastRequest(t, ch)["id"].(string)
		resp := fmt.Appendf(nil, `{"id":%q,"data":1}`, id)
		reg.HandleMessage(context.Background(), "alice", resp)
		reg.HandleMessage(context.Background(), "alice", resp)

		if err := <-results; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRegister(t *testing.T) {
	t.Run("second registration supersedes the first", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch1 := &fakeChannel{}
		reg.Register("alice", ch1)

		errs := make(chan error, 1)
		go func() {
			_, err := reg.Dispatch(context.Background(), "alice", "fs.list", nil, 5*time.Second)
			errs <- err
		}()
		waitForSent(t, ch1, 1)

		ch2 := &fakeChannel{}
		reg.Register("alice", ch2)

		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("superseded request must fail with ErrConnectionLost, got %v", err)
			}
			if errors.Is(err, ErrTimeout) {
				t.Fatal("superseded request must not fail with ErrTimeout")
			}
		case <-time.After(time.Second):
			t.Fatal("superseded request did not fail promptly")
		}

		if !ch1.isClosed() {
			t.Error("prior channel was not closed on supersede")
		}
		if !reg.IsOpen("alice") {
			t.Error("new channel should be open after supersede")
		}
	})

	t.Run("at most one live channel per user", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		reg.Register("alice", &fakeChannel{})
		reg.Register("alice", &fakeChannel{})
		reg.Register("bob", &fakeChannel{})

		if got := len(reg.List()); got != 2 {
			t.Errorf("expected 2 registered connections, got %d", got)
		}
	})
}

func TestUnregister(t *testing.T) {
	t.Run("fails in-flight requests with ErrConnectionLost before their deadline", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		reg.Register("alice", ch)

		errs := make(chan error, 1)
		go func() {
			_, err := reg.Dispatch(context.Background(), "alice", "exec.run", nil, 30*time.Second)
			errs <- err
		}()
		waitForSent(t, ch, 1)

		start := time.Now()
		reg.Unregister("alice")

		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("expected ErrConnectionLost, got %v", err)
			}
			if time.Since(start) > time.Second {
				t.Error("connection loss was not reported immediately")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("in-flight request did not fail on unregister")
		}

		if reg.IsOpen("alice") {
			t.Error("user should have no open channel after unregister")
		}
	})

	t.Run("unregistering an unknown user is a no-op", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		reg.Unregister("nobody")
	})
}

func TestDiscard(t *testing.T) {
	t.Run("stale connection does not evict its replacement", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		old := reg.Register("alice", &fakeChannel{})
		reg.Register("alice", &fakeChannel{})

		reg.Discard(old)

		if !reg.IsOpen("alice") {
			t.Error("replacement channel should survive a stale discard")
		}
	})
}

func TestHandleMessage(t *testing.T) {
	t.Run("answers ping with pong without touching the pending set", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		conn := reg.Register("alice", ch)

		reg.HandleMessage(context.Background(), "alice", []byte(`{"type":"ping"}`))

		waitForSent(t, ch, 1)
		var msg map[string]string
		if err := json.Unmarshal(ch.sentMessages()[0], &msg); err != nil {
			t.Fatalf("decoding pong: %v", err)
		}
		if msg["type"] != "pong" {
			t.Errorf("expected pong, got %v", msg)
		}
		if conn.PendingCount() != 0 {
			t.Error("keep-alive must not create pending state")
		}
	})

	t.Run("ignores messages for unregistered users", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		reg.HandleMessage(context.Background(), "nobody", []byte(`{"id":"x","data":1}`))
	})

	t.Run("ignores malformed payloads", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		reg.Register("alice", &fakeChannel{})
		reg.HandleMessage(context.Background(), "alice", []byte(`not json`))
	})
}

func TestConcurrentDispatch(t *testing.T) {
	t.Run("many in-flight requests resolve independently", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		ch := &fakeChannel{}
		reg.Register("alice", ch)

		const n = 25
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := reg.Dispatch(context.Background(), "alice", "fs.list", nil, 5*time.Second)
				errs <- err
			}()
		}

		// Echo responder: answer every outbound request as it appears.
		answered := make(map[string]bool)
		deadline := time.Now().Add(5 * time.Second)
		for len(answered) < n && time.Now().Before(deadline) {
			for _, raw := range ch.sentMessages() {
				var req map[string]any
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				id, _ := req["id"].(string)
				if id == "" || answered[id] {
					continue
				}
				answered[id] = true
				reg.HandleMessage(context.Background(), "alice", fmt.Appendf(nil, `{"id":%q,"data":true}`, id))
			}
			time.Sleep(time.Millisecond)
		}

		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("dispatch failed: %v", err)
			}
		}
	})

	t.Run("correlation ids are unique across users", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		chA, chB := &fakeChannel{}, &fakeChannel{}
		reg.Register("alice", chA)
		reg.Register("bob", chB)

		for i := 0; i < 5; i++ {
			go reg.Dispatch(context.Background(), "alice", "fs.list", nil, 100*time.Millisecond) //nolint:errcheck
			go reg.Dispatch(context.Background(), "bob", "fs.list", nil, 100*time.Millisecond)   //nolint:errcheck
		}
		waitForSent(t, chA, 5)
		waitForSent(t, chB, 5)

		seen := make(map[string]bool)
		for _, raw := range append(chA.sentMessages(), chB.sentMessages()...) {
			var req map[string]any
			if err := json.Unmarshal(raw, &req); err != nil {
				t.Fatalf("decoding request: %v", err)
			}
			id := req["id"].(string)
			if seen[id] {
				t.Errorf("duplicate correlation id: %s", id)
			}
			seen[id] = true
		}
	})
}
