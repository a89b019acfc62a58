package attach

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markcallen/agentbridged/internal/bridge"
)

type fakeBridge struct {
	events *bridge.EventBuffer
	subs   *bridge.SubscriberManager
	result json.RawMessage
	err    error
}

func (f *fakeBridge) Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error) {
	return f.result, f.err
}

func (f *fakeBridge) Events() *bridge.EventBuffer { return f.events }

func (f *fakeBridge) Subscribers() *bridge.SubscriberManager { return f.subs }

type fakeSessions struct {
	b Bridge
}

func (f *fakeSessions) GetOrStart(ctx context.Context, name string) (Bridge, error) {
	return f.b, nil
}

func newTestServer(t *testing.T, b *fakeBridge, auth Authenticator) (*Server, *httptest.Server) {
	t.Helper()
	if b.subs == nil {
		b.subs = bridge.NewSubscriberManager(b.events, bridge.DefaultSubscriberConfig())
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(&fakeSessions{b: b}, Config{Session: "main", Auth: auth}, logger)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs
}

func dial(t *testing.T, hs *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestAttachRejectsBadAuth(t *testing.T) {
	b := &fakeBridge{events: bridge.NewEventBuffer(10)}
	_, hs := newTestServer(t, b, func(token string) bool { return token == "good" })
	ws := dial(t, hs)

	if err := ws.WriteJSON(map[string]string{"type": "auth", "token": "bad"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatal("expected close after bad auth")
	}
	if !websocket.IsCloseError(err, 1008) {
		t.Fatalf("expected 1008 close, got %v", err)
	}
}

func TestAttachRPCPassthrough(t *testing.T) {
	b := &fakeBridge{
		events: bridge.NewEventBuffer(10),
		result: json.RawMessage(`{"model":{"name":"m"},"contextTokens":8000}`),
	}
	_, hs := newTestServer(t, b, func(token string) bool { return token == "good" })
	ws := dial(t, hs)

	if err := ws.WriteJSON(map[string]string{"type": "auth", "token": "good"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if err := ws.WriteJSON(map[string]string{"id": "r1", "type": "get_state"}); err != nil {
		t.Fatalf("write rpc: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp responseFrame
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.ID != "r1" || resp.Type != "response" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAttachBroadcastsEvents(t *testing.T) {
	buf := bridge.NewEventBuffer(10)
	b := &fakeBridge{events: buf}
	_, hs := newTestServer(t, b, func(token string) bool { return true })
	ws := dial(t, hs)

	if err := ws.WriteJSON(map[string]string{"type": "auth", "token": "good"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	// give the pump goroutine a moment to subscribe before we append.
	time.Sleep(50 * time.Millisecond)
	buf.Append(bridge.Event{Type: "agent_start", Raw: json.RawMessage(`{"type":"agent_start"}`)})

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if string(msg) != `{"type":"agent_start"}` {
		t.Fatalf("unexpected broadcast payload: %s", msg)
	}
}
