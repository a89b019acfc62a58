// Package attach implements the authenticated WebSocket endpoint (§4.6)
// that tunnels RPC to a Bridge and broadcasts every agent event to all
// attached clients.
package attach

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markcallen/agentbridged/internal/bridge"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Bridge is the subset of session.Bridge the Attach server needs: RPC
// pass-through and the subscriber-tracked event stream to broadcast.
type Bridge interface {
	Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error)
	Subscribers() *bridge.SubscriberManager
}

// Sessions resolves the session this Attach endpoint tunnels to, starting
// it if idle.
type Sessions interface {
	GetOrStart(ctx context.Context, name string) (Bridge, error)
}

// Authenticator validates the token sent in the first client frame.
type Authenticator func(token string) bool

// Config controls Server construction.
type Config struct {
	Session string // session name to attach to
	Auth    Authenticator
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server implements the /attach WebSocket handler. Grounded on
// wingedpig-trellis's internal/api/handlers/terminal.go connection-tracking
// + ping/pong + single-writer-mutex shape.
type Server struct {
	cfg      Config
	sessions Sessions
	log      *slog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	subscriberID string
	afterSeq     uint64
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, data, deadline)
}

// New creates an Attach Server bound to sessions, using cfg.
func New(sessions Sessions, cfg Config, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		log:      log,
		conns:    make(map[*conn]struct{}),
	}
}

type authFrame struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	SubscriberID string `json:"subscriber_id"`
	AfterSeq     uint64 `json:"after_seq"`
}

type responseFrame struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}


// ServeHTTP upgrades the connection, performs first-message auth, then
// pumps RPC pass-through and broadcast concurrently until the socket
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("attach: upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if !s.authenticate(c) {
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1008, "Unauthorized"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	s.track(c)
	defer s.untrack(c)
	defer ws.Close()

	b, err := s.sessions.GetOrStart(r.Context(), s.cfg.Session)
	if err != nil {
		s.log.Error("attach: session unavailable", "session", s.cfg.Session, "error", err)
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(time.Second))
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.pump(c, b, stop)

	s.readLoop(c, b)
}

func (s *Server) authenticate(c *conn) bool {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}
	var f authFrame
	if err := json.Unmarshal(msg, &f); err != nil || f.Type != "auth" {
		return false
	}
	if f.SubscriberID == "" {
		f.SubscriberID = NewSubscriberID()
	}
	c.subscriberID = f.SubscriberID
	c.afterSeq = f.AfterSeq
	if s.cfg.Auth == nil {
		return true
	}
	return s.cfg.Auth(f.Token)
}

// readLoop handles RPC pass-through: each client frame {id,type,...params}
// is forwarded with id stripped; the handler's result comes back as
// {id,type:"response",success,data|error}.
func (s *Server) readLoop(c *conn, b Bridge) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(msg, &raw); err != nil {
			c.writeJSON(responseFrame{Success: false, Error: "invalid JSON"})
			continue
		}
		id, _ := raw["id"].(string)
		msgType, _ := raw["type"].(string)
		if msgType == "" {
			c.writeJSON(responseFrame{ID: id, Type: "response", Success: false, Error: "missing type"})
			continue
		}
		if msgType == "ack" {
			if seq, ok := raw["seq"].(float64); ok {
				b.Subscribers().Ack(c.subscriberID, uint64(seq))
			}
			continue
		}
		delete(raw, "id")
		delete(raw, "type")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		data, err := b.Command(ctx, msgType, raw)
		cancel()
		if err != nil {
			c.writeJSON(responseFrame{ID: id, Type: "response", Success: false, Error: err.Error()})
			continue
		}
		var decoded any
		if len(data) > 0 {
			if err := json.Unmarshal(data, &decoded); err != nil {
				decoded = string(data)
			}
		}
		c.writeJSON(responseFrame{ID: id, Type: "response", Success: true, Data: decoded})
	}
}

// pump replays buffered events after c.afterSeq (if the client supplied a
// subscriber_id/after_seq in its auth frame; zero value replays everything
// currently buffered), then forwards every live Bridge event verbatim, per
// §4.6 ("every Bridge event is JSON-serialized once and written to all
// authenticated sockets"). Keeps the connection alive with periodic pings
// until stop is closed. Subscribing before replaying closes the
// replay-to-live gap (see SubscriberManager.Attach).
func (s *Server) pump(c *conn, b Bridge, stop <-chan struct{}) {
	result, err := b.Subscribers().Attach(c.subscriberID, c.afterSeq)
	if err != nil {
		s.log.Warn("attach: subscribe failed", "subscriber_id", c.subscriberID, "error", err)
		return
	}
	defer b.Subscribers().Detach(c.subscriberID, result.Live)

	if result.Overflow {
		c.writeJSON(responseFrame{Type: "overflow", Success: false, Error: "replay cursor too far behind; events were dropped"})
	}
	for _, ev := range result.Replay {
		if err := c.writeRaw(ev.Raw); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-result.Live:
			if !ok {
				return
			}
			if err := c.writeRaw(ev.Raw); err != nil {
				return
			}
		}
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown closes every tracked connection with code 1001 "Server shutting
// down" (§4.6). It does not itself stop the underlying http.Server; pair
// with http.Server.Shutdown and a hard-close fallback at the call site.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"),
			time.Now().Add(time.Second))
		c.ws.Close()
	}
}

// NewSubscriberID returns an opaque id suitable as a default subscriber_id
// when a client doesn't supply one of its own (§11 DOMAIN STACK).
func NewSubscriberID() string {
	return uuid.NewString()
}
