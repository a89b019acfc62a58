// Package daemonclient is the companion Go SDK for the agent-bridge
// daemon's Attach WebSocket and HTTP dashboard/webhook surface. Adapted
// from the teacher's pkg/bridgeclient (dial + typed calls + reconnecting
// event stream with a pluggable CursorStore), re-pointed at WS/HTTP
// instead of gRPC.
package daemonclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a connected Attach-WebSocket session with typed RPC calls.
type Client struct {
	cfg clientConfig
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan rpcResponse
	closed  chan struct{}

	events chan json.RawMessage
}

type rpcResponse struct {
	Data  json.RawMessage
	Error string
}

type responseFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Dial connects to the Attach endpoint and performs first-message auth.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := clientConfig{
		timeout: 30 * time.Second,
		cursors: NewMemoryCursorStore(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.target == "" {
		return nil, fmt.Errorf("daemonclient: target is required (use WithTarget)")
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.target, nil)
	if err != nil {
		return nil, fmt.Errorf("daemonclient: dial: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		pending: make(map[string]chan rpcResponse),
		closed:  make(chan struct{}),
		events:  make(chan json.RawMessage, 256),
	}

	if err := c.writeJSON(map[string]string{"type": "auth", "token": cfg.token}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("daemonclient: send auth frame: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close closes the underlying WebSocket connection.
func (c *Client) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.ws.Close()
}

// Command issues a synchronous RPC over the Attach socket and waits for
// its correlated response (§4.6 RPC pass-through).
func (c *Client) Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan rpcResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := map[string]any{"id": id, "type": rpcType}
	for k, v := range params {
		frame[k] = v
	}
	if err := c.writeJSON(frame); err != nil {
		return nil, fmt.Errorf("daemonclient: write rpc: %w", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.timeout)
		defer cancel()
	}

	select {
	case <-callCtx.Done():
		return nil, callCtx.Err()
	case <-c.closed:
		return nil, ErrUnavailable
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("daemonclient: rpc %s: %s", rpcType, resp.Error)
		}
		return resp.Data, nil
	}
}

func (c *Client) readLoop() {
	defer close(c.closed)
	defer close(c.events)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.rejectAllPending(err)
			return
		}

		var frame responseFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Type != "response" || frame.ID == "" {
			select {
			case c.events <- msg:
			default:
				// Slow consumer; drop-newest rather than block the read loop
				// (mirrors the Bridge's own subscriber back-pressure policy).
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		resp := rpcResponse{Data: frame.Data}
		if !frame.Success {
			if resp.Error = frame.Error; resp.Error == "" {
				resp.Error = "rpc failed"
			}
		}
		ch <- resp
	}
}

func (c *Client) rejectAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcResponse{Error: err.Error()}
		delete(c.pending, id)
	}
}

// DashboardClient calls the HTTP dashboard/webhook surface (§4.7). It is
// independent of the Attach WebSocket connection.
type DashboardClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewDashboardClient creates an HTTP client for the daemon's /api/* routes.
func NewDashboardClient(baseURL, token string) *DashboardClient {
	return &DashboardClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *DashboardClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("daemonclient: marshal request: %w", err)
		}
		reqBody = strings.NewReader(string(data))
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("daemonclient: build request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemonclient: request: %w", err)
	}
	defer resp.Body.Close()

	if err := mapHTTPStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches GET /api/status into out.
func (d *DashboardClient) Status(ctx context.Context, out any) error {
	return d.do(ctx, http.MethodGet, "/api/status", nil, out)
}

// Webhook posts POST /api/webhook and decodes the response into out.
func (d *DashboardClient) Webhook(ctx context.Context, req map[string]any, out any) error {
	return d.do(ctx, http.MethodPost, "/api/webhook", req, out)
}
