package daemonclient

import "time"

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	target  string // e.g. "ws://127.0.0.1:9445/attach"
	token   string
	timeout time.Duration
	cursors CursorStore
}

// WithTarget sets the Attach WebSocket URL (ws:// or wss://).
func WithTarget(url string) Option {
	return func(c *clientConfig) { c.target = url }
}

// WithToken sets the bearer/shared token sent in the first-message auth
// frame (§4.6).
func WithToken(token string) Option {
	return func(c *clientConfig) { c.token = token }
}

// WithTimeout sets the default per-call timeout for synchronous RPCs.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithCursorStore sets the CursorStore held in the client configuration.
// Defaults to an in-memory store. Neither Client nor EventStream reads or
// writes cursors through it.
func WithCursorStore(s CursorStore) Option {
	return func(c *clientConfig) { c.cursors = s }
}
