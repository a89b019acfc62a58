package daemonclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// EventStream wraps a Client's raw event channel with automatic
// reconnection and exponential backoff, mirroring the teacher's
// pkg/bridgeclient/events.go StreamEvents/RecvAll shape but re-pointed at a
// WebSocket reconnect instead of a gRPC stream retry.
type EventStream struct {
	opts         []Option
	subscriberID string
	logger       *slog.Logger
}

// StreamEvents opens a reconnecting event stream. subscriberID only labels
// the stream's reconnect log lines: no replay cursor is loaded from or saved
// to the Option-configured CursorStore, and each connection authenticates
// without a subscriber_id or after_seq.
func StreamEvents(subscriberID string, opts ...Option) *EventStream {
	return &EventStream{opts: opts, subscriberID: subscriberID, logger: slog.Default()}
}

// RecvAll connects (and reconnects, with exponential backoff) until ctx is
// cancelled, invoking callback for every broadcast event received.
func (es *EventStream) RecvAll(ctx context.Context, callback func(json.RawMessage) error) error {
	backoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		err := es.recvOnce(ctx, callback)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		es.logger.Warn("daemonclient: event stream disconnected, reconnecting",
			"subscriber_id", es.subscriberID, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (es *EventStream) recvOnce(ctx context.Context, callback func(json.RawMessage) error) error {
	c, err := Dial(ctx, es.opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				return ErrUnavailable
			}
			if err := callback(ev); err != nil {
				return err
			}
		}
	}
}
