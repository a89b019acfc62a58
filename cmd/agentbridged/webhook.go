package main

import (
	"context"
	"fmt"

	"github.com/markcallen/agentbridged/internal/bridge"
	"github.com/markcallen/agentbridged/internal/httpapi"
	"github.com/markcallen/agentbridged/internal/session"
)

// webhookHandler implements httpapi.WebhookHandler (§4.7): it resolves the
// requested (or default) session and runs the message through it as a
// regular turn, synchronously returning the agent's text response. If the
// session's bridge is busy, the message is steered into the turn in flight
// instead and the result is reported as queued, with no response text.
type webhookHandler struct {
	sessions       *session.Manager
	defaultSession string
	notify         func(room, text string) error
}

func (h *webhookHandler) HandleWebhook(ctx context.Context, req httpapi.WebhookRequest) (httpapi.WebhookResult, error) {
	name := req.Session
	if name == "" {
		name = h.defaultSession
	}

	b, err := h.sessions.GetOrStart(ctx, name)
	if err != nil {
		return httpapi.WebhookResult{}, fmt.Errorf("%w: resolve session %q: %v", httpapi.ErrValidation, name, err)
	}

	if b.Busy() {
		if err := b.Steer(fmt.Sprintf("[webhook:%s] %s", req.Source, req.Message)); err != nil {
			return httpapi.WebhookResult{}, err
		}
		return httpapi.WebhookResult{Queued: true}, nil
	}

	text, err := b.SendMessage(ctx, fmt.Sprintf("[webhook:%s] %s", req.Source, req.Message), bridge.Callbacks{})
	if err != nil {
		return httpapi.WebhookResult{}, err
	}

	if text != "" && req.Notify != "" && req.Notify != "none" && h.notify != nil {
		_ = h.notify(req.Notify, text)
	}

	return httpapi.WebhookResult{Response: text}, nil
}
