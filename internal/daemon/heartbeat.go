package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markcallen/agentbridged/internal/bridge"
)

// ActiveHours is an inclusive HH:MM-HH:MM local-time window (§8: endpoints
// are inclusive, e.g. "08:00-23:00" accepts both 08:00 and 23:00).
type ActiveHours struct {
	Start time.Duration // minutes since midnight, as a Duration
	End   time.Duration
}

// ParseActiveHours parses "HH:MM-HH:MM".
func ParseActiveHours(s string) (ActiveHours, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return ActiveHours{}, fmt.Errorf("active hours %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return ActiveHours{}, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return ActiveHours{}, err
	}
	return ActiveHours{Start: start, End: end}, nil
}

func parseClock(s string) (time.Duration, error) {
	hm := strings.SplitN(s, ":", 2)
	if len(hm) != 2 {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil {
		return 0, fmt.Errorf("clock %q: bad hour: %w", s, err)
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil {
		return 0, fmt.Errorf("clock %q: bad minute: %w", s, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Contains reports whether t's local time-of-day falls within the window,
// inclusive of both endpoints.
func (a ActiveHours) Contains(t time.Time) bool {
	mod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return mod >= a.Start && mod <= a.End
}

// HeartbeatConfig configures the periodic checklist tick.
type HeartbeatConfig struct {
	Interval      time.Duration
	ActiveHours   *ActiveHours
	ChecklistPath string
	Session       string
	NotifyRoom    struct {
		Platform string
		Channel  string
	}
}

// Heartbeat ticks at a fixed interval, gated by active hours, reading a
// checklist file and sending it to a session as a regular turn.
type Heartbeat struct {
	cfg      HeartbeatConfig
	sessions Sessions
	listener func(platform string) Listener
	log      *slog.Logger

	stopCh chan struct{}
}

// NewHeartbeat creates a Heartbeat. listenerFor resolves a platform name to
// the Listener that should receive non-empty responses.
func NewHeartbeat(cfg HeartbeatConfig, sessions Sessions, listenerFor func(string) Listener, log *slog.Logger) *Heartbeat {
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{cfg: cfg, sessions: sessions, listener: listenerFor, log: log, stopCh: make(chan struct{})}
}

// Start runs the tick loop until Stop is called.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.tick(ctx)
			}
		}
	}()
}

// Stop ends the tick loop.
func (h *Heartbeat) Stop() { close(h.stopCh) }

func (h *Heartbeat) tick(ctx context.Context) {
	now := time.Now()
	if h.cfg.ActiveHours != nil && !h.cfg.ActiveHours.Contains(now) {
		return
	}

	checklist, err := os.ReadFile(h.cfg.ChecklistPath)
	if err != nil {
		h.log.Error("heartbeat: read checklist", "path", h.cfg.ChecklistPath, "error", err)
		return
	}

	b, err := h.sessions.GetOrStart(ctx, h.cfg.Session)
	if err != nil {
		h.log.Error("heartbeat: getOrStart", "session", h.cfg.Session, "error", err)
		return
	}

	text, err := b.SendMessage(ctx, string(checklist), bridge.Callbacks{})
	if err != nil {
		h.log.Error("heartbeat: sendMessage", "session", h.cfg.Session, "error", err)
		return
	}
	if text == "" {
		return
	}

	l := h.listener(h.cfg.NotifyRoom.Platform)
	if l == nil {
		h.log.Error("heartbeat: no listener for notify_room platform", "platform", h.cfg.NotifyRoom.Platform)
		return
	}
	if err := l.Send(h.cfg.NotifyRoom.Platform, h.cfg.NotifyRoom.Channel, text); err != nil {
		h.log.Error("heartbeat: notify send failed", "error", err)
	}
}
