// Package daemon implements the chat-facing policy layer: authorization,
// size and rate limiting, slash-command dispatch, and routing inbound
// platform messages onto a session's Bridge.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/markcallen/agentbridged/internal/bridge"
	"github.com/markcallen/agentbridged/internal/ratelimit"
	"github.com/markcallen/agentbridged/internal/session"
)

// MaxMessageBytes is the inbound text size cap (§4.4 step 2). Messages at
// exactly this length are accepted; anything longer is dropped.
const MaxMessageBytes = 4000

// rateLimitWindow and rateLimitMax implement the 60s/10-message sliding
// window from §4.4 step 3 and §8 invariant 6.
const (
	rateLimitMax    = 10
	rateLimitWindow = 60 * time.Second
)

// IncomingMessage is one inbound chat message from a Listener.
type IncomingMessage struct {
	Platform string
	Channel  string
	Sender   string
	Text     string
}

// Listener is the neutral chat-platform capability the Daemon sends
// responses through. Connection management (connect/disconnect/onMessage)
// lives outside the Daemon; it only ever calls Send/SendTyping.
type Listener interface {
	Name() string
	Send(platform, channel, text string) error
}

// TypingListener is an optional Listener capability.
type TypingListener interface {
	SendTyping(platform, channel string) error
}

// SessionBridge is the subset of session.Bridge the Daemon drives.
type SessionBridge = session.Bridge

// Sessions is the subset of *session.Manager the Daemon depends on.
type Sessions interface {
	GetOrStart(ctx context.Context, name string) (SessionBridge, error)
	Touch(name string)
}

// Config controls the Daemon's policy knobs.
type Config struct {
	AllowedUsers []string
}

// Daemon routes authorized, rate-limited chat traffic to named sessions.
type Daemon struct {
	sessions Sessions
	router   *session.Router
	allowed  map[string]bool
	limiter  *ratelimit.Limiter
	log      *slog.Logger
	activity *activityLog

	mu        sync.RWMutex
	listeners map[string]Listener
}

// New creates a Daemon wired to sessions through router, restricted to the
// senders in cfg.AllowedUsers.
func New(sessions Sessions, router *session.Router, cfg Config, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		allowed[u] = true
	}
	return &Daemon{
		sessions:  sessions,
		router:    router,
		allowed:   allowed,
		limiter:   ratelimit.New(rateLimitMax, rateLimitWindow),
		log:       log,
		activity:  newActivityLog(),
		listeners: make(map[string]Listener),
	}
}

// RegisterListener makes a platform's Listener available for outbound sends.
func (d *Daemon) RegisterListener(l Listener) {
	d.mu.Lock()
	d.listeners[l.Name()] = l
	d.mu.Unlock()
}

func (d *Daemon) listenerFor(platform string) Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners[platform]
}

// ListenerByName exposes listenerFor for callers outside this package
// (the Heartbeat's notify-room resolution) without exposing the map.
func (d *Daemon) ListenerByName(platform string) Listener {
	return d.listenerFor(platform)
}

// ListenerCount reports how many platform Listeners are registered, for
// the dashboard's ListenerCount snapshot (§6 DashboardProvider).
func (d *Daemon) ListenerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Notify sends text to (platform, channel) through the registered
// Listener for platform. Used by the Scheduler's and webhook's notify
// callbacks to reach a room by the same path user-facing replies take.
func (d *Daemon) Notify(platform, channel, text string) error {
	l := d.listenerFor(platform)
	if l == nil {
		return fmt.Errorf("no listener registered for platform %q", platform)
	}
	return l.Send(platform, channel, text)
}

// lastInteraction is read by the Scheduler's execution gate (§4.5 step 1)
// via a read-only callback, breaking the Daemon<->Scheduler reference cycle
// the design notes call out.
var lastInteraction struct {
	mu sync.RWMutex
	t  time.Time
}

// LastUserInteractionTime returns the time of the most recently accepted
// inbound message across all senders and sessions.
func LastUserInteractionTime() time.Time {
	lastInteraction.mu.RLock()
	defer lastInteraction.mu.RUnlock()
	return lastInteraction.t
}

func recordInteraction() {
	lastInteraction.mu.Lock()
	lastInteraction.t = time.Now()
	lastInteraction.mu.Unlock()
}

// Handle runs the full inbound policy pipeline for msg: authorization, size
// cap, rate limit, slash dispatch, routing, and steer-vs-send.
func (d *Daemon) Handle(ctx context.Context, msg IncomingMessage) {
	if !d.allowed[msg.Sender] {
		d.log.Warn("message rejected: unauthorized sender", "sender", msg.Sender, "platform", msg.Platform)
		return
	}
	if len(msg.Text) > MaxMessageBytes {
		d.log.Warn("message rejected: too large", "sender", msg.Sender, "bytes", len(msg.Text))
		return
	}
	if !d.limiter.Allow(msg.Sender) {
		d.log.Warn("message rejected: rate limited", "sender", msg.Sender)
		return
	}

	recordInteraction()
	d.activity.add(ActivityEntry{
		Timestamp: time.Now(),
		Platform:  msg.Platform,
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		Summary:   summarizeText(msg.Text),
	})

	reply := func(text string) {
		if text == "" {
			return
		}
		l := d.listenerFor(msg.Platform)
		if l == nil {
			d.log.Error("no listener registered for platform", "platform", msg.Platform)
			return
		}
		if err := l.Send(msg.Platform, msg.Channel, text); err != nil {
			d.log.Error("listener send failed", "platform", msg.Platform, "error", err)
		}
	}

	if cmd, rest, ok := parseSlashCommand(msg.Text); ok {
		name, b, err := d.resolveBridge(ctx, msg.Platform, msg.Channel)
		if err != nil {
			d.log.Error("route resolution failed for slash command", "error", err)
			return
		}
		d.sessions.Touch(name)
		handleSlashCommand(ctx, cmd, rest, b, reply)
		return
	}

	name, b, err := d.resolveBridge(ctx, msg.Platform, msg.Channel)
	if err != nil {
		d.log.Error("route resolution failed", "error", err)
		return
	}
	d.sessions.Touch(name)

	formatted := fmt.Sprintf("[%s %s] %s: %s", msg.Platform, msg.Channel, msg.Sender, msg.Text)

	if b.Busy() {
		if err := b.Steer(formatted); err != nil {
			d.log.Error("steer failed", "error", err)
		}
		return
	}

	// OnText is deliberately not wired to reply: the listener gets one
	// message per tool notice plus one final message with the fully
	// accumulated text, not a message per delta.
	cb := bridge.Callbacks{
		OnToolStart: func(info bridge.ToolStartInfo) {
			reply(toolSummary(info.ToolName, info.Args))
		},
	}
	text, err := b.SendMessage(ctx, formatted, cb)
	if err != nil {
		d.log.Error("sendMessage failed", "error", err)
		return
	}
	reply(text)
}

func (d *Daemon) resolveBridge(ctx context.Context, platform, channel string) (string, SessionBridge, error) {
	name, ok := d.router.Resolve(platform, channel)
	if !ok {
		return "", nil, fmt.Errorf("no route for platform=%q channel=%q", platform, channel)
	}
	b, err := d.sessions.GetOrStart(ctx, name)
	if err != nil {
		return "", nil, err
	}
	return name, b, nil
}

var slashCommands = map[string]bool{
	"abort":    true,
	"compress": true,
	"new":      true,
	"model":    true,
	"reload":   true,
}

// parseSlashCommand reports whether text is a recognized slash command,
// returning its lowercased name and the remaining argument text. Unknown
// commands fall through as normal messages (§8 boundary behaviors).
func parseSlashCommand(text string) (cmd, rest string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	body := strings.TrimPrefix(text, "/")
	fields := strings.SplitN(body, " ", 2)
	cmd = strings.ToLower(fields[0])
	if !slashCommands[cmd] {
		return "", "", false
	}
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}
	return cmd, rest, true
}
