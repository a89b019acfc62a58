// Package session implements the named-session state machine that sits
// between the Daemon and a pool of Bridges, lazily starting, reusing, and
// idling out agent subprocesses per routed session name.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markcallen/agentbridged/internal/bridge"
)

// State is a session's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownSession is returned when a name has no configured session.
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrStartTimeout is returned when getOrStart waits on a starting session
	// past its deadline without it reaching running or a terminal state.
	ErrStartTimeout = errors.New("session: start timed out")
	// ErrGlobalLimitReached is returned by GetOrStart when starting name
	// would exceed the Manager's concurrency cap (see SetMaxConcurrent).
	ErrGlobalLimitReached = errors.New("session: global concurrency limit reached")
)

const (
	pollInterval = 50 * time.Millisecond
	pollTimeout  = 30 * time.Second
)

// Bridge is the subset of *bridge.Bridge the Manager depends on. Defined
// here (rather than importing the concrete type) so tests can substitute a
// fake without spawning a real child process.
type Bridge interface {
	Start(ctx context.Context) error
	Stop() error
	Busy() bool
	// Done returns a channel closed when the child exits, solicited or not.
	Done() <-chan struct{}

	SendMessage(ctx context.Context, text string, cb bridge.Callbacks) (string, error)
	Steer(text string) error
	Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error)
	Events() *bridge.EventBuffer
	Subscribers() *bridge.SubscriberManager
}

// Factory constructs a not-yet-started Bridge for a named session config.
type Factory func(name string) Bridge

// Config is one named session's static configuration.
type Config struct {
	Name              string
	IdleTimeoutMinutes int
}

type entry struct {
	cfg Config

	mu      sync.Mutex
	state   State
	bridge  Bridge
	readyCh chan struct{} // closed when state leaves starting
	timer   *time.Timer
}

// Manager owns the named-session map and its state machine.
type Manager struct {
	factory Factory
	log     *slog.Logger

	mu            sync.Mutex
	entries       map[string]*entry
	maxConcurrent int

	onExit  func(name string)
	onEvent func(name string, e any)
}

// New creates a Manager that constructs Bridges via factory for the given
// named session configs.
func New(factory Factory, configs []Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		factory: factory,
		log:     log,
		entries: make(map[string]*entry),
	}
	for _, c := range configs {
		m.entries[c.Name] = &entry{cfg: c, state: StateIdle}
	}
	return m
}

// OnExit registers a callback invoked whenever a session transitions back
// to idle after an unsolicited child exit.
func (m *Manager) OnExit(fn func(name string)) { m.onExit = fn }

// SetMaxConcurrent caps the number of sessions GetOrStart will run at once;
// 0 (the zero value) means unlimited. Adapted from the teacher's per-project
// and global session caps (internal/bridge/policy.go), collapsed to a single
// global cap since this daemon's sessions are a fixed named set rather than
// per-repo-path spawns grouped by project.
func (m *Manager) SetMaxConcurrent(n int) {
	m.mu.Lock()
	m.maxConcurrent = n
	m.mu.Unlock()
}

// runningCountLocked counts sessions currently starting or running. Caller
// must not hold any entry's mu.
func (m *Manager) runningCountLocked() int {
	count := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.state == StateRunning || e.state == StateStarting {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

// GetOrStart returns a running Bridge for name, starting it if needed.
// If the session is already starting (concurrent caller), it waits on the
// session's ready channel rather than racing a second start.
func (m *Manager) GetOrStart(ctx context.Context, name string) (Bridge, error) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}

	for {
		e.mu.Lock()
		switch e.state {
		case StateRunning:
			m.rearmIdleLocked(e)
			b := e.bridge
			e.mu.Unlock()
			return b, nil
		case StateStarting:
			ready := e.readyCh
			e.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-time.After(pollTimeout):
				return nil, fmt.Errorf("%w: %q", ErrStartTimeout, name)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			e.mu.Unlock()
			return m.startSession(ctx, e)
		}
	}
}

func (m *Manager) startSession(ctx context.Context, e *entry) (Bridge, error) {
	e.mu.Lock()
	if e.state == StateRunning {
		b := e.bridge
		e.mu.Unlock()
		return b, nil
	}
	e.mu.Unlock()

	m.mu.Lock()
	max := m.maxConcurrent
	running := 0
	if max > 0 {
		running = m.runningCountLocked()
	}
	m.mu.Unlock()
	if max > 0 && running >= max {
		return nil, fmt.Errorf("%w: %d/%d", ErrGlobalLimitReached, running, max)
	}

	e.mu.Lock()
	if e.state == StateRunning {
		b := e.bridge
		e.mu.Unlock()
		return b, nil
	}
	if e.state == StateStarting {
		// Another caller won the race to start; wait for it instead.
		e.mu.Unlock()
		return m.GetOrStart(ctx, e.cfg.Name)
	}
	e.state = StateStarting
	e.readyCh = make(chan struct{})
	e.mu.Unlock()

	b := m.factory(e.cfg.Name)

	// Bridge is set before Start returns so an exit-watcher race can't lose
	// the handle: if the child exits the instant it forks, Running is still
	// observable to a concurrent getOrStart caller who then sees it exit.
	e.mu.Lock()
	e.bridge = b
	e.mu.Unlock()

	err := b.Start(ctx)

	e.mu.Lock()
	if err != nil {
		e.state = StateIdle
		e.bridge = nil
		close(e.readyCh)
		e.mu.Unlock()
		return nil, fmt.Errorf("start session %q: %w", e.cfg.Name, err)
	}
	e.state = StateRunning
	m.rearmIdleLocked(e)
	close(e.readyCh)
	e.mu.Unlock()

	go m.watchExit(e, b)

	return b, nil
}

// watchExit flips a session back to idle and emits onExit when its Bridge
// exits without StopSession having been called first. StopSession flips the
// state to stopping before tearing the Bridge down, so by the time Done()
// fires here the state is no longer running and this is a no-op — mirroring
// "remove listeners before intentional stop" without literal listener
// removal, since this Manager has only one watcher per generation anyway.
func (m *Manager) watchExit(e *entry, b Bridge) {
	<-b.Done()

	e.mu.Lock()
	unsolicited := e.state == StateRunning && e.bridge == b
	if unsolicited {
		e.state = StateIdle
		e.bridge = nil
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	e.mu.Unlock()

	if unsolicited {
		m.log.Warn("session exited unsolicited", "session", e.cfg.Name)
		if m.onExit != nil {
			m.onExit(e.cfg.Name)
		}
	}
}

// StopSession idempotently stops a running session. No-op for idle or
// already-stopping sessions.
func (m *Manager) StopSession(name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, name)
	}

	e.mu.Lock()
	if e.state == StateIdle || e.state == StateStopping {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopping
	b := e.bridge
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()

	var err error
	if b != nil {
		err = b.Stop()
	}

	e.mu.Lock()
	e.state = StateIdle
	e.bridge = nil
	e.mu.Unlock()

	return err
}

// StopAll stops every running session concurrently, logging but not
// propagating per-session failures.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.StopSession(name); err != nil {
				m.log.Error("stop session failed", "session", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// Touch records activity on name, (re)arming its idle timer.
func (m *Manager) Touch(name string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		m.rearmIdleLocked(e)
	}
}

// rearmIdleLocked (re)starts the idle timer. Caller must hold e.mu.
func (m *Manager) rearmIdleLocked(e *entry) {
	if e.cfg.IdleTimeoutMinutes <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	d := time.Duration(e.cfg.IdleTimeoutMinutes) * time.Minute
	name := e.cfg.Name
	e.timer = time.AfterFunc(d, func() { m.onIdleExpire(name, d) })
}

func (m *Manager) onIdleExpire(name string, d time.Duration) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	b := e.bridge
	busy := b != nil && b.Busy()
	if busy {
		e.mu.Unlock()
		m.rearmAfter(e, d)
		return
	}
	e.state = StateStopping
	e.mu.Unlock()

	if b != nil {
		_ = b.Stop()
	}

	e.mu.Lock()
	e.state = StateIdle
	e.bridge = nil
	e.mu.Unlock()
}

func (m *Manager) rearmAfter(e *entry, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	name := e.cfg.Name
	e.timer = time.AfterFunc(d, func() { m.onIdleExpire(name, d) })
}

// Names returns the configured session names, in no particular order.
// Used by the dashboard's SessionNames snapshot and webhook session
// validation (§4.7).
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	return out
}

// State reports a session's current lifecycle phase.
func (m *Manager) State(name string) (State, bool) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return StateIdle, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}
