package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Spec configures the child process a Bridge supervises.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// StartupTimeout bounds how long Start waits for the process to fork
	// before giving up and killing it.
	StartupTimeout time.Duration
	// StopGrace bounds how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

func (s Spec) withDefaults() Spec {
	if s.StartupTimeout == 0 {
		s.StartupTimeout = 10 * time.Second
	}
	if s.StopGrace == 0 {
		s.StopGrace = 5 * time.Second
	}
	return s
}

// Callbacks are optional per-call hooks a caller can opt into for a single
// sendMessage turn.
type Callbacks struct {
	OnToolStart func(ToolStartInfo)
	OnText      func(delta string)
}

type textWaiter struct {
	resultCh chan textResult
	cb       Callbacks
}

type textResult struct {
	text string
	err  error
}

type pendingRPC struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	data    []byte
	success bool
	errMsg  string
}

// Bridge supervises one child process speaking the newline-delimited JSON
// RPC protocol on stdin/stdout, and fans out every decoded line on a
// subscribable event buffer. One Bridge per running session.
type Bridge struct {
	spec   Spec
	policy Policy

	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	events *EventBuffer
	subs   *SubscriberManager

	mu          sync.Mutex
	started     bool
	exited      bool
	exitErr     error
	pending     map[string]*pendingRPC
	waiters     []*textWaiter
	accumulator strings.Builder
	waitDone    chan struct{}
	streamWG    sync.WaitGroup
}

// New creates an unstarted Bridge for the given spec.
func New(spec Spec, policy Policy) *Bridge {
	events := NewEventBuffer(1000)
	return &Bridge{
		spec:    spec.withDefaults(),
		policy:  policy,
		events:  events,
		subs:    NewSubscriberManager(events, DefaultSubscriberConfig()),
		pending: make(map[string]*pendingRPC),
	}
}

// Events returns the Bridge's event buffer for subscription/replay.
func (b *Bridge) Events() *EventBuffer { return b.events }

// Subscribers returns the Bridge's per-subscriber cursor tracker, used by
// the Attach server to support resume-after-seq replay and overflow
// detection across reconnects (§4.6).
func (b *Bridge) Subscribers() *SubscriberManager { return b.subs }

// Done returns a channel closed once the child has exited (whether via Stop
// or unsolicited) and all pending RPC/text work has been rejected.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitDone
}

// Err returns the reason the child exited. Only meaningful after Done() is
// closed.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

// Start spawns the configured command with stdio pipes, in its own process
// group so signals sent by the agent's own process tree don't reach us.
// Idempotent after exit: starting an exited or already-started Bridge fails.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("%w: start", ErrAlreadyDone)
	}
	b.started = true
	b.mu.Unlock()

	cmd := exec.CommandContext(ctx, b.spec.Command, b.spec.Args...)
	cmd.Dir = b.spec.Dir
	cmd.Env = filterEnv(os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	startErr := make(chan error, 1)
	go func() { startErr <- cmd.Start() }()

	select {
	case err := <-startErr:
		if err != nil {
			return fmt.Errorf("start %s: %w", b.spec.Command, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.spec.StartupTimeout):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return fmt.Errorf("startup timeout after %s", b.spec.StartupTimeout)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.pid = cmd.Process.Pid
	b.waitDone = make(chan struct{})
	b.mu.Unlock()

	b.streamWG.Add(2)
	go b.readStream(stdout)
	go b.drainStderr(stderr)
	go b.waitForExit()

	return nil
}

// busyLocked reports whether the text-waiter queue is non-empty. Caller
// must hold b.mu.
func (b *Bridge) busyLocked() bool { return len(b.waiters) > 0 }

// Busy reports whether a turn is in flight.
func (b *Bridge) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busyLocked()
}

// SendMessage enqueues a turn and blocks until exactly one text response has
// been accumulated for it, in enqueue order. Callbacks, if provided, fire
// for intermediate tool-start notices and partial assistant text deltas.
func (b *Bridge) SendMessage(ctx context.Context, text string, cb Callbacks) (string, error) {
	b.mu.Lock()
	if b.exited {
		err := b.exitErr
		b.mu.Unlock()
		if err == nil {
			err = ErrChildExited
		}
		return "", err
	}
	if err := b.policy.CheckQueueDepth(len(b.waiters)); err != nil {
		b.mu.Unlock()
		return "", err
	}
	w := &textWaiter{resultCh: make(chan textResult, 1), cb: cb}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	if err := b.writeLine(outboundRPC{Type: RPCFollowUp, Params: map[string]any{"message": text}}); err != nil {
		b.failWaiter(w, fmt.Errorf("%w: %v", ErrWriteFailed, err))
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	select {
	case res := <-w.resultCh:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Steer delivers text into the turn already in flight without enqueuing a
// new waiter: same wire verb SendMessage uses (follow_up), just without a
// result to wait on. Fire-and-forget from the caller's perspective. This is
// distinct from RPCAbort, which cancels the in-flight turn outright.
func (b *Bridge) Steer(text string) error {
	b.mu.Lock()
	exited := b.exited
	b.mu.Unlock()
	if exited {
		return ErrChildExited
	}
	if err := b.writeLine(outboundRPC{Type: RPCFollowUp, Params: map[string]any{"message": text}}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Command issues a synchronous one-shot RPC and waits for its {type:
// response} reply. id is a freshly generated UUID.
func (b *Bridge) Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error) {
	b.mu.Lock()
	if b.exited {
		err := b.exitErr
		b.mu.Unlock()
		if err == nil {
			err = ErrChildExited
		}
		return nil, err
	}
	id := uuid.NewString()
	p := &pendingRPC{resultCh: make(chan rpcResult, 1)}
	b.pending[id] = p
	b.mu.Unlock()

	if err := b.writeLine(outboundRPC{ID: id, Type: rpcType, Params: params}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	select {
	case res := <-p.resultCh:
		if !res.success {
			msg := res.errMsg
			if msg == "" {
				msg = "unspecified error"
			}
			return nil, fmt.Errorf("%w: %s", ErrRpcFailed, msg)
		}
		return res.data, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Stop sends SIGTERM to the child's process group, escalating to SIGKILL
// after the configured grace period, and rejects all outstanding work with
// ErrStopped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.exited {
		waitDone := b.waitDone
		b.mu.Unlock()
		if waitDone != nil {
			<-waitDone
		}
		return nil
	}
	pending := b.pending
	b.pending = make(map[string]*pendingRPC)
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- rpcResult{success: false, errMsg: ErrStopped.Error()}
	}
	for _, w := range waiters {
		w.resultCh <- textResult{err: ErrStopped}
	}

	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.pid > 0 {
		_ = syscall.Kill(-b.pid, syscall.SIGTERM)
	}

	select {
	case <-b.waitDone:
	case <-time.After(b.spec.StopGrace):
		if b.pid > 0 {
			_ = syscall.Kill(-b.pid, syscall.SIGKILL)
		}
		<-b.waitDone
	}
	return nil
}

func (b *Bridge) writeLine(rpc outboundRPC) error {
	data, err := json.Marshal(rpc)
	if err != nil {
		return err
	}
	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("not started")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func (b *Bridge) readStream(r io.Reader) {
	defer b.streamWG.Done()
	var f Framer
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, fl := range f.Feed(buf[:n]) {
				b.handleLine(fl)
			}
		}
		if err != nil {
			for _, fl := range f.Flush() {
				b.handleLine(fl)
			}
			return
		}
	}
}

func (b *Bridge) drainStderr(r io.Reader) {
	defer b.streamWG.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		// Stderr lines are not part of the RPC protocol; surfacing them as
		// generic events lets the Daemon's observability path see crashes.
		b.events.Append(Event{Timestamp: time.Now(), Type: "stderr", Raw: append([]byte(nil), sc.Bytes()...)})
	}
}

func (b *Bridge) handleLine(fl FramedLine) {
	b.events.Append(Event{Timestamp: time.Now(), Type: fl.Env.Type, Raw: fl.Raw})

	switch fl.Env.Type {
	case inResponse:
		b.mu.Lock()
		p, ok := b.pending[fl.Env.ID]
		if ok {
			delete(b.pending, fl.Env.ID)
		}
		b.mu.Unlock()
		if !ok {
			return
		}
		success := fl.Env.Success == nil || *fl.Env.Success
		p.resultCh <- rpcResult{data: fl.Env.Data, success: success, errMsg: fl.Env.Error}

	case inMessageUpdate:
		if fl.Env.AssistantMessageEvent == nil || fl.Env.AssistantMessageEvent.Type != "text_delta" {
			return
		}
		delta := fl.Env.AssistantMessageEvent.Delta
		b.mu.Lock()
		b.accumulator.WriteString(delta)
		var cb func(string)
		if len(b.waiters) > 0 && b.waiters[0].cb.OnText != nil {
			cb = b.waiters[0].cb.OnText
		}
		b.mu.Unlock()
		if cb != nil {
			cb(delta)
		}

	case inToolExecutionStart:
		info := ToolStartInfo{ToolName: fl.Env.ToolName}
		if len(fl.Env.Args) > 0 {
			_ = json.Unmarshal(fl.Env.Args, &info.Args)
		}
		b.mu.Lock()
		var cb func(ToolStartInfo)
		if len(b.waiters) > 0 && b.waiters[0].cb.OnToolStart != nil {
			cb = b.waiters[0].cb.OnToolStart
		}
		b.mu.Unlock()
		if cb != nil {
			cb(info)
		}

	case inAgentEnd:
		b.mu.Lock()
		if len(b.waiters) == 0 {
			b.accumulator.Reset()
			b.mu.Unlock()
			return
		}
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		text := strings.TrimSpace(b.accumulator.String())
		b.accumulator.Reset()
		b.mu.Unlock()
		w.resultCh <- textResult{text: text}
	}
}

func (b *Bridge) failWaiter(w *textWaiter, err error) {
	b.mu.Lock()
	for i, cur := range b.waiters {
		if cur == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	w.resultCh <- textResult{err: err}
}

func (b *Bridge) waitForExit() {
	b.streamWG.Wait()
	err := b.cmd.Wait()

	b.mu.Lock()
	b.exited = true
	if err != nil {
		b.exitErr = fmt.Errorf("%w: %v", ErrChildExited, err)
	} else {
		b.exitErr = ErrChildExited
	}
	pending := b.pending
	b.pending = make(map[string]*pendingRPC)
	waiters := b.waiters
	b.waiters = nil
	exitErr := b.exitErr
	waitDone := b.waitDone
	b.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- rpcResult{success: false, errMsg: exitErr.Error()}
	}
	for _, w := range waiters {
		w.resultCh <- textResult{err: exitErr}
	}

	close(waitDone)
}

// filterEnv returns a filtered environment excluding sensitive variables and
// variables that interfere with subprocess behaviour.
func filterEnv(env []string) []string {
	blocked := map[string]bool{
		"AWS_SECRET_ACCESS_KEY": true,
		"AWS_SESSION_TOKEN":     true,
		"SLACK_BOT_TOKEN":       true,
		"SLACK_SIGNING_SECRET":  true,
		"DISCORD_TOKEN":         true,
	}
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		key, _, ok := strings.Cut(e, "=")
		if ok && blocked[key] {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
