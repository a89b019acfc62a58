package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markcallen/agentbridged/internal/bridge"
)

type fakeBridge struct {
	busy       bool
	rpcs       []string
	prompts    []string
	onCommand  func(rpcType string, params map[string]any) (json.RawMessage, error)
	sendResult string
}

func (f *fakeBridge) Busy() bool { return f.busy }

func (f *fakeBridge) SendMessage(ctx context.Context, text string, cb bridge.Callbacks) (string, error) {
	f.prompts = append(f.prompts, text)
	return f.sendResult, nil
}

func (f *fakeBridge) Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error) {
	f.rpcs = append(f.rpcs, rpcType)
	if f.onCommand != nil {
		return f.onCommand(rpcType, params)
	}
	return json.RawMessage(`{}`), nil
}

type fakeSessions struct {
	b   *fakeBridge
	err error
}

func (s *fakeSessions) GetOrStart(ctx context.Context, name string) (Bridge, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.b, nil
}

func writeJob(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSchedulerRunExecutesSteps(t *testing.T) {
	job := &JobDefinition{
		Name:     "test",
		Schedule: "* * * * *",
		Steps:    []Step{{Keyword: StepNewSession}, {Keyword: StepCompact}, {Keyword: StepPrompt}},
		Body:     "do the thing",
	}
	fb := &fakeBridge{sendResult: "done"}
	var notified []string
	s := New(Config{DefaultNotify: "room1"}, &fakeSessions{b: fb}, nil, func(room, text string) error {
		notified = append(notified, room+":"+text)
		return nil
	}, nil)

	s.run(context.Background(), job)

	if len(fb.rpcs) != 2 || fb.rpcs[0] != bridge.RPCNewSession || fb.rpcs[1] != bridge.RPCCompact {
		t.Errorf("rpcs = %v", fb.rpcs)
	}
	if len(fb.prompts) != 1 || fb.prompts[0] != "[CRON:test] do the thing" {
		t.Errorf("prompts = %v", fb.prompts)
	}
	if len(notified) != 1 || notified[0] != "room1:done" {
		t.Errorf("notified = %v", notified)
	}
}

func TestSchedulerRunSkipsWhenBusy(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepCompact}}}
	fb := &fakeBridge{busy: true}
	s := New(Config{}, &fakeSessions{b: fb}, nil, nil, nil)

	s.run(context.Background(), job)

	if len(fb.rpcs) != 0 {
		t.Errorf("rpcs = %v, want none (bridge busy)", fb.rpcs)
	}
}

func TestSchedulerRunSkipsWithinGraceWindow(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepCompact}}}
	fb := &fakeBridge{}
	lastUser := time.Now()
	s := New(Config{GracePeriodMs: 60000}, &fakeSessions{b: fb}, func() time.Time { return lastUser }, nil, nil)

	s.run(context.Background(), job)

	if len(fb.rpcs) != 0 {
		t.Errorf("rpcs = %v, want none (within grace window)", fb.rpcs)
	}
}

func TestSchedulerRunProceedsOutsideGraceWindow(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepCompact}}}
	fb := &fakeBridge{}
	longAgo := time.Now().Add(-time.Hour)
	s := New(Config{GracePeriodMs: 5000}, &fakeSessions{b: fb}, func() time.Time { return longAgo }, nil, nil)

	s.run(context.Background(), job)

	if len(fb.rpcs) != 1 {
		t.Errorf("rpcs = %v, want one compact", fb.rpcs)
	}
}

func TestSchedulerRunJobLevelGraceOverridesDefault(t *testing.T) {
	zero := 0
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepCompact}}, GracePeriodMs: &zero}
	fb := &fakeBridge{}
	recent := time.Now()
	s := New(Config{GracePeriodMs: 60000}, &fakeSessions{b: fb}, func() time.Time { return recent }, nil, nil)

	s.run(context.Background(), job)

	if len(fb.rpcs) != 1 {
		t.Errorf("rpcs = %v, want one compact (job grace of 0 overrides cron default)", fb.rpcs)
	}
}

func TestSchedulerRunSkipsWhenAlreadyExecuting(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepCompact}}}
	fb := &fakeBridge{}
	s := New(Config{}, &fakeSessions{b: fb}, nil, nil, nil)

	s.mu.Lock()
	s.executing = true
	s.mu.Unlock()

	s.run(context.Background(), job)

	if len(fb.rpcs) != 0 {
		t.Errorf("rpcs = %v, want none (already executing)", fb.rpcs)
	}
}

func TestSchedulerRunModelStepMatches(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Model: "haiku"}}}
	fb := &fakeBridge{}
	fb.onCommand = func(rpcType string, params map[string]any) (json.RawMessage, error) {
		if rpcType == bridge.RPCGetAvailableModels {
			return json.Marshal([]map[string]string{{"id": "claude-haiku", "name": "Claude Haiku", "provider": "anthropic"}})
		}
		return json.RawMessage(`{}`), nil
	}
	s := New(Config{}, &fakeSessions{b: fb}, nil, nil, nil)

	s.run(context.Background(), job)

	found := false
	for _, rpc := range fb.rpcs {
		if rpc == bridge.RPCSetModel {
			found = true
		}
	}
	if !found {
		t.Errorf("rpcs = %v, want set_model", fb.rpcs)
	}
}

func TestSchedulerRunModelStepNoMatchAbortsJob(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Model: "gpt"}, {Keyword: StepCompact}}}
	fb := &fakeBridge{}
	fb.onCommand = func(rpcType string, params map[string]any) (json.RawMessage, error) {
		if rpcType == bridge.RPCGetAvailableModels {
			return json.Marshal([]map[string]string{{"id": "claude-haiku"}})
		}
		return json.RawMessage(`{}`), nil
	}
	s := New(Config{}, &fakeSessions{b: fb}, nil, nil, nil)

	s.run(context.Background(), job)

	for _, rpc := range fb.rpcs {
		if rpc == bridge.RPCCompact {
			t.Error("expected compact step to be aborted by the failed model step")
		}
	}
}

func TestSchedulerRunEmptyPromptResponseDoesNotNotify(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepPrompt}}, Body: "hi"}
	fb := &fakeBridge{sendResult: ""}
	var notified int32
	s := New(Config{DefaultNotify: "room1"}, &fakeSessions{b: fb}, nil, func(room, text string) error {
		atomic.AddInt32(&notified, 1)
		return nil
	}, nil)

	s.run(context.Background(), job)

	if atomic.LoadInt32(&notified) != 0 {
		t.Error("expected empty prompt response to not notify")
	}
}

func TestSchedulerRunJobNotifyNoneSuppresses(t *testing.T) {
	job := &JobDefinition{Name: "test", Schedule: "* * * * *", Steps: []Step{{Keyword: StepPrompt}}, Body: "hi", Notify: "none"}
	fb := &fakeBridge{sendResult: "done"}
	var notified int32
	s := New(Config{DefaultNotify: "room1"}, &fakeSessions{b: fb}, nil, func(room, text string) error {
		atomic.AddInt32(&notified, 1)
		return nil
	}, nil)

	s.run(context.Background(), job)

	if atomic.LoadInt32(&notified) != 0 {
		t.Error("expected job-level notify:none to suppress the default room")
	}
}

func TestSchedulerStartLoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "a.md", "---\nschedule: \"* * * * *\"\nsteps:\n  - compact\n---\n")

	fb := &fakeBridge{}
	s := New(Config{Dir: dir, DefaultSession: "main"}, &fakeSessions{b: fb}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.mu.Lock()
	_, ok := s.jobs["a"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected job \"a\" to be loaded")
	}

	writeJob(t, dir, "b.md", "---\nschedule: \"* * * * *\"\nsteps:\n  - compact\n---\n")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, ok := s.jobs["b"]
		s.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected new job file to be picked up by the watcher")
}

func TestSchedulerRemovedFileDropsJob(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "a.md", "---\nschedule: \"* * * * *\"\nsteps:\n  - compact\n---\n")

	fb := &fakeBridge{}
	s := New(Config{Dir: dir, DefaultSession: "main"}, &fakeSessions{b: fb}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := os.Remove(filepath.Join(dir, "a.md")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		_, ok := s.jobs["a"]
		s.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected removed job file to drop the scheduled job")
}
