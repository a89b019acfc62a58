package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/markcallen/agentbridged/internal/bridge"
)

func TestParseActiveHours(t *testing.T) {
	a, err := ParseActiveHours("08:00-23:30")
	if err != nil {
		t.Fatalf("ParseActiveHours: %v", err)
	}
	if a.Start != 8*time.Hour || a.End != 23*time.Hour+30*time.Minute {
		t.Errorf("parsed = %+v", a)
	}
}

func TestParseActiveHoursInvalid(t *testing.T) {
	for _, s := range []string{"bad", "08:00", "08:00-", "08-23:00"} {
		if _, err := ParseActiveHours(s); err == nil {
			t.Errorf("ParseActiveHours(%q) expected error", s)
		}
	}
}

func TestActiveHoursContainsInclusiveEndpoints(t *testing.T) {
	a := ActiveHours{Start: 8 * time.Hour, End: 23 * time.Hour}

	at := func(h, m int) time.Time {
		return time.Date(2026, 7, 31, h, m, 0, 0, time.Local)
	}
	if !a.Contains(at(8, 0)) {
		t.Error("expected start boundary to be inclusive")
	}
	if !a.Contains(at(23, 0)) {
		t.Error("expected end boundary to be inclusive")
	}
	if a.Contains(at(7, 59)) {
		t.Error("expected just-before-start to be excluded")
	}
	if a.Contains(at(23, 1)) {
		t.Error("expected just-after-end to be excluded")
	}
	if !a.Contains(at(12, 0)) {
		t.Error("expected midday to be contained")
	}
}

func TestHeartbeatTickOutsideActiveHoursSkips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checklist.md")
	if err := os.WriteFile(path, []byte("check the thing"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A window that can never contain "now" forces the skip branch.
	hours := ActiveHours{Start: 0, End: 0}
	fb := &fakeBridge{}
	sessions := &fakeSessions{b: fb}
	h := NewHeartbeat(HeartbeatConfig{
		Interval:      time.Hour,
		ActiveHours:   &hours,
		ChecklistPath: path,
		Session:       "main",
	}, sessions, func(string) Listener { return nil }, nil)

	h.tick(context.Background())

	if len(fb.sentText) != 0 {
		t.Errorf("expected tick outside active hours to be skipped, sentText=%v", fb.sentText)
	}
}

func TestHeartbeatTickSendsAndNotifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checklist.md")
	if err := os.WriteFile(path, []byte("check the thing"), 0o644); err != nil {
		t.Fatal(err)
	}

	fb := &fakeBridge{}
	fb.onSend = func(ctx context.Context, text string, cb bridge.Callbacks) (string, error) {
		return "3 items done", nil
	}
	sessions := &fakeSessions{b: fb}
	l := &fakeListener{name: "matrix"}

	cfg := HeartbeatConfig{
		Interval:      time.Hour,
		ChecklistPath: path,
		Session:       "main",
	}
	cfg.NotifyRoom.Platform = "matrix"
	cfg.NotifyRoom.Channel = "#ops"

	h := NewHeartbeat(cfg, sessions, func(p string) Listener {
		if p == "matrix" {
			return l
		}
		return nil
	}, nil)

	h.tick(context.Background())

	if len(fb.sentText) != 1 || fb.sentText[0] != "check the thing" {
		t.Errorf("sentText = %v", fb.sentText)
	}
	if len(l.received) != 1 || l.received[0] != "3 items done" {
		t.Errorf("received = %v", l.received)
	}
}

func TestHeartbeatTickEmptyResponseDoesNotNotify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checklist.md")
	if err := os.WriteFile(path, []byte("check the thing"), 0o644); err != nil {
		t.Fatal(err)
	}

	fb := &fakeBridge{}
	fb.onSend = func(ctx context.Context, text string, cb bridge.Callbacks) (string, error) {
		return "", nil
	}
	sessions := &fakeSessions{b: fb}
	l := &fakeListener{name: "matrix"}

	cfg := HeartbeatConfig{Interval: time.Hour, ChecklistPath: path, Session: "main"}
	cfg.NotifyRoom.Platform = "matrix"
	h := NewHeartbeat(cfg, sessions, func(string) Listener { return l }, nil)

	h.tick(context.Background())

	if len(l.received) != 0 {
		t.Errorf("received = %v, want none for an empty response", l.received)
	}
}

func TestHeartbeatTickMissingChecklistSkips(t *testing.T) {
	fb := &fakeBridge{}
	sessions := &fakeSessions{b: fb}
	cfg := HeartbeatConfig{Interval: time.Hour, ChecklistPath: "/nonexistent/checklist.md", Session: "main"}
	h := NewHeartbeat(cfg, sessions, func(string) Listener { return nil }, nil)

	h.tick(context.Background())

	if len(fb.sentText) != 0 {
		t.Errorf("expected missing checklist file to skip the tick, sentText=%v", fb.sentText)
	}
}

func TestHeartbeatStartStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checklist.md")
	if err := os.WriteFile(path, []byte("check the thing"), 0o644); err != nil {
		t.Fatal(err)
	}

	fb := &fakeBridge{}
	sessions := &fakeSessions{b: fb}
	h := NewHeartbeat(HeartbeatConfig{Interval: 10 * time.Millisecond, ChecklistPath: path, Session: "main"}, sessions, func(string) Listener { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	time.Sleep(35 * time.Millisecond)
	h.Stop()

	if len(fb.sentText) == 0 {
		t.Error("expected at least one tick to have fired")
	}
}

func TestHeartbeatZeroIntervalNeverTicks(t *testing.T) {
	fb := &fakeBridge{}
	sessions := &fakeSessions{b: fb}
	h := NewHeartbeat(HeartbeatConfig{Interval: 0, Session: "main"}, sessions, func(string) Listener { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	if len(fb.sentText) != 0 {
		t.Error("expected zero interval to never tick")
	}
}
