package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/markcallen/agentbridged/internal/bridge"
)

const (
	defaultGraceMs   = 5000
	watchDebounce    = 300 * time.Millisecond
	jobFileExtension = ".md"
)

// Bridge is the subset of session.Bridge a cron step program drives.
type Bridge interface {
	Busy() bool
	SendMessage(ctx context.Context, text string, cb bridge.Callbacks) (string, error)
	Command(ctx context.Context, rpcType string, params map[string]any) (json.RawMessage, error)
}

// Sessions resolves a session name to its Bridge, starting it if idle.
type Sessions interface {
	GetOrStart(ctx context.Context, name string) (Bridge, error)
}

// Config controls the Scheduler's directory, default session, and defaults
// applied when a job omits the corresponding front-matter field.
type Config struct {
	Dir            string
	DefaultSession string
	DefaultNotify  string // room identifier, or "" / "none" for no default
	GracePeriodMs  int    // 0 means defaultGraceMs
}

// NotifyFunc routes a cron job's non-empty prompt response to a room.
type NotifyFunc func(room, text string) error

type scheduledJob struct {
	def     *JobDefinition
	entryID cron.EntryID
}

// Scheduler loads *.md job definitions from a directory, hot-reloads them on
// change, and runs their step programs on schedule against a session Bridge.
type Scheduler struct {
	cfg      Config
	sessions Sessions
	lastUser func() time.Time
	notify   NotifyFunc
	log      *slog.Logger

	cron     *cron.Cron
	watcher  *fsnotify.Watcher
	debounce *debouncer

	mu        sync.Mutex
	jobs      map[string]*scheduledJob
	executing bool

	stopWatch chan struct{}
}

// New creates a Scheduler. lastUserInteraction may be nil, in which case the
// execution gate's grace-window check is skipped entirely.
func New(cfg Config, sessions Sessions, lastUserInteraction func() time.Time, notify NotifyFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		sessions: sessions,
		lastUser: lastUserInteraction,
		notify:   notify,
		log:      log,
		cron:     cron.New(cron.WithParser(cronParser)),
		debounce: newDebouncer(watchDebounce),
		jobs:     make(map[string]*scheduledJob),
	}
}

// Start enumerates *.md job files under cfg.Dir, schedules the enabled ones,
// and begins watching the directory for changes.
func (s *Scheduler) Start(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("scheduler: read dir %s: %w", s.cfg.Dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jobFileExtension) {
			continue
		}
		if err := s.loadAndSchedule(ctx, e.Name()); err != nil {
			s.log.Error("scheduler: load job", "file", e.Name(), "error", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scheduler: new watcher: %w", err)
	}
	if err := watcher.Add(s.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("scheduler: watch dir %s: %w", s.cfg.Dir, err)
	}
	s.watcher = watcher
	s.stopWatch = make(chan struct{})

	s.cron.Start()
	go s.watchLoop(ctx)
	return nil
}

func (s *Scheduler) watchLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopWatch:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, jobFileExtension) {
				continue
			}
			name := filepath.Base(ev.Name)
			s.debounce.Debounce(name, func() {
				s.handleFileChange(ctx, name)
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("scheduler: watcher error", "error", err)
		}
	}
}

func (s *Scheduler) handleFileChange(ctx context.Context, filename string) {
	path := filepath.Join(s.cfg.Dir, filename)
	if _, err := os.Stat(path); err != nil {
		s.removeJob(jobName(filename))
		return
	}
	if err := s.loadAndSchedule(ctx, filename); err != nil {
		s.log.Error("scheduler: reload job", "file", filename, "error", err)
	}
}

func (s *Scheduler) loadAndSchedule(ctx context.Context, filename string) error {
	path := filepath.Join(s.cfg.Dir, filename)
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	job, err := ParseJob(filename, string(content))
	if err != nil {
		return err
	}

	s.removeJob(job.Name)

	if !job.Enabled {
		s.mu.Lock()
		s.jobs[job.Name] = &scheduledJob{def: job}
		s.mu.Unlock()
		return nil
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() { s.run(ctx, job) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", job.Schedule, err)
	}

	s.mu.Lock()
	s.jobs[job.Name] = &scheduledJob{def: job, entryID: entryID}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) removeJob(name string) {
	s.mu.Lock()
	existing, ok := s.jobs[name]
	delete(s.jobs, name)
	s.mu.Unlock()
	if ok && existing.entryID != 0 {
		s.cron.Remove(existing.entryID)
	}
}

// Stop closes the watcher, stops the cron tasks, and awaits any in-flight
// execution before returning.
func (s *Scheduler) Stop() error {
	if s.stopWatch != nil {
		close(s.stopWatch)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.debounce.Stop()
	<-s.cron.Stop().Done()
	return nil
}

// run implements the execution gate and step interpreter for one firing of
// job. Errors are logged; a failed step aborts the job without affecting the
// scheduler's own readiness for the next tick.
func (s *Scheduler) run(ctx context.Context, job *JobDefinition) {
	if s.lastUser != nil {
		grace := time.Duration(defaultGraceMs) * time.Millisecond
		if s.cfg.GracePeriodMs > 0 {
			grace = time.Duration(s.cfg.GracePeriodMs) * time.Millisecond
		}
		if job.GracePeriodMs != nil {
			grace = time.Duration(*job.GracePeriodMs) * time.Millisecond
		}
		if elapsed := time.Since(s.lastUser()); elapsed < grace {
			s.log.Info("scheduler: skip, within user-interaction grace window", "job", job.Name, "elapsed", elapsed, "grace", grace)
			return
		}
	}

	sessionName := job.Session
	if sessionName == "" {
		sessionName = s.cfg.DefaultSession
	}
	b, err := s.sessions.GetOrStart(ctx, sessionName)
	if err != nil {
		s.log.Error("scheduler: resolve session", "job", job.Name, "session", sessionName, "error", err)
		return
	}
	if b.Busy() {
		s.log.Info("scheduler: skip, bridge busy", "job", job.Name)
		return
	}

	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		s.log.Info("scheduler: skip, another job executing", "job", job.Name)
		return
	}
	s.executing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.executing = false
		s.mu.Unlock()
	}()

	if err := s.runSteps(ctx, job, b); err != nil {
		s.log.Error("scheduler: job failed", "job", job.Name, "error", err)
	}
}

func (s *Scheduler) runSteps(ctx context.Context, job *JobDefinition, b Bridge) error {
	for _, step := range job.Steps {
		if step.Model != "" {
			if err := s.runModelStep(ctx, step.Model, b); err != nil {
				return err
			}
			continue
		}
		switch step.Keyword {
		case StepNewSession:
			if _, err := b.Command(ctx, bridge.RPCNewSession, nil); err != nil {
				return fmt.Errorf("new-session: %w", err)
			}
		case StepCompact:
			if _, err := b.Command(ctx, bridge.RPCCompact, nil); err != nil {
				return fmt.Errorf("compact: %w", err)
			}
		case StepPrompt:
			text, err := b.SendMessage(ctx, fmt.Sprintf("[CRON:%s] %s", job.Name, job.Body), bridge.Callbacks{})
			if err != nil {
				return fmt.Errorf("prompt: %w", err)
			}
			if text != "" {
				s.routeResponse(job, text)
			}
		case StepReload:
			if _, err := b.Command(ctx, bridge.RPCPrompt, map[string]any{"message": "/reload-runtime"}); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
		default:
			return fmt.Errorf("unrecognized step %+v", step)
		}
	}
	return nil
}

func (s *Scheduler) runModelStep(ctx context.Context, needle string, b Bridge) error {
	data, err := b.Command(ctx, bridge.RPCGetAvailableModels, nil)
	if err != nil {
		return fmt.Errorf("model: list: %w", err)
	}
	var models []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("model: unexpected list response: %w", err)
	}
	lower := strings.ToLower(needle)
	for _, m := range models {
		if strings.Contains(strings.ToLower(m.ID), lower) ||
			strings.Contains(strings.ToLower(m.Name), lower) ||
			strings.Contains(strings.ToLower(m.Provider+"/"+m.ID), lower) {
			if _, err := b.Command(ctx, bridge.RPCSetModel, map[string]any{"id": m.ID}); err != nil {
				return fmt.Errorf("model: set: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("model: no model matching %q", needle)
}

// JobStatus is a read-only snapshot of one scheduled job, for dashboard
// consumption (§6 DashboardProvider "cron jobs list").
type JobStatus struct {
	Name     string
	Schedule string
	Enabled  bool
	NextRun  time.Time
}

// Jobs returns a snapshot of every currently loaded job, oldest-loaded
// order not guaranteed (map iteration). Callers never see raw scheduler
// state.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	entries := s.cron.Entries()
	byID := make(map[cron.EntryID]time.Time, len(entries))
	for _, e := range entries {
		byID[e.ID] = e.Next
	}
	for _, sj := range s.jobs {
		st := JobStatus{
			Name:     sj.def.Name,
			Schedule: sj.def.Schedule,
			Enabled:  sj.def.Enabled,
		}
		if next, ok := byID[sj.entryID]; ok {
			st.NextRun = next
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) routeResponse(job *JobDefinition, text string) {
	room := job.Notify
	if room == "" {
		room = s.cfg.DefaultNotify
	}
	if room == "" || room == "none" || s.notify == nil {
		return
	}
	if err := s.notify(room, text); err != nil {
		s.log.Error("scheduler: notify failed", "job", job.Name, "room", room, "error", err)
	}
}
