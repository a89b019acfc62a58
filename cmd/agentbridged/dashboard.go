package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/markcallen/agentbridged/internal/daemon"
	"github.com/markcallen/agentbridged/internal/httpapi"
	"github.com/markcallen/agentbridged/internal/logbuf"
	"github.com/markcallen/agentbridged/internal/scheduler"
	"github.com/markcallen/agentbridged/internal/session"
	"github.com/markcallen/agentbridged/internal/usage"
)

// dashboard implements httpapi.DashboardProvider over the daemon's actual
// running components, so /api/status and friends report live state instead
// of a canned snapshot.
type dashboard struct {
	startTime time.Time
	sessions  *session.Manager
	usage     *usage.Store
	logs      *logbuf.Buffer
	scheduler *scheduler.Scheduler
	daemon    *daemon.Daemon
	log       *slog.Logger

	// attachSession is polled periodically for get_state so CurrentModel
	// and ContextTokens reflect the session the Attach server tunnels to.
	attachSession string

	mu            sync.RWMutex
	currentModel  string
	contextTokens int
}

func newDashboard(startTime time.Time, sessions *session.Manager, store *usage.Store, logs *logbuf.Buffer, sched *scheduler.Scheduler, d *daemon.Daemon, attachSession string, log *slog.Logger) *dashboard {
	return &dashboard{
		startTime:     startTime,
		sessions:      sessions,
		usage:         store,
		logs:          logs,
		scheduler:     sched,
		daemon:        d,
		attachSession: attachSession,
		log:           log,
	}
}

// pollState periodically queries get_state on the attach session, when
// running, to keep CurrentModel/ContextTokens fresh without blocking any
// dashboard request on a live RPC round trip.
func (d *dashboard) pollState(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshState(ctx)
		}
	}
}

func (d *dashboard) refreshState(ctx context.Context) {
	state, ok := d.sessions.State(d.attachSession)
	if !ok || state != session.StateRunning {
		return
	}
	b, err := d.sessions.GetOrStart(ctx, d.attachSession)
	if err != nil {
		return
	}
	data, err := b.Command(ctx, "get_state", nil)
	if err != nil {
		return
	}
	var got struct {
		Model struct {
			Name string `json:"name"`
		} `json:"model"`
		ContextTokens int `json:"contextTokens"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		return
	}
	d.mu.Lock()
	d.currentModel = got.Model.Name
	d.contextTokens = got.ContextTokens
	d.mu.Unlock()
}

func (d *dashboard) Uptime() time.Duration { return time.Since(d.startTime) }
func (d *dashboard) StartTime() time.Time  { return d.startTime }

func (d *dashboard) CurrentModel() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentModel
}

func (d *dashboard) ContextTokens() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contextTokens
}

func (d *dashboard) ListenerCount() int { return d.daemon.ListenerCount() }

func (d *dashboard) CronJobs() []httpapi.CronJobStatus {
	jobs := d.scheduler.Jobs()
	out := make([]httpapi.CronJobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = httpapi.CronJobStatus{
			Name:     j.Name,
			Schedule: j.Schedule,
			Enabled:  j.Enabled,
			NextRun:  j.NextRun,
		}
	}
	return out
}

func (d *dashboard) UsageBuckets() httpapi.UsageBuckets {
	now := time.Now()
	today := d.usage.Since(now.Truncate(24 * time.Hour))
	week := d.usage.Since(now.Add(-7 * 24 * time.Hour))
	return httpapi.UsageBuckets{Today: today, Week: week}
}

func (d *dashboard) RecentActivity(limit int) []httpapi.ActivityEntry {
	entries := d.daemon.RecentActivity(limit)
	out := make([]httpapi.ActivityEntry, len(entries))
	for i, e := range entries {
		out[i] = httpapi.ActivityEntry{
			Timestamp: e.Timestamp,
			Platform:  e.Platform,
			Channel:   e.Channel,
			Sender:    e.Sender,
			Summary:   e.Summary,
		}
	}
	return out
}

func (d *dashboard) RecentLogs(limit int) []logbuf.Entry {
	all := d.logs.Snapshot()
	if limit <= 0 || limit >= len(all) {
		return all
	}
	return all[len(all)-limit:]
}

func (d *dashboard) SessionNames() []string { return d.sessions.Names() }
