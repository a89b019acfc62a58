package httpapi

import (
	"time"

	"github.com/markcallen/agentbridged/internal/logbuf"
	"github.com/markcallen/agentbridged/internal/usage"
)

// CronJobStatus is one entry in the dashboard's cron jobs snapshot.
type CronJobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// ActivityEntry is one recent-activity line for the dashboard.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Summary   string    `json:"summary"`
}

// UsageBuckets groups usage events into the dashboard's today/week view.
type UsageBuckets struct {
	Today []usage.Event `json:"today"`
	Week  []usage.Event `json:"week"`
}

// DashboardProvider is the read-only snapshot capability (§6) the HTTP
// surface renders through /api/status, /api/cron, /api/usage,
// /api/activity, and /api/logs. A daemon wiring implements this once and
// hands it to the router; nothing in this package depends on daemon types
// directly.
type DashboardProvider interface {
	Uptime() time.Duration
	StartTime() time.Time
	CurrentModel() string
	ContextTokens() int
	ListenerCount() int
	CronJobs() []CronJobStatus
	UsageBuckets() UsageBuckets
	RecentActivity(limit int) []ActivityEntry
	RecentLogs(limit int) []logbuf.Entry
	SessionNames() []string
}
