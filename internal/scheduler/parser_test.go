package scheduler

import (
	"strings"
	"testing"
)

func TestParseJobBasic(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps:
  - new-session
  - prompt
session: standup
---
Summarize yesterday's activity.
`
	job, err := ParseJob("daily/standup.md", content)
	if err != nil {
		t.Fatalf("ParseJob: %v", err)
	}
	if job.Name != "daily/standup" {
		t.Errorf("Name = %q, want daily/standup", job.Name)
	}
	if job.Schedule != "0 9 * * *" {
		t.Errorf("Schedule = %q", job.Schedule)
	}
	if len(job.Steps) != 2 || job.Steps[0].Keyword != StepNewSession || job.Steps[1].Keyword != StepPrompt {
		t.Errorf("Steps = %+v", job.Steps)
	}
	if job.Session != "standup" {
		t.Errorf("Session = %q", job.Session)
	}
	if job.Body != "Summarize yesterday's activity." {
		t.Errorf("Body = %q", job.Body)
	}
	if !job.Enabled {
		t.Error("Enabled should default to true")
	}
}

func TestParseJobModelStep(t *testing.T) {
	content := `---
schedule: "*/15 * * * *"
steps:
  - {model: "haiku"}
  - compact
---
`
	job, err := ParseJob("switch.md", content)
	if err != nil {
		t.Fatalf("ParseJob: %v", err)
	}
	if len(job.Steps) != 2 || job.Steps[0].Model != "haiku" || job.Steps[1].Keyword != StepCompact {
		t.Errorf("Steps = %+v", job.Steps)
	}
}

func TestParseJobPromptRequiresBody(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps:
  - prompt
---
`
	if _, err := ParseJob("empty.md", content); err == nil {
		t.Error("expected error for prompt step with empty body")
	}
}

func TestParseJobInvalidSchedule(t *testing.T) {
	content := `---
schedule: "not a cron expr"
steps:
  - compact
---
`
	if _, err := ParseJob("bad.md", content); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestParseJobMissingSteps(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps: []
---
`
	if _, err := ParseJob("nosteps.md", content); err == nil {
		t.Error("expected error for empty steps")
	}
}

func TestParseJobInvalidSessionName(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps:
  - compact
session: "bad name!"
---
`
	if _, err := ParseJob("badsession.md", content); err == nil {
		t.Error("expected error for invalid session name")
	}
}

func TestParseJobNotifyFalseMeansNone(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps:
  - compact
notify: false
---
`
	job, err := ParseJob("n.md", content)
	if err != nil {
		t.Fatalf("ParseJob: %v", err)
	}
	if job.Notify != "none" {
		t.Errorf("Notify = %q, want none", job.Notify)
	}
}

func TestParseJobDisabled(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps:
  - compact
enabled: false
---
`
	job, err := ParseJob("d.md", content)
	if err != nil {
		t.Fatalf("ParseJob: %v", err)
	}
	if job.Enabled {
		t.Error("expected Enabled to be false")
	}
}

func TestParseJobGracePeriod(t *testing.T) {
	content := `---
schedule: "0 9 * * *"
steps:
  - compact
gracePeriodMs: 0
---
`
	job, err := ParseJob("g.md", content)
	if err != nil {
		t.Fatalf("ParseJob: %v", err)
	}
	if job.GracePeriodMs == nil || *job.GracePeriodMs != 0 {
		t.Errorf("GracePeriodMs = %v, want pointer to 0 (explicit override, not inherited)", job.GracePeriodMs)
	}
}

func TestParseJobNoFrontMatterFails(t *testing.T) {
	if _, err := ParseJob("plain.md", "just a body, no front matter\n"); err == nil {
		t.Error("expected error: schedule is required")
	}
}

func TestParseJobMissingClosingDelimiter(t *testing.T) {
	content := "---\nschedule: \"0 9 * * *\"\nsteps:\n  - compact\n"
	if _, err := ParseJob("unterminated.md", content); err == nil {
		t.Error("expected error for missing closing delimiter")
	} else if !strings.Contains(err.Error(), "closing") {
		t.Errorf("err = %v, want mention of closing delimiter", err)
	}
}

func TestJobNameNested(t *testing.T) {
	if got := jobName("team/daily-standup.md"); got != "team/daily-standup" {
		t.Errorf("jobName = %q", got)
	}
}
