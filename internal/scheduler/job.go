// Package scheduler loads cron job definitions from a directory, hot-reloads
// them on change, and executes their step programs against a session's
// Bridge, serialized against live traffic via a user-interaction grace
// window.
package scheduler

import (
	"fmt"
	"regexp"
)

// Step keywords recognized in a job's steps list.
const (
	StepNewSession = "new-session"
	StepCompact    = "compact"
	StepPrompt     = "prompt"
	StepReload     = "reload"
)

// Step is one entry of a job's steps list: either a bare keyword
// (new-session/compact/prompt/reload) or a {model: "..."} mapping.
type Step struct {
	Keyword string // one of the Step* constants, empty if Model is set
	Model   string // substring to match against available models
}

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// JobDefinition is one parsed *.md cron job.
type JobDefinition struct {
	Name          string
	Schedule      string
	Steps         []Step
	Notify        string // "none" or a room identifier; empty inherits
	Enabled       bool
	GracePeriodMs *int // nil inherits the scheduler's default grace period
	Session       string
	Body          string
}

// jobFrontMatter is the raw YAML shape of a job file's front matter.
type jobFrontMatter struct {
	Schedule      string `yaml:"schedule"`
	Steps         []any  `yaml:"steps"`
	Notify        any    `yaml:"notify"`
	Enabled       *bool  `yaml:"enabled"`
	GracePeriodMs *int   `yaml:"gracePeriodMs"`
	Session       string `yaml:"session"`
}

// validate checks the invariants that don't depend on the filesystem path
// the job was loaded from.
func (j *JobDefinition) validate() error {
	if j.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", j.Name)
	}
	if len(j.Steps) == 0 {
		return fmt.Errorf("job %q: steps must be non-empty", j.Name)
	}
	for _, s := range j.Steps {
		if s.Keyword == "" && s.Model == "" {
			return fmt.Errorf("job %q: step has neither a keyword nor a model", j.Name)
		}
		if s.Keyword == StepPrompt && j.Body == "" {
			return fmt.Errorf("job %q: steps include prompt but body is empty", j.Name)
		}
	}
	if j.Session != "" && !sessionNamePattern.MatchString(j.Session) {
		return fmt.Errorf("job %q: session %q must match %s", j.Name, j.Session, sessionNamePattern)
	}
	return nil
}

func parseStep(raw any) (Step, error) {
	switch v := raw.(type) {
	case string:
		switch v {
		case StepNewSession, StepCompact, StepPrompt, StepReload:
			return Step{Keyword: v}, nil
		default:
			return Step{}, fmt.Errorf("unrecognized step keyword %q", v)
		}
	case map[string]any:
		model, ok := v["model"]
		if !ok || len(v) != 1 {
			return Step{}, fmt.Errorf("step mapping must have exactly one key, \"model\": %v", v)
		}
		s, ok := model.(string)
		if !ok || s == "" {
			return Step{}, fmt.Errorf("step model must be a non-empty string: %v", model)
		}
		return Step{Model: s}, nil
	default:
		return Step{}, fmt.Errorf("step must be a string or {model: \"...\"} mapping, got %T", raw)
	}
}
