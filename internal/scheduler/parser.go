package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// splitFrontMatter separates a "---\nyaml\n---\nbody" document into its YAML
// header and body. A document with no front matter delimiters is treated as
// body-only with empty front matter.
func splitFrontMatter(content string) (yamlHeader, body string, err error) {
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, frontMatterDelim) {
		return "", content, nil
	}
	rest := trimmed[len(frontMatterDelim):]
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n"+frontMatterDelim)
	if idx < 0 {
		return "", "", fmt.Errorf("front matter: missing closing %q delimiter", frontMatterDelim)
	}
	yamlHeader = rest[:idx]
	after := rest[idx+len("\n"+frontMatterDelim):]
	after = strings.TrimPrefix(after, "\n")
	return yamlHeader, after, nil
}

// jobName derives a job's name from its path relative to the cron
// directory: ".md" is stripped and path separators are normalized to "/".
// With no nesting, the name is simply the file's basename.
func jobName(relPath string) string {
	name := strings.TrimSuffix(relPath, ".md")
	return strings.ReplaceAll(name, "\\", "/")
}

// ParseJob parses one *.md cron job file's content. relPath is the file's
// path relative to the cron directory, used to derive the job's name.
func ParseJob(relPath, content string) (*JobDefinition, error) {
	header, body, err := splitFrontMatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", relPath, err)
	}

	var fm jobFrontMatter
	if strings.TrimSpace(header) != "" {
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, fmt.Errorf("%s: front matter: %w", relPath, err)
		}
	}

	if _, err := cronParser.Parse(fm.Schedule); err != nil {
		return nil, fmt.Errorf("%s: schedule %q: %w", relPath, fm.Schedule, err)
	}

	steps := make([]Step, 0, len(fm.Steps))
	for _, raw := range fm.Steps {
		s, err := parseStep(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", relPath, err)
		}
		steps = append(steps, s)
	}

	notify := ""
	switch v := fm.Notify.(type) {
	case nil:
	case bool:
		if !v {
			notify = "none"
		}
	case string:
		notify = v
	default:
		return nil, fmt.Errorf("%s: notify must be a string, false, or omitted", relPath)
	}

	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}

	job := &JobDefinition{
		Name:          jobName(relPath),
		Schedule:      fm.Schedule,
		Steps:         steps,
		Notify:        notify,
		Enabled:       enabled,
		GracePeriodMs: fm.GracePeriodMs,
		Session:       fm.Session,
		Body:          strings.TrimSpace(body),
	}
	if err := job.validate(); err != nil {
		return nil, err
	}
	return job, nil
}
