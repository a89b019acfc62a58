package redact

import (
	"fmt"
	"io"
	"regexp"
)

const replacement = "[REDACTED]"

// Redactor applies configured regex patterns to redact sensitive content.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles redact patterns and returns a redactor.
func New(patterns []string) (*Redactor, error) {
	r := &Redactor{
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", pattern, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact returns text with all configured patterns replaced.
func (r *Redactor) Redact(text string) string {
	if r == nil || len(r.patterns) == 0 || text == "" {
		return text
	}
	redacted := text
	for _, re := range r.patterns {
		redacted = re.ReplaceAllString(redacted, replacement)
	}
	return redacted
}

// Writer wraps an io.Writer, redacting each write through r before passing
// it on. Intended to sit under the daemon's structured-log handler so
// configured patterns (API keys, tokens in error strings) never reach the
// log sink, even when a caller logs a raw error string instead of a
// structured field.
type Writer struct {
	next io.Writer
	r    *Redactor
}

// NewWriter wraps next with r. A nil Redactor makes Writer a passthrough.
func NewWriter(next io.Writer, r *Redactor) *Writer {
	return &Writer{next: next, r: r}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.r == nil || len(w.r.patterns) == 0 {
		return w.next.Write(p)
	}
	redacted := w.r.Redact(string(p))
	if _, err := w.next.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
