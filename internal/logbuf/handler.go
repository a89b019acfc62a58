package logbuf

import (
	"context"
	"io"
	"log/slog"
)

// Handler wraps an underlying slog.Handler (typically a
// slog.NewJSONHandler) and mirrors every record into a Buffer, so every
// logger.Info/Warn/Error call in the daemon feeds /api/logs for free.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	groups []string
}

// NewHandler wraps w with slog.NewJSONHandler(w, opts) and mirrors records
// into buf.
func NewHandler(w io.Writer, opts *slog.HandlerOptions, buf *Buffer) *Handler {
	return &Handler{next: slog.NewJSONHandler(w, opts), buf: buf}
}

// Enabled delegates to the wrapped handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle writes the record through the wrapped handler, then appends a
// copy to the ring buffer.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	h.buf.Add(Entry{
		Timestamp: r.Time,
		Level:     levelName(r.Level),
		Message:   r.Message,
		Fields:    fields,
	})

	return h.next.Handle(ctx, r)
}

// WithAttrs returns a new Handler whose wrapped handler carries the given
// attrs; the ring buffer is shared.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf, groups: h.groups}
}

// WithGroup returns a new Handler scoped to the given group name; the ring
// buffer is shared.
func (h *Handler) WithGroup(name string) slog.Handler {
	groups := append(append([]string{}, h.groups...), name)
	return &Handler{next: h.next.WithGroup(name), buf: h.buf, groups: groups}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	default:
		return "info"
	}
}
