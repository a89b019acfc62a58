package auth

import "log/slog"

// AuthDecision is one outcome of an authentication check at the Attach
// WebSocket endpoint or an HTTP /api/* route.
type AuthDecision struct {
	Endpoint   string // "attach" or "http"
	RemoteAddr string
	Subject    string // bearer subject or JWT sub, when known
	Allowed    bool
	Reason     string // populated when Allowed is false
}

// Audit logs one AuthDecision. Adapted from the teacher's gRPC
// Unary/StreamAuditInterceptor pair into a plain function: this repo's auth
// boundary is a bearer-token check on a WebSocket upgrade or an HTTP
// request, not a per-RPC interceptor chain, so there is no method/stream
// info to thread through.
func Audit(logger *slog.Logger, d AuthDecision) {
	if logger == nil {
		return
	}
	fields := []any{"endpoint", d.Endpoint, "remote_addr", d.RemoteAddr}
	if d.Subject != "" {
		fields = append(fields, "subject", d.Subject)
	}
	if d.Allowed {
		fields = append(fields, "result", "ok")
		logger.Info("auth audit", fields...)
		return
	}
	fields = append(fields, "result", "denied", "reason", d.Reason)
	logger.Warn("auth audit", fields...)
}
