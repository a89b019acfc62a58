// Package httpapi implements the HTTP surface (§4.7): bearer-authenticated
// dashboard read endpoints and the webhook ingress.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/markcallen/agentbridged/internal/ratelimit"
)

// WebhookRequest is the POST /api/webhook body.
type WebhookRequest struct {
	Message string `json:"message"`
	Notify  string `json:"notify,omitempty"`
	Source  string `json:"source,omitempty"`
	Session string `json:"session,omitempty"`
}

// WebhookResult is what a WebhookHandler returns for a request it accepted.
type WebhookResult struct {
	Response string
	Queued   bool
}

// ErrValidation marks a webhook request that failed field validation (400).
var ErrValidation = errors.New("httpapi: invalid webhook request")

// WebhookHandler processes a validated webhook request.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookResult, error)
}

const defaultWebhookRateWindow = time.Minute
const defaultWebhookRateMax = 10

// Config controls Router construction.
type Config struct {
	AuthToken string // bearer token required on every /api/* route
	Dashboard DashboardProvider
	Webhook   WebhookHandler
	// RateLimiter defaults to a 10/min-per-source limiter if nil.
	RateLimiter *ratelimit.Limiter
}

// NewRouter builds the /api/* mux.Router. Grounded on wingedpig-trellis's
// internal/api/router.go (mux + middleware chain + subrouter shape) and the
// teacher's internal/server/validate.go field-validation style, ported from
// gRPC status codes to HTTP status codes.
func NewRouter(cfg Config, log *slog.Logger) *mux.Router {
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = ratelimit.New(defaultWebhookRateMax, defaultWebhookRateWindow)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(bearerAuth(cfg.AuthToken))

	h := &handler{cfg: cfg, log: log}

	api.HandleFunc("/ping", h.ping).Methods(http.MethodGet)
	api.HandleFunc("/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/cron", h.cron).Methods(http.MethodGet)
	api.HandleFunc("/usage", h.usage).Methods(http.MethodGet)
	api.HandleFunc("/activity", h.activity).Methods(http.MethodGet)
	api.HandleFunc("/logs", h.logs).Methods(http.MethodGet)
	api.HandleFunc("/webhook", h.webhook).Methods(http.MethodPost)

	return r
}

func bearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" || got != token {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handler struct {
	cfg Config
	log *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if !h.requireDashboard(w) {
		return
	}
	d := h.cfg.Dashboard
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_ms":      d.Uptime().Milliseconds(),
		"start_time":     d.StartTime(),
		"model":          d.CurrentModel(),
		"context_tokens": d.ContextTokens(),
		"listener_count": d.ListenerCount(),
		"sessions":       d.SessionNames(),
	})
}

func (h *handler) cron(w http.ResponseWriter, r *http.Request) {
	if !h.requireDashboard(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.cfg.Dashboard.CronJobs()})
}

func (h *handler) usage(w http.ResponseWriter, r *http.Request) {
	if !h.requireDashboard(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Dashboard.UsageBuckets())
}

func (h *handler) activity(w http.ResponseWriter, r *http.Request) {
	if !h.requireDashboard(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": h.cfg.Dashboard.RecentActivity(100)})
}

func (h *handler) logs(w http.ResponseWriter, r *http.Request) {
	if !h.requireDashboard(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": h.cfg.Dashboard.RecentLogs(200)})
}

func (h *handler) requireDashboard(w http.ResponseWriter) bool {
	if h.cfg.Dashboard == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "dashboard unavailable"})
		return false
	}
	return true
}

func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Webhook == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no webhook handler configured"})
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required"})
		return
	}
	if req.Session != "" && h.cfg.Dashboard != nil {
		if !containsString(h.cfg.Dashboard.SessionNames(), req.Session) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown session: " + req.Session})
			return
		}
	}

	bucket := req.Source
	if bucket == "" {
		bucket = "webhook"
	}
	if !h.cfg.RateLimiter.Allow(bucket) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limited"})
		return
	}

	result, err := h.cfg.Webhook.HandleWebhook(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		h.log.Error("httpapi: webhook handler failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	if result.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "queued": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "response": result.Response})
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
