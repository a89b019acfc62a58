// Command agentbridged is the long-running daemon that multiplexes chat
// and automation front ends onto a pool of agent-child Bridges: the
// Session Manager, Daemon policy layer, Scheduler, and Attach/HTTP
// surfaces wired together per a single YAML config file. Grounded on the
// teacher's cmd/bridge/main.go wiring order (registry/providers, policy,
// supervisor, auth, transport, signal-driven graceful shutdown), adapted
// from a single gRPC service to the WS/HTTP surface this daemon exposes.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markcallen/agentbridged/internal/attach"
	"github.com/markcallen/agentbridged/internal/auth"
	"github.com/markcallen/agentbridged/internal/bridge"
	"github.com/markcallen/agentbridged/internal/config"
	"github.com/markcallen/agentbridged/internal/daemon"
	"github.com/markcallen/agentbridged/internal/httpapi"
	"github.com/markcallen/agentbridged/internal/logbuf"
	"github.com/markcallen/agentbridged/internal/pki"
	"github.com/markcallen/agentbridged/internal/ratelimit"
	"github.com/markcallen/agentbridged/internal/redact"
	"github.com/markcallen/agentbridged/internal/scheduler"
	"github.com/markcallen/agentbridged/internal/session"
	"github.com/markcallen/agentbridged/internal/usage"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", configPath, err)
		os.Exit(1)
	}
	config.ApplySimpleBotToken(cfg)
	if err := config.ValidateProviderEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "provider env: %v\n", err)
		os.Exit(1)
	}

	redactor, err := redact.New(cfg.Logging.RedactPatterns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redact patterns: %v\n", err)
		os.Exit(1)
	}
	logBuffer := logbuf.New()
	handler := logbuf.NewHandler(
		redact.NewWriter(os.Stdout, redactor),
		&slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)},
		logBuffer,
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("config loaded", "path", configPath, "config", config.Redact(cfg))

	usageStore, err := usage.New(usage.Config{
		Capacity:  cfg.Usage.Capacity,
		JSONLPath: cfg.Usage.JSONLPath,
		Retention: config.ParseDuration(cfg.Usage.Retention, 0),
	})
	if err != nil {
		logger.Error("open usage store", "error", err)
		os.Exit(1)
	}
	defer usageStore.Close()

	sessions := newSessionManager(cfg, logger)
	sessions.SetMaxConcurrent(cfg.Sessions.MaxGlobal)

	router := newRouter(cfg)

	d := daemon.New(sessions, router, daemon.Config{AllowedUsers: cfg.Security.AllowedUsers}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(
		scheduler.Config{
			Dir:            cfg.Cron.Dir,
			DefaultSession: cfg.Routing.DefaultSession,
			DefaultNotify:  cfg.Cron.DefaultNotify,
			GracePeriodMs:  cfg.Cron.GracePeriodMs,
		},
		schedulerSessions{sessions},
		daemon.LastUserInteractionTime,
		func(room, text string) error {
			platform, channel := splitRoom(room)
			return d.Notify(platform, channel, text)
		},
		logger,
	)
	if err := sched.Start(ctx); err != nil {
		logger.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	var hb *daemon.Heartbeat
	if cfg.Heartbeat.Enabled {
		var activeHours *daemon.ActiveHours
		if cfg.Heartbeat.ActiveHours != "" {
			ah, err := daemon.ParseActiveHours(cfg.Heartbeat.ActiveHours)
			if err != nil {
				logger.Error("parse heartbeat active hours", "error", err)
				os.Exit(1)
			}
			activeHours = &ah
		}
		hbCfg := daemon.HeartbeatConfig{
			Interval:      config.ParseDuration(cfg.Heartbeat.Interval, 0),
			ActiveHours:   activeHours,
			ChecklistPath: cfg.Heartbeat.ChecklistPath,
			Session:       cfg.Heartbeat.Session,
		}
		hbCfg.NotifyRoom.Platform = cfg.Heartbeat.NotifyPlatform
		hbCfg.NotifyRoom.Channel = cfg.Heartbeat.NotifyChannel
		hb = daemon.NewHeartbeat(hbCfg, sessions, d.ListenerByName, logger)
		hb.Start(ctx)
	}

	verifier := buildJWTVerifier(cfg, logger)
	authenticator := func(token string) bool {
		if cfg.Auth.SharedToken != "" && token == cfg.Auth.SharedToken {
			return true
		}
		if verifier != nil && len(verifier.Keys) > 0 {
			if _, err := verifier.Verify(token); err == nil {
				return true
			}
		}
		return false
	}

	attachServer := attach.New(attachSessions{sessions}, attach.Config{
		Session: cfg.Attach.Session,
		Auth:    attach.Authenticator(authenticator),
	}, logger)

	dash := newDashboard(time.Now(), sessions, usageStore, logBuffer, sched, d, cfg.Attach.Session, logger)
	go dash.pollState(ctx, 30*time.Second)

	webhookLimiter := ratelimit.New(10, time.Minute)
	httpRouter := httpapi.NewRouter(httpapi.Config{
		AuthToken: cfg.Auth.SharedToken,
		Dashboard: dash,
		Webhook: &webhookHandler{
			sessions:       sessions,
			defaultSession: cfg.Routing.DefaultSession,
			notify: func(room, text string) error {
				platform, channel := splitRoom(room)
				return d.Notify(platform, channel, text)
			},
		},
		RateLimiter: webhookLimiter,
	}, logger)
	httpRouter.Handle("/attach", attachServer)

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: httpRouter,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", "addr", cfg.Server.Listen)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	cancel()
	if hb != nil {
		hb.Stop()
	}
	if err := sched.Stop(); err != nil {
		logger.Error("stop scheduler", "error", err)
	}
	attachServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
		_ = httpServer.Close()
	}

	sessions.StopAll()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// splitRoom splits a "platform:channel" room identifier, as used by
// Scheduler notify routing and webhook notify targets.
func splitRoom(room string) (platform, channel string) {
	platform, channel, _ = strings.Cut(room, ":")
	return platform, channel
}

func buildJWTVerifier(cfg *config.Config, logger *slog.Logger) *auth.JWTVerifier {
	if len(cfg.Auth.JWTPublicKeys) == 0 {
		return nil
	}
	v := &auth.JWTVerifier{
		Audience: cfg.Auth.JWTAudience,
		MaxTTL:   config.ParseDuration(cfg.Auth.JWTMaxTTL, 5*time.Minute),
		Keys:     make(map[string]ed25519.PublicKey, len(cfg.Auth.JWTPublicKeys)),
	}
	for _, kc := range cfg.Auth.JWTPublicKeys {
		pub, err := pki.LoadEd25519PublicKey(kc.KeyPath)
		if err != nil {
			logger.Error("load jwt public key", "issuer", kc.Issuer, "error", err)
			os.Exit(1)
		}
		v.Keys[kc.Issuer] = pub
		logger.Info("loaded jwt public key", "issuer", kc.Issuer)
	}
	return v
}

// newSessionManager builds the named-session pool, enumerating every
// session name reachable from routing rules, the Attach/Heartbeat/Cron
// defaults, and explicit overrides, and wiring each to the agent child
// its provider config names.
func newSessionManager(cfg *config.Config, logger *slog.Logger) *session.Manager {
	names := map[string]struct{}{cfg.Routing.DefaultSession: {}}
	for _, rule := range cfg.Routing.Rules {
		names[rule.Session] = struct{}{}
	}
	if cfg.Attach.Session != "" {
		names[cfg.Attach.Session] = struct{}{}
	}
	if cfg.Heartbeat.Enabled && cfg.Heartbeat.Session != "" {
		names[cfg.Heartbeat.Session] = struct{}{}
	}
	for name := range cfg.Sessions.Named {
		names[name] = struct{}{}
	}

	configs := make([]session.Config, 0, len(names))
	for name := range names {
		idle := config.ParseDuration(cfg.Sessions.IdleTimeout, 0)
		if override, ok := cfg.Sessions.Named[name]; ok && override.IdleTimeout != "" {
			idle = config.ParseDuration(override.IdleTimeout, idle)
		}
		configs = append(configs, session.Config{
			Name:               name,
			IdleTimeoutMinutes: int(idle.Minutes()),
		})
	}

	stopGrace := config.ParseDuration(cfg.Sessions.StopGracePeriod, 5*time.Second)
	factory := func(name string) session.Bridge {
		providerName := cfg.Sessions.DefaultProvider
		if override, ok := cfg.Sessions.Named[name]; ok && override.Provider != "" {
			providerName = override.Provider
		}
		pcfg := cfg.Providers[providerName]
		return bridge.New(bridge.Spec{
			Command:        pcfg.Binary,
			Args:           pcfg.Args,
			StartupTimeout: config.ParseDuration(pcfg.StartupTimeout, 10*time.Second),
			StopGrace:      stopGrace,
		}, bridge.DefaultPolicy())
	}

	return session.New(factory, configs, logger)
}

func newRouter(cfg *config.Config) *session.Router {
	routes := make([]session.Route, 0, len(cfg.Routing.Rules)+1)
	for _, rule := range cfg.Routing.Rules {
		routes = append(routes, session.Route{Platform: rule.Platform, Channel: rule.Channel, Session: rule.Session})
	}
	routes = append(routes, session.Route{Session: cfg.Routing.DefaultSession})
	return session.NewRouter(routes)
}

// schedulerSessions adapts *session.Manager to scheduler.Sessions: the two
// packages declare independent Bridge interfaces over the same concrete
// session.Bridge, so GetOrStart's return type must be narrowed explicitly.
type schedulerSessions struct{ m *session.Manager }

func (s schedulerSessions) GetOrStart(ctx context.Context, name string) (scheduler.Bridge, error) {
	return s.m.GetOrStart(ctx, name)
}

// attachSessions adapts *session.Manager to attach.Sessions, same reason
// as schedulerSessions.
type attachSessions struct{ m *session.Manager }

func (s attachSessions) GetOrStart(ctx context.Context, name string) (attach.Bridge, error) {
	return s.m.GetOrStart(ctx, name)
}
