package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge daemon configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	TLS          TLSConfig                 `yaml:"tls"`
	Auth         AuthConfig                `yaml:"auth"`
	Sessions     SessionsConfig            `yaml:"sessions"`
	Input        InputConfig               `yaml:"input"`
	RateLimits   RateLimitsConfig          `yaml:"rate_limits"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Logging   LoggingConfig             `yaml:"logging"`

	// Security lists who is allowed to address the daemon from any Listener.
	Security SecurityConfig `yaml:"security"`
	// Routing resolves (platform, channel) to a named session.
	Routing RoutingConfig `yaml:"routing"`
	// Cron configures the Scheduler's job directory and defaults.
	Cron CronConfig `yaml:"cron"`
	// Attach configures the /attach WebSocket endpoint.
	Attach AttachConfig `yaml:"attach"`
	// Heartbeat configures the periodic triggered-prompt component.
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	// Listeners carries opaque per-platform front-end configuration
	// (Matrix homeserver/token, Discord bot token, etc.) that this repo
	// does not interpret itself (§1 "out of scope": platform SDKs).
	Listeners map[string]map[string]string `yaml:"listeners"`
	// Usage configures the usage ring buffer and its optional JSONL mirror.
	Usage UsageConfig `yaml:"usage"`
}

// SecurityConfig lists who may address the daemon.
type SecurityConfig struct {
	AllowedUsers []string `yaml:"allowed_users"`
}

// RouteRule is one routing-table entry (§3 "Routing table"): platform
// and/or channel predicates, both optional ("" matches any).
type RouteRule struct {
	Platform string `yaml:"platform"`
	Channel  string `yaml:"channel"`
	Session  string `yaml:"session"`
}

// RoutingConfig is the ordered routing table plus its fallback.
type RoutingConfig struct {
	Rules          []RouteRule `yaml:"rules"`
	DefaultSession string      `yaml:"default_session"`
}

// CronConfig controls the Scheduler's job directory and per-job defaults.
type CronConfig struct {
	Dir           string `yaml:"dir"`
	DefaultNotify string `yaml:"default_notify"`
	GracePeriodMs int    `yaml:"grace_period_ms"`
}

// AttachConfig controls the /attach WebSocket endpoint.
type AttachConfig struct {
	Session string `yaml:"session"`
}

// HeartbeatConfig controls the periodic triggered-prompt component (§4.4).
type HeartbeatConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Interval       string `yaml:"interval"`
	ActiveHours    string `yaml:"active_hours"`
	ChecklistPath  string `yaml:"checklist_path"`
	Session        string `yaml:"session"`
	NotifyPlatform string `yaml:"notify_platform"`
	NotifyChannel  string `yaml:"notify_channel"`
}

// UsageConfig controls the usage ring buffer and its JSONL mirror.
type UsageConfig struct {
	JSONLPath string `yaml:"jsonl_path"`
	Capacity  int    `yaml:"capacity"`
	Retention string `yaml:"retention"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type TLSConfig struct {
	CABundle string `yaml:"ca_bundle"`
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
}

type AuthConfig struct {
	JWTPublicKeys []JWTKeyConfig `yaml:"jwt_public_keys"`
	JWTAudience   string         `yaml:"jwt_audience"`
	JWTMaxTTL     string         `yaml:"jwt_max_ttl"`
	// SharedToken is the plain bearer token accepted by the Attach and
	// webhook endpoints alongside a signed JWT (§6 SIMPLE_BOT_TOKEN).
	SharedToken string `yaml:"shared_token"`
}

type JWTKeyConfig struct {
	Issuer  string `yaml:"issuer"`
	KeyPath string `yaml:"key_path"`
}

type SessionsConfig struct {
	// MaxGlobal caps the number of sessions the Manager will run
	// concurrently; GetOrStart rejects a new start past this limit.
	MaxGlobal                int    `yaml:"max_global"`
	IdleTimeout              string `yaml:"idle_timeout"`
	StopGracePeriod          string `yaml:"stop_grace_period"`
	EventBufferSize          int    `yaml:"event_buffer_size"`
	MaxSubscribersPerSession int    `yaml:"max_subscribers_per_session"`
	SubscriberTTL            string `yaml:"subscriber_ttl"`
	// DefaultProvider names the entry in Providers used to spawn a named
	// session's agent child when it has no per-session override.
	DefaultProvider string `yaml:"default_provider"`
	// Named overrides the default idle timeout and/or provider for
	// specific session names.
	Named map[string]SessionOverride `yaml:"named"`
}

// SessionOverride customizes one named session beyond the package defaults.
type SessionOverride struct {
	IdleTimeout string `yaml:"idle_timeout"`
	// Provider overrides Sessions.DefaultProvider for this session name.
	Provider string `yaml:"provider"`
}

type InputConfig struct {
	MaxSizeBytes int `yaml:"max_size_bytes"`
}

type RateLimitsConfig struct {
	GlobalRPS                  float64 `yaml:"global_rps"`
	GlobalBurst                int     `yaml:"global_burst"`
	StartSessionPerClientRPS   float64 `yaml:"start_session_per_client_rps"`
	StartSessionPerClientBurst int     `yaml:"start_session_per_client_burst"`
	SendInputPerSessionRPS     float64 `yaml:"send_input_per_session_rps"`
	SendInputPerSessionBurst   int     `yaml:"send_input_per_session_burst"`
}

type ProviderConfig struct {
	Binary         string   `yaml:"binary"`
	Args           []string `yaml:"args"`
	StartupTimeout string   `yaml:"startup_timeout"`
	RequiredEnv    []string `yaml:"required_env"`
	PTY            bool     `yaml:"pty"`
	StreamJSON     bool     `yaml:"stream_json"`
	// PromptPattern is parsed from the config file but not read anywhere:
	// the Bridge speaks only the newline-JSON protocol over stdio pipes and
	// does no prompt matching (PTY is likewise parsed and unused).
	PromptPattern string `yaml:"prompt_pattern"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseDuration is a helper that parses a duration string with a fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "0.0.0.0:9445"
	}
	if cfg.Auth.JWTAudience == "" {
		cfg.Auth.JWTAudience = "bridge"
	}
	if cfg.Auth.JWTMaxTTL == "" {
		cfg.Auth.JWTMaxTTL = "5m"
	}
	if cfg.Sessions.MaxGlobal == 0 {
		cfg.Sessions.MaxGlobal = 20
	}
	if cfg.Sessions.EventBufferSize == 0 {
		cfg.Sessions.EventBufferSize = 10000
	}
	if cfg.Sessions.StopGracePeriod == "" {
		cfg.Sessions.StopGracePeriod = "10s"
	}
	if cfg.Sessions.IdleTimeout == "" {
		cfg.Sessions.IdleTimeout = "30m"
	}
	if cfg.Sessions.MaxSubscribersPerSession == 0 {
		cfg.Sessions.MaxSubscribersPerSession = 10
	}
	if cfg.Sessions.SubscriberTTL == "" {
		cfg.Sessions.SubscriberTTL = "30m"
	}
	if cfg.Input.MaxSizeBytes == 0 {
		cfg.Input.MaxSizeBytes = 65536
	}
	if cfg.RateLimits.GlobalRPS == 0 {
		cfg.RateLimits.GlobalRPS = 50
	}
	if cfg.RateLimits.GlobalBurst == 0 {
		cfg.RateLimits.GlobalBurst = 100
	}
	if cfg.RateLimits.StartSessionPerClientRPS == 0 {
		cfg.RateLimits.StartSessionPerClientRPS = 1
	}
	if cfg.RateLimits.StartSessionPerClientBurst == 0 {
		cfg.RateLimits.StartSessionPerClientBurst = 3
	}
	if cfg.RateLimits.SendInputPerSessionRPS == 0 {
		cfg.RateLimits.SendInputPerSessionRPS = 5
	}
	if cfg.RateLimits.SendInputPerSessionBurst == 0 {
		cfg.RateLimits.SendInputPerSessionBurst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Routing.DefaultSession == "" {
		cfg.Routing.DefaultSession = "main"
	}
	if cfg.Cron.Dir == "" {
		cfg.Cron.Dir = "cron"
	}
	if cfg.Cron.GracePeriodMs == 0 {
		cfg.Cron.GracePeriodMs = 5000
	}
	if cfg.Attach.Session == "" {
		cfg.Attach.Session = cfg.Routing.DefaultSession
	}
	if cfg.Heartbeat.Session == "" {
		cfg.Heartbeat.Session = cfg.Routing.DefaultSession
	}
	if cfg.Usage.Capacity == 0 {
		cfg.Usage.Capacity = 1000
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("config: server.listen is required")
	}
	if cfg.Input.MaxSizeBytes <= 0 {
		return fmt.Errorf("config: input.max_size_bytes must be > 0")
	}
	if cfg.Sessions.MaxGlobal < 0 {
		return fmt.Errorf("config: sessions.max_global must be >= 0")
	}
	if cfg.Sessions.EventBufferSize <= 0 {
		return fmt.Errorf("config: sessions.event_buffer_size must be > 0")
	}
	if cfg.Sessions.MaxSubscribersPerSession <= 0 {
		return fmt.Errorf("config: sessions.max_subscribers_per_session must be > 0")
	}
	if cfg.RateLimits.GlobalRPS <= 0 || cfg.RateLimits.GlobalBurst <= 0 {
		return fmt.Errorf("config: rate_limits.global_rps/global_burst must be > 0")
	}
	if cfg.RateLimits.StartSessionPerClientRPS <= 0 || cfg.RateLimits.StartSessionPerClientBurst <= 0 {
		return fmt.Errorf("config: rate_limits.start_session_per_client_rps/start_session_per_client_burst must be > 0")
	}
	if cfg.RateLimits.SendInputPerSessionRPS <= 0 || cfg.RateLimits.SendInputPerSessionBurst <= 0 {
		return fmt.Errorf("config: rate_limits.send_input_per_session_rps/send_input_per_session_burst must be > 0")
	}
	if _, err := time.ParseDuration(cfg.Auth.JWTMaxTTL); err != nil {
		return fmt.Errorf("config: auth.jwt_max_ttl: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Sessions.IdleTimeout); err != nil {
		return fmt.Errorf("config: sessions.idle_timeout: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Sessions.StopGracePeriod); err != nil {
		return fmt.Errorf("config: sessions.stop_grace_period: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Sessions.SubscriberTTL); err != nil {
		return fmt.Errorf("config: sessions.subscriber_ttl: %w", err)
	}
	if cfg.Heartbeat.Enabled {
		if _, err := time.ParseDuration(cfg.Heartbeat.Interval); err != nil {
			return fmt.Errorf("config: heartbeat.interval: %w", err)
		}
		if cfg.Heartbeat.ActiveHours != "" {
			if err := validateActiveHours(cfg.Heartbeat.ActiveHours); err != nil {
				return fmt.Errorf("config: heartbeat.active_hours: %w", err)
			}
		}
	}
	if cfg.Usage.Retention != "" {
		if _, err := time.ParseDuration(cfg.Usage.Retention); err != nil {
			return fmt.Errorf("config: usage.retention: %w", err)
		}
	}
	for name, override := range cfg.Sessions.Named {
		if override.IdleTimeout != "" {
			if _, err := time.ParseDuration(override.IdleTimeout); err != nil {
				return fmt.Errorf("config: sessions.named.%s.idle_timeout: %w", name, err)
			}
		}
		if override.Provider != "" {
			if _, ok := cfg.Providers[override.Provider]; !ok {
				return fmt.Errorf("config: sessions.named.%s.provider %q is not configured in providers", name, override.Provider)
			}
		}
	}
	if cfg.Sessions.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.Sessions.DefaultProvider]; !ok {
			return fmt.Errorf("config: sessions.default_provider %q is not configured in providers", cfg.Sessions.DefaultProvider)
		}
	}
	for _, rule := range cfg.Routing.Rules {
		if rule.Session == "" {
			return fmt.Errorf("config: routing.rules[].session is required")
		}
	}
	for name, provider := range cfg.Providers {
		if provider.Binary == "" {
			return fmt.Errorf("config: providers.%s.binary is required", name)
		}
		if provider.StartupTimeout != "" {
			if _, err := time.ParseDuration(provider.StartupTimeout); err != nil {
				return fmt.Errorf("config: providers.%s.startup_timeout: %w", name, err)
			}
		}
		for i, envName := range provider.RequiredEnv {
			if strings.TrimSpace(envName) == "" {
				return fmt.Errorf("config: providers.%s.required_env[%d] must not be empty", name, i)
			}
		}
	}
	return nil
}

// validateActiveHours checks a "HH:MM-HH:MM" string without importing the
// daemon package that owns the runtime ActiveHours type (config must not
// depend on policy packages built on top of it).
func validateActiveHours(s string) error {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("want HH:MM-HH:MM, got %q", s)
	}
	for _, p := range parts {
		if _, err := time.Parse("15:04", p); err != nil {
			return fmt.Errorf("invalid clock time %q: %w", p, err)
		}
	}
	return nil
}
