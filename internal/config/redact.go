package config

const redactedValue = "***"

// Redact returns a copy of cfg with sensitive fields masked to "***",
// pointwise equal to cfg otherwise (§8 round-trip property). Safe to log
// or serve over the dashboard without leaking credentials.
func Redact(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg

	out.Auth.SharedToken = redactIfSet(cfg.Auth.SharedToken)

	out.Listeners = make(map[string]map[string]string, len(cfg.Listeners))
	for platform, opts := range cfg.Listeners {
		redacted := make(map[string]string, len(opts))
		for k, v := range opts {
			if isSensitiveListenerKey(k) {
				redacted[k] = redactIfSet(v)
			} else {
				redacted[k] = v
			}
		}
		out.Listeners[platform] = redacted
	}

	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out.Providers[name] = p
	}

	return &out
}

func redactIfSet(v string) string {
	if v == "" {
		return v
	}
	return redactedValue
}

func isSensitiveListenerKey(key string) bool {
	switch key {
	case "token", "access_token", "bot_token", "password", "api_key", "secret":
		return true
	default:
		return false
	}
}
