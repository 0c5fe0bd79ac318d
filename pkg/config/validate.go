package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidConfig is matched by every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError describes one invalid setting. It is fatal at startup.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidConfig) true.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validate checks every setting and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, value any, reason string) {
		errs = append(errs, &ConfigError{Field: field, Value: value, Reason: reason})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if c.Server.UpstreamURL != "" {
		u, err := url.Parse(c.Server.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("server.upstream_url", c.Server.UpstreamURL, "must be an absolute URL")
		}
	}
	if c.Server.UpstreamMaxAttempts < 1 {
		add("server.upstream_max_attempts", c.Server.UpstreamMaxAttempts, "must be at least 1")
	}
	if c.Server.UpstreamBackoffMS < 0 {
		add("server.upstream_backoff_ms", c.Server.UpstreamBackoffMS, "must not be negative")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		add("server.shutdown_timeout_seconds", c.Server.ShutdownTimeoutSeconds, "must not be negative")
	}
	if c.Server.MaxRequestBodyBytes < 0 {
		add("server.max_request_body_bytes", c.Server.MaxRequestBodyBytes, "must not be negative")
	}

	if c.UsesStore() && strings.TrimSpace(c.Store.URL) == "" {
		add("store.url", c.Store.URL, "required when rate limiting or caching is enabled")
	}
	if c.Store.OpTimeoutMS <= 0 {
		add("store.op_timeout_ms", c.Store.OpTimeoutMS, "must be positive")
	}
	if c.Store.BreakerFailures < 0 {
		add("store.breaker_failures", c.Store.BreakerFailures, "must not be negative")
	}
	if c.Store.BreakerCooldownSeconds < 0 {
		add("store.breaker_cooldown_seconds", c.Store.BreakerCooldownSeconds, "must not be negative")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Algorithm {
		case AlgorithmFixedWindow, AlgorithmTokenBucket:
		default:
			add("ratelimit.algorithm", c.RateLimit.Algorithm, "must be fixed_window or token_bucket")
		}
		switch c.RateLimit.KeyBy {
		case KeyByCredential, KeyByAddress:
		default:
			add("ratelimit.key_by", c.RateLimit.KeyBy, "must be credential or address")
		}
		validateRule := func(field string, r RuleConfig) {
			if r.Limit <= 0 {
				add(field+".limit", r.Limit, "must be positive")
			}
			if r.WindowSeconds <= 0 {
				add(field+".window_seconds", r.WindowSeconds, "must be positive")
			}
		}
		validateRule("ratelimit", RuleConfig{Limit: c.RateLimit.Limit, WindowSeconds: c.RateLimit.WindowSeconds})
		for prefix, r := range c.RateLimit.Routes {
			if !strings.HasPrefix(prefix, "/") {
				add("ratelimit.routes", prefix, "route prefix must start with /")
			}
			validateRule("ratelimit.routes."+prefix, r)
		}
		for class, r := range c.RateLimit.Classes {
			if class != "authenticated" && class != "anonymous" {
				add("ratelimit.classes", class, "unknown identifier class")
			}
			validateRule("ratelimit.classes."+class, r)
		}
	}

	if c.Cache.DefaultTTLSeconds < 0 {
		add("cache.default_ttl_seconds", c.Cache.DefaultTTLSeconds, "must not be negative")
	}
	if c.Cache.Enabled && c.Cache.DefaultTTLSeconds == 0 {
		add("cache.default_ttl_seconds", c.Cache.DefaultTTLSeconds, "must be positive when caching is enabled")
	}
	if c.Cache.MaxBodyBytes < 0 {
		add("cache.max_body_bytes", c.Cache.MaxBodyBytes, "must not be negative")
	}
	for prefix, ttl := range c.Cache.Routes {
		if !strings.HasPrefix(prefix, "/") {
			add("cache.routes", prefix, "route prefix must start with /")
		}
		if ttl < 0 {
			add("cache.routes."+prefix, ttl, "must not be negative")
		}
	}

	for name := range c.Security.Headers {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " :\r\n") {
			add("security.headers", name, "invalid header name")
		}
	}
	if c.Security.HSTSMaxAgeSeconds < 0 {
		add("security.hsts_max_age_seconds", c.Security.HSTSMaxAgeSeconds, "must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	if c.Logging.MaxBodyBytes < 0 {
		add("logging.max_body_bytes", c.Logging.MaxBodyBytes, "must not be negative")
	}

	return errors.Join(errs...)
}

// UsesStore reports whether any enabled stage needs the external store.
func (c *Config) UsesStore() bool {
	fixedWindow := c.RateLimit.Enabled && c.RateLimit.Algorithm == AlgorithmFixedWindow
	return fixedWindow || c.Cache.Enabled
}
