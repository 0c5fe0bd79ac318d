// Package config loads the gateway configuration from an optional YAML file,
// a .env file and environment variables.
//
// Precedence, lowest first: built-in defaults, YAML file, the flat variables
// the gateway has always understood (REDIS_URL, ENABLE_CACHING, ...), then
// GATEWAY_-prefixed variables where "__" separates nesting levels, e.g.
// GATEWAY_RATELIMIT__LIMIT=100.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes structured environment overrides.
	EnvPrefix = "GATEWAY_"

	// EnvConfigFile names the YAML file to load.
	EnvConfigFile = "GATEWAY_CONFIG"

	// DefaultConfigFile is used when GATEWAY_CONFIG is unset.
	DefaultConfigFile = "config.yaml"
)

// Rate limit algorithms.
const (
	AlgorithmFixedWindow = "fixed_window"
	AlgorithmTokenBucket = "token_bucket"
)

// Rate limit identifier sources.
const (
	// KeyByCredential counts requests per bearer token or API key when one
	// is present, else per source address.
	KeyByCredential = "credential"
	// KeyByAddress always counts per source address. Credentials still
	// select the authenticated rule class.
	KeyByAddress = "address"
)

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Cache     CacheConfig     `koanf:"cache"`
	Security  SecurityConfig  `koanf:"security"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type ServerConfig struct {
	Port                   int    `koanf:"port"`
	UpstreamURL            string `koanf:"upstream_url"`
	ReadTimeoutSeconds     int    `koanf:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `koanf:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	TrustForwardedFor      bool   `koanf:"trust_forwarded_for"`
	MaxRequestBodyBytes    int64  `koanf:"max_request_body_bytes"`
	UpstreamMaxAttempts    int    `koanf:"upstream_max_attempts"`
	UpstreamBackoffMS      int    `koanf:"upstream_backoff_ms"`
}

// UpstreamBackoff returns the initial delay between upstream attempts.
func (s ServerConfig) UpstreamBackoff() time.Duration {
	return time.Duration(s.UpstreamBackoffMS) * time.Millisecond
}

type StoreConfig struct {
	URL                    string `koanf:"url"`
	Prefix                 string `koanf:"prefix"`
	PoolSize               int    `koanf:"pool_size"`
	OpTimeoutMS            int    `koanf:"op_timeout_ms"`
	ConnectAttempts        int    `koanf:"connect_attempts"`
	BreakerFailures        int    `koanf:"breaker_failures"`
	BreakerCooldownSeconds int    `koanf:"breaker_cooldown_seconds"`
}

// OpTimeout returns the per-call store deadline.
func (s StoreConfig) OpTimeout() time.Duration {
	return time.Duration(s.OpTimeoutMS) * time.Millisecond
}

// BreakerCooldown returns how long the breaker stays open.
func (s StoreConfig) BreakerCooldown() time.Duration {
	return time.Duration(s.BreakerCooldownSeconds) * time.Second
}

// RuleConfig is one {limit, window} pair.
type RuleConfig struct {
	Limit         int `koanf:"limit"`
	WindowSeconds int `koanf:"window_seconds"`
}

type RateLimitConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Algorithm     string `koanf:"algorithm"`
	Limit         int    `koanf:"limit"`
	WindowSeconds int    `koanf:"window_seconds"`

	// Routes overrides the default by longest matching path prefix.
	Routes map[string]RuleConfig `koanf:"routes"`

	// Classes overrides the default per identifier class
	// ("authenticated", "anonymous").
	Classes map[string]RuleConfig `koanf:"classes"`

	ExemptPaths []string `koanf:"exempt_paths"`

	// KeyBy is KeyByCredential or KeyByAddress.
	KeyBy string `koanf:"key_by"`
}

type CacheConfig struct {
	Enabled           bool  `koanf:"enabled"`
	DefaultTTLSeconds int   `koanf:"default_ttl_seconds"`
	MaxBodyBytes      int64 `koanf:"max_body_bytes"`
	SingleFlight      bool  `koanf:"single_flight"`

	// Routes maps a path prefix to its TTL in seconds. Zero disables
	// caching below that prefix.
	Routes map[string]int `koanf:"routes"`
}

type SecurityConfig struct {
	Enabled bool              `koanf:"enabled"`
	Headers map[string]string `koanf:"headers"`
	// HSTSMaxAgeSeconds enables Strict-Transport-Security on TLS requests
	// when positive.
	HSTSMaxAgeSeconds int `koanf:"hsts_max_age_seconds"`
}

type LoggingConfig struct {
	Level         string   `koanf:"level"`
	Pretty        bool     `koanf:"pretty"`
	Enabled       bool     `koanf:"enabled"`
	BodyLogging   bool     `koanf:"body_logging"`
	MaxBodyBytes  int      `koanf:"max_body_bytes"`
	SensitiveKeys []string `koanf:"sensitive_keys"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// defaults are applied for every key the file and environment left unset.
var defaults = map[string]any{
	"server.port":                     8000,
	"server.upstream_url":             "",
	"server.read_timeout_seconds":     30,
	"server.write_timeout_seconds":    60,
	"server.shutdown_timeout_seconds": 15,
	"server.trust_forwarded_for":      false,
	"server.max_request_body_bytes":   64 << 10,
	"server.upstream_max_attempts":    3,
	"server.upstream_backoff_ms":      100,

	"store.url":                      "redis://localhost:6379/0",
	"store.prefix":                   "",
	"store.pool_size":                0,
	"store.op_timeout_ms":            250,
	"store.connect_attempts":         3,
	"store.breaker_failures":         5,
	"store.breaker_cooldown_seconds": 10,

	"ratelimit.enabled":        true,
	"ratelimit.algorithm":      AlgorithmFixedWindow,
	"ratelimit.limit":          100,
	"ratelimit.window_seconds": 60,
	"ratelimit.exempt_paths":   []string{"/health", "/ready"},
	"ratelimit.key_by":         KeyByCredential,

	"cache.enabled":             true,
	"cache.default_ttl_seconds": 300,
	"cache.max_body_bytes":      1 << 20,
	"cache.single_flight":       false,

	"security.enabled": true,
	"security.headers": map[string]any{
		"X-API-Version":          "1.0.0",
		"X-Service":              "ce-demo-api-gateway",
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	},
	"security.hsts_max_age_seconds": 0,

	"logging.level":          "info",
	"logging.pretty":         false,
	"logging.enabled":        true,
	"logging.body_logging":   false,
	"logging.max_body_bytes": 4096,

	"metrics.enabled": true,
}

// legacyEnv maps the flat variable names to configuration keys.
var legacyEnv = map[string]string{
	"PORT":                 "server.port",
	"UPSTREAM_URL":         "server.upstream_url",
	"REDIS_URL":            "store.url",
	"ENABLE_RATE_LIMITING": "ratelimit.enabled",
	"ENABLE_CACHING":       "cache.enabled",
	"CACHE_DEFAULT_TTL":    "cache.default_ttl_seconds",
	"ENABLE_BODY_LOGGING":  "logging.body_logging",
	"LOG_LEVEL":            "logging.level",
}

// Load reads .env, the file named by GATEWAY_CONFIG (default config.yaml)
// and the environment. A missing file is not an error. The result is
// validated.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	path := os.Getenv(EnvConfigFile)
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit YAML path and without .env handling.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("apply %s: %w", name, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := unmarshal(koanf.New("."))
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, fmt.Errorf("apply default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.RateLimit.ExemptPaths = splitList(cfg.RateLimit.ExemptPaths)
	cfg.Logging.SensitiveKeys = splitList(cfg.Logging.SensitiveKeys)
	cfg.RateLimit.Algorithm = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Algorithm))
	cfg.RateLimit.KeyBy = strings.ToLower(strings.TrimSpace(cfg.RateLimit.KeyBy))

	return &cfg, nil
}

// splitList flattens comma separated entries, which is how lists arrive
// from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
