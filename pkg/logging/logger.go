// Package logging provides structured logging configuration using zerolog
// and the request logger pipeline stage.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/ce-gateway/pkg/config"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// ServiceName is attached to every record emitted by the global logger.
const ServiceName = "ce-gateway"

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// FromSettings builds a Config from the gateway logging settings.
func FromSettings(s config.LoggingConfig) Config {
	cfg := DefaultConfig()
	if s.Level != "" {
		cfg.Level = LogLevel(s.Level)
	}
	cfg.Pretty = s.Pretty
	return cfg
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", ServiceName).
		Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Rate limit decisions that admit the request
//   - Cache invalidations
//
// Info: Normal operation events
//   - Completed requests (status < 400)
//   - Store connection established
//   - Server startup/shutdown, final metrics
//
// Warn: Warning conditions that don't prevent operation
//   - Client errors (4xx), including rate limit rejections
//   - Store unavailable (stage fails open)
//   - Circuit breaker opened
//   - Request log record could not be built
//
// Error: Error conditions requiring attention
//   - Server errors (5xx) and handler panics
//   - Store unreachable at startup
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (pipeline, proxy, cache, ...)
//   - stage: pipeline stage when the record comes from one
//   - request_id: value of X-Request-ID
//   - client_id: rate limit identifier (credentials are hashed)
//   - method, path, status, latency_ms, bytes: request record
//   - cache: HIT or MISS when the cache stage answered
//   - key: store key for cache and rate limit operations
