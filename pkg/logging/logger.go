// Package logging configures structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
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

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the writer logs go to (default: os.Stderr). Keep it apart
	// from the status lines the CLI prints on stdout.
	Output io.Writer

	// RunID is attached to every entry when set.
	RunID string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: true,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. Component loggers derived with
// NewLogger afterwards inherit its output and fields.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.RunID != "" {
		ctx = ctx.Str("run_id", cfg.RunID)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
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
// Debug: request flow
//   - Throttle waits before a resend (message_id, attempt, delay)
//   - Silent token refresh
//   - Rate limit header updates
//
// Info: normal operation
//   - Token acquired via device code
//   - Fan-out start and completion
//   - Request succeeded after retry
//
// Warn: degraded but continuing
//   - Single message fetch failed
//   - Retry budget exhausted
//   - Empty or malformed message list body
//   - Graph throttled a request
//
// Error: the run cannot continue as planned
//   - Token acquisition failed, remaining fetches aborted
//   - Transport failures
//
// Context Fields:
//   - component: emitting package (auth, graph-client, fanout, ratelimit)
//   - run_id: correlation id of one CLI run
//   - endpoint: route template, e.g. /me/messages/{id}
//   - status: HTTP status code
//   - message_id: Graph message id
//   - attempt: send number within one fetch
//   - delay: wait before the next send
//   - error_class: client, server, rate_limit, network, parse, auth
