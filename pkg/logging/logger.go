// Package logging configures the zerolog logger shared by every media-cache
// component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is the configured minimum level, as written in the config file.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Component names used across the service.
const (
	ComponentServer   = "server"
	ComponentCache    = "cache"
	ComponentEviction = "eviction"
	ComponentControl  = "control"
	ComponentWarmup   = "warmup"
	ComponentStore    = "store"
)

// Config holds logger configuration.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr when nil.
	Output io.Writer

	// Fields are attached to every record, e.g. the build version.
	Fields map[string]string
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// ParseLevel maps a configured level to zerolog. "warning" is accepted as an
// alias of "warn"; an empty level means info.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}

	parsed, err := zerolog.ParseLevel(name)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return parsed, nil
}

// Setup installs the global logger and level. Unknown levels fall back to info.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	ctx := zerolog.New(out).With().Timestamp()
	for k, v := range cfg.Fields {
		ctx = ctx.Str(k, v)
	}
	log.Logger = ctx.Logger()

	if err != nil {
		log.Logger.Warn().Err(err).Msg("Falling back to info level")
	}
	return log.Logger
}

// NewLogger derives a logger tagged with the emitting component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Level guidelines:
//
// Debug: per-request cache decisions (hit, miss, stale, key, partition,
// size), background revalidation results, warmup worker lifecycle.
//
// Info: server lifecycle, trim passes that evicted entries, control
// messages, static partition seeding and retirement.
//
// Warn: store errors degrading a request to network-only, stale or shell
// fallbacks, retry attempts, failed control messages.
//
// Error: store unreachable at startup, listener failures.
//
// Common fields: component, partition, key, tier, size, evicted, error_class.
