// Package log provides the small logging interface consumed by the rpc,
// relay and client packages, with a zerolog backed implementation.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "ROBOLINK_LOG_LEVEL"
	EnvLogNoColor = "ROBOLINK_LOG_NOCOLOR"
)

// Logger is the logging surface used throughout the module. A nil Logger is
// valid everywhere one is accepted and discards all output.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type zlogger struct {
	z zerolog.Logger
}

func (l *zlogger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *zlogger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *zlogger) Warn(msg string)  { l.z.Warn().Msg(msg) }
func (l *zlogger) Error(msg string) { l.z.Error().Msg(msg) }

// With returns a child logger carrying an extra string field.
func (l *zlogger) With(key string, value string) Logger {
	return &zlogger{z: l.z.With().Str(key, value).Logger()}
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(z zerolog.Logger) Logger {
	return &zlogger{z: z}
}

// New returns a JSON logger writing to w.
func New(w io.Writer, level zerolog.Level) Logger {
	return &zlogger{z: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewConsole returns a human readable logger on stderr tagged with app.
func NewConsole(app string, level zerolog.Level, noColor bool) Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	z := zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
	return &zlogger{z: z}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zlogger{z: zerolog.Nop()}
}

// Named tags l with a component name when the backend supports fields.
func Named(l Logger, component string) Logger {
	if l == nil {
		return nil
	}
	if w, ok := l.(interface {
		With(key string, value string) Logger
	}); ok {
		return w.With("component", component)
	}
	return l
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// LevelFromEnv returns the level named by ROBOLINK_LOG_LEVEL, or fallback.
func LevelFromEnv(fallback zerolog.Level) zerolog.Level {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		return lvl
	}
	return fallback
}
