// Package logging wires the core's ambient structured logging, built on
// logiface with the zerolog backend rather than raw log.Printf/json.Marshal.
package logging

import (
	"os"
	"time"

	"github.com/joeycumines/logiface"
	zlog "github.com/joeycumines/logiface/zerolog"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used throughout the core.
type Logger = logiface.Logger[*zlog.Event]

// New builds a Logger writing structured JSON lines to stdout, tagged with
// component. level sets the minimum emitted severity.
func New(component string, level logiface.Level) *Logger {
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger()
	return zlog.L.New(
		zlog.L.WithZerolog(zl),
		zlog.L.WithLevel(level),
	)
}

// WithCorrelation returns a child logger that stamps correlation_id onto
// every subsequent entry, per the requirement that every log line carry it
// where one is available.
func WithCorrelation(l *Logger, correlationID string) *Logger {
	if correlationID == "" {
		return l
	}
	return l.Clone().Str("correlation_id", correlationID).Logger()
}

// Fields is a convenience alias used by components that build up a handful
// of key/value pairs before emitting a log line.
type Fields map[string]any

// Log emits msg at level with the given fields attached.
func Log(l *Logger, level string, msg string, fields Fields) {
	var b *logiface.Builder[*zlog.Event]
	switch level {
	case "debug":
		b = l.Debug()
	case "warn":
		b = l.Warning()
	case "error":
		b = l.Err()
	default:
		b = l.Info()
	}
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			b = b.Str(k, val)
		case int:
			b = b.Int(k, val)
		case time.Duration:
			b = b.Dur(k, val)
		case error:
			b = b.Err(val)
		default:
			b = b.Any(k, val)
		}
	}
	b.Log(msg)
}
