// Package logger provides the structured logging facade used across xtube.
//
// Components never log through a global directly; they receive a Logger via
// their configuration and fall back to GetLogger() when none is supplied.
// Messages are short and lowercase, context travels in key/value pairs:
//
//	log.Info("tube ready", "port", cfg.PortName(), "state", state)
//
// Log Levels:
//
//   - DebugLevel: wire traffic and loop iterations.
//   - InfoLevel:  lifecycle events (open, warmup, emission on/off).
//   - WarnLevel:  recoverable conditions (battery low, retried reads).
//   - ErrorLevel: faults surfaced to the caller.
//   - FatalLevel: unrecoverable startup errors in command line tools.
package logger

import (
	"fmt"
	"strings"
)

// Level indicates the logging severity level.
type Level int8

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual
	// human review.
	WarnLevel
	// ErrorLevel logs are high-priority.
	ErrorLevel
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// ParseLevel converts a level name such as "debug" or "WARN" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("logger: unknown level %q", s)
	}
}

// Logger defines a common interface for logging.
type Logger interface {
	// Debug logs a message at DebugLevel with optional key/value context.
	Debug(msg string, keysAndValues ...any)
	// Info logs a message at InfoLevel with optional key/value context.
	Info(msg string, keysAndValues ...any)
	// Warn logs a message at WarnLevel with optional key/value context.
	Warn(msg string, keysAndValues ...any)
	// Error logs a message at ErrorLevel with optional key/value context.
	Error(msg string, keysAndValues ...any)
	// Fatal logs a message at FatalLevel and then calls os.Exit(1).
	Fatal(msg string, keysAndValues ...any)
	// With creates a child logger and adds structured context to it.
	// Key-values added to the child don't affect the parent, and vice versa.
	With(keyValues ...any) Logger
	// Level returns the minimum enabled level for this logger.
	Level() Level
	// SetLevel sets the minimum enabled level for this logger.
	SetLevel(level Level)
}
