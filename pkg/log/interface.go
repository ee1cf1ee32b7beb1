// Package log provides the structured logging interface used by every pipeline stage.
//
// The interface is slog-compatible so that backends can be swapped without touching
// stage code. Two backends ship with the package: zerolog (the default, JSON or
// console output) and a log/slog JSON handler emitting Cloud Logging field names.
// A Logger is never global: it is created once by the command and carried to the
// stages inside the run context.
//
// Example usage:
//
//	logger := log.New(log.Options{Format: log.FormatJSON, Level: log.LevelInfo, Output: os.Stderr}).
//	    With(log.StageKey, "train")
//	logger.Info("Training data loaded",
//	    log.SamplesKey, 5634,
//	    log.FeaturesKey, 19,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key/value pairs. An error value is rendered with its
// message and, when it carries one, a cockroachdb/errors stack trace under
// StacktraceAttrKey.
type Logger interface {
	// Debug logs a debug-level message with optional structured fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional structured fields.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional structured fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message with optional structured fields.
	//
	// Example:
	//   logger.Error("Failed to load model",
	//       log.ErrAttrKey, err,
	//       log.PathKey, modelPath,
	//   )
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4 // Detailed diagnostic information
	LevelInfo  Level = 0  // General operational information
	LevelWarn  Level = 4  // Warning conditions
	LevelError Level = 8  // Error conditions
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// nopLogger discards everything.
type nopLogger struct{}

// Nop returns a Logger that discards all records.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}
func (nopLogger) Error(string, ...any) {}
func (n nopLogger) With(...any) Logger { return n }
func (nopLogger) Enabled(context.Context, Level) bool { return false }
