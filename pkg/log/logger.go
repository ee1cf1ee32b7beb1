package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Format selects the logging backend.
type Format string

const (
	// FormatJSON emits one zerolog JSON object per line.
	FormatJSON Format = "json"
	// FormatConsole emits human readable zerolog console lines.
	FormatConsole Format = "console"
	// FormatCloud emits slog JSON with Cloud Logging field names.
	FormatCloud Format = "cloud"
)

// Options configures New.
type Options struct {
	Format Format
	Level  Level
	// Output defaults to os.Stderr. Stdout is reserved for metric lines.
	Output io.Writer
}

// New builds the Logger for a process.
func New(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	switch opts.Format {
	case FormatCloud:
		return NewCloudLogger(out, opts.Level)
	case FormatConsole:
		return NewZerologLogger(out, opts.Level, true)
	default:
		return NewZerologLogger(out, opts.Level, false)
	}
}

// NewCloudLogger returns a slog based Logger whose records use Cloud Logging keys.
func NewCloudLogger(w io.Writer, level Level) Logger {
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.Level(level),
		// Replace attributes to convert to CloudLogging format.
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr = slog.Attr{
					Key:   "severity",
					Value: attr.Value,
				}
			case slog.MessageKey:
				attr = slog.Attr{
					Key:   "message",
					Value: attr.Value,
				}
			case slog.SourceKey:
				attr = slog.Attr{
					Key:   "logging.googleapis.com/sourceLocation",
					Value: attr.Value,
				}
			}
			return attr
		},
	}
	handler := slog.NewJSONHandler(w, &ops)
	return &slogLogger{logger: slog.New(newCloudHandler(handler))}
}

// ParseLevel converts "debug", "info", "warn" or "error" into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.NewValidationError("log-level", "must be one of debug, info, warn, error", level)
	}
}

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Debug(msg string, fields ...any) {
	l.logger.Debug(msg, fields...)
}

func (l *slogLogger) Info(msg string, fields ...any) {
	l.logger.Info(msg, fields...)
}

func (l *slogLogger) Warn(msg string, fields ...any) {
	l.logger.Warn(msg, fields...)
}

func (l *slogLogger) Error(msg string, fields ...any) {
	l.logger.Error(msg, fields...)
}

func (l *slogLogger) With(fields ...any) Logger {
	return &slogLogger{logger: l.logger.With(fields...)}
}

func (l *slogLogger) Enabled(ctx context.Context, level Level) bool {
	return l.logger.Enabled(ctx, slog.Level(level))
}
