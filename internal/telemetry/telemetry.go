// Package telemetry builds the OpenTelemetry tracer provider used for stage
// spans. Spans are exported as JSON lines to a file, or to stderr with "-".
// stdout is never used because it carries the HPO metric lines.
package telemetry

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Config configures Init.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Stage is recorded as a resource attribute.
	Stage string
	// TraceOutput is the export destination. Empty disables tracing.
	TraceOutput string
}

// ShutdownFunc flushes and closes the exporter.
type ShutdownFunc func(context.Context) error

// Init returns a tracer provider and its shutdown function. The provider is
// not installed globally; callers hand it to the run context.
func Init(cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	if cfg.TraceOutput == "" {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	var (
		w       io.Writer
		closeFn = func() error { return nil }
	)
	if cfg.TraceOutput == "-" {
		w = os.Stderr
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.TraceOutput), 0o755); err != nil {
			return nil, nil, errors.Wrapf(err, "create directory for %s", cfg.TraceOutput)
		}
		f, err := os.Create(cfg.TraceOutput)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open trace output %s", cfg.TraceOutput)
		}
		w = f
		closeFn = f.Close
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		_ = closeFn()
		return nil, nil, errors.Wrap(err, "create trace exporter")
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("ml.stage", cfg.Stage),
	)

	// one stage per process, so synchronous export is enough
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), closeFn())
	}
	return tp, shutdown, nil
}
