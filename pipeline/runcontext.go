// Package pipeline implements the three churn pipeline stages: preprocess,
// train and evaluate.
//
// Each stage is a linear load, transform, compute, persist sequence. A stage
// receives everything ambient (logger, tracking client, tracer, the stdout
// writer for HPO lines) through an explicit RunContext and reports failure
// as an *errors.StageError tagged with the failure kind.
package pipeline

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/tracking"
)

// Stage names used in logs, spans and StageError.
const (
	StagePreprocess = "preprocess"
	StageTrain      = "train"
	StageEvaluate   = "evaluate"
)

// RunContext carries the per-process collaborators of a stage.
type RunContext struct {
	Logger  log.Logger
	Tracker tracking.Tracker
	Tracer  trace.Tracer
	// Stdout receives the "validation:<metric>: <value>" lines.
	Stdout io.Writer
	// RunID is the tracking run of the current stage, set when it starts.
	RunID string
}

// NewRunContext fills unset collaborators with no-op implementations and
// os.Stdout.
func NewRunContext(logger log.Logger, tracker tracking.Tracker, tracer trace.Tracer) *RunContext {
	if logger == nil {
		logger = log.Nop()
	}
	if tracker == nil {
		tracker = tracking.Noop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("churnpipe")
	}
	return &RunContext{Logger: logger, Tracker: tracker, Tracer: tracer, Stdout: os.Stdout}
}

// stageRun is the bookkeeping of one running stage.
type stageRun struct {
	rc          *RunContext
	stage       string
	statusTag   string
	logger      log.Logger
	span        trace.Span
	started     time.Time
	restoreWarn func(error)
}

// startStage opens the tracking run and span of a stage and routes library
// warnings into the stage logger until finish.
func (rc *RunContext) startStage(ctx context.Context, stage, runName, statusTag string) (context.Context, *stageRun) {
	ctx, span := rc.Tracer.Start(ctx, stage)
	s := &stageRun{
		rc:        rc,
		stage:     stage,
		statusTag: statusTag,
		logger:    rc.Logger.With(log.StageKey, stage),
		span:      span,
		started:   time.Now(),
	}

	runID, err := rc.Tracker.StartRun(ctx, runName)
	if err != nil {
		// the caller that opened the tracker closes it
		s.logger.Error("Could not start tracking run, tracking disabled", log.ErrAttrKey, err)
		rc.Tracker = tracking.Noop()
	}
	rc.RunID = runID
	if runID != "" {
		s.logger = s.logger.With(log.RunIDKey, runID)
		span.SetAttributes(attribute.String(log.RunIDKey, runID))
	}

	logger := s.logger
	s.restoreWarn = errors.SetWarningHandler(func(w error) {
		logger.Warn("Library warning", "warning", w)
	})

	s.logger.Info("Stage started", "run_name", runName)
	return ctx, s
}

// fail logs err with context and converts it into a StageError. When tag is
// non-empty it is recorded as the stage status tag first.
func (s *stageRun) fail(ctx context.Context, kind errors.StageKind, tag, msg string, err error, fields ...any) error {
	if tag != "" {
		s.setStatus(ctx, tag)
	}
	stageErr := errors.NewStageError(s.stage, kind, err)
	s.logger.Error(msg, append(fields, log.ErrAttrKey, stageErr, log.ErrorKindKey, string(kind))...)
	return stageErr
}

// track converts a failed tracking call into a StageError.
func (s *stageRun) track(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return s.fail(ctx, errors.KindTracking, "", "Tracking call failed", err)
}

// setStatus records the status tag. A failure is only logged so that it
// never hides the error being reported.
func (s *stageRun) setStatus(ctx context.Context, value string) {
	if s.statusTag == "" {
		return
	}
	if err := s.rc.Tracker.SetTag(ctx, s.statusTag, value); err != nil {
		s.logger.Warn("Could not set status tag", "tag", s.statusTag, "value", value, log.ErrAttrKey, err)
	}
}

// finish ends the tracking run and the span. err is the stage result.
func (s *stageRun) finish(ctx context.Context, err error) {
	errors.SetWarningHandler(s.restoreWarn)

	status := tracking.StatusFinished
	if err != nil {
		status = tracking.StatusFailed
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, string(errors.KindOf(err)))
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	if s.rc.RunID != "" {
		if endErr := s.rc.Tracker.EndRun(ctx, status); endErr != nil {
			s.logger.Warn("Could not end tracking run", log.ErrAttrKey, endErr)
		}
	}
	s.span.End()

	fields := []any{log.DurationMsKey, time.Since(s.started).Milliseconds()}
	if err != nil {
		s.logger.Error("Stage failed", fields...)
		return
	}
	s.logger.Info("Stage completed", fields...)
}

// recoverStage runs fn and turns a panic into a StageError of kind panic.
func (s *stageRun) recoverStage(ctx context.Context, fn func() error) error {
	err := errors.SafeExecute(s.stage, fn)
	var panicErr *errors.PanicError
	if errors.As(err, &panicErr) && errors.KindOf(err) == "" {
		return s.fail(ctx, errors.KindPanic, "", "Stage panicked", err)
	}
	return err
}
