// Package tracking records experiment runs: parameters, metrics, tags and
// artifacts.
//
// Three backends implement Tracker:
//
//   - MLflowTracker talks to an MLflow tracking server over its REST API
//     (MLFLOW_TRACKING_URI=http://... or https://...).
//   - LocalTracker keeps runs in an embedded badger database with artifacts on
//     the local filesystem (MLFLOW_TRACKING_URI unset, file:... or a path).
//   - Noop discards everything; stages fall back to it when the experiment
//     cannot be selected or created.
//
// Metric sinks (Prometheus textfile, InfluxDB) can be attached to any Tracker
// with WithSinks so every logged metric is also exported there.
//
// A Tracker holds at most one active run. It is owned by a single stage
// process and is not safe for concurrent use.
package tracking

import (
	"context"
	"maps"
	"slices"
	"time"
)

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
	StatusKilled   RunStatus = "KILLED"
)

// Tracker is the tracking-service client used by the pipeline stages.
type Tracker interface {
	// SetExperiment selects an existing experiment by name.
	SetExperiment(ctx context.Context, name string) error
	// CreateExperiment creates an experiment and returns its id.
	CreateExperiment(ctx context.Context, name string) (string, error)

	// StartRun opens a run in the selected experiment and returns its id.
	StartRun(ctx context.Context, runName string) (string, error)
	LogParam(ctx context.Context, key, value string) error
	LogMetric(ctx context.Context, key string, value float64, step int64) error
	SetTag(ctx context.Context, key, value string) error
	// LogArtifact stores the file at localPath under artifactPath of the
	// active run ("" for the run's artifact root).
	LogArtifact(ctx context.Context, localPath, artifactPath string) error
	EndRun(ctx context.Context, status RunStatus) error

	// RunID returns the active run id, or "" when no run is active.
	RunID() string
	// ArtifactURI returns the artifact root of the active run.
	ArtifactURI() string

	Close() error
}

// LogParams logs every entry of params in key order.
func LogParams(ctx context.Context, t Tracker, params map[string]string) error {
	for _, k := range sortedKeys(params) {
		if err := t.LogParam(ctx, k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

// LogMetrics logs every entry of metrics at step 0 in key order.
func LogMetrics(ctx context.Context, t Tracker, metrics map[string]float64) error {
	for _, k := range sortedKeys(metrics) {
		if err := t.LogMetric(ctx, k, metrics[k], 0); err != nil {
			return err
		}
	}
	return nil
}

// Noop returns a Tracker that records nothing.
func Noop() Tracker { return noopTracker{} }

type noopTracker struct{}

func (noopTracker) SetExperiment(context.Context, string) error { return nil }
func (noopTracker) CreateExperiment(context.Context, string) (string, error) {
	return "", nil
}
func (noopTracker) StartRun(context.Context, string) (string, error) { return "", nil }
func (noopTracker) LogParam(context.Context, string, string) error { return nil }
func (noopTracker) LogMetric(context.Context, string, float64, int64) error { return nil }
func (noopTracker) SetTag(context.Context, string, string) error { return nil }
func (noopTracker) LogArtifact(context.Context, string, string) error { return nil }
func (noopTracker) EndRun(context.Context, RunStatus) error { return nil }
func (noopTracker) RunID() string { return "" }
func (noopTracker) ArtifactURI() string { return "" }
func (noopTracker) Close() error { return nil }

// IsNoop reports whether t discards everything.
func IsNoop(t Tracker) bool {
	_, ok := t.(noopTracker)
	return ok
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
