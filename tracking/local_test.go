package tracking

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
)

func openInMemory(t *testing.T) *LocalTracker {
	t.Helper()
	tr, err := OpenLocal(LocalConfig{InMemory: true, ArtifactRoot: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestLocalTrackerRunLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := openInMemory(t)

	err := tr.SetExperiment(ctx, "Churn_Prediction_XGBoost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceNotFound))

	got := SetupExperiment(ctx, tr, "Churn_Prediction_XGBoost", nil)
	require.Same(t, tr, got)

	runID, err := tr.StartRun(ctx, "training")
	require.NoError(t, err)
	require.Len(t, runID, 32)

	require.NoError(t, tr.LogParam(ctx, "max_depth", "5"))
	require.NoError(t, tr.SetTag(ctx, "training_status", "completed"))
	for step, loss := range []float64{0.6, 0.5, 0.45} {
		require.NoError(t, tr.LogMetric(ctx, "validation_logloss", loss, int64(step)))
	}
	require.NoError(t, tr.LogMetric(ctx, "auc", 0.9, 0))

	src := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"auc":0.9}`), 0o644))
	require.NoError(t, tr.LogArtifact(ctx, src, "metrics"))
	artifactURI := tr.ArtifactURI()

	require.NoError(t, tr.EndRun(ctx, StatusFinished))
	assert.Empty(t, tr.RunID())

	data, err := os.ReadFile(filepath.Join(artifactURI, "metrics", "metrics.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"auc":0.9}`, string(data))

	params, err := tr.Params(runID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"max_depth": "5"}, params)

	tags, err := tr.Tags(runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", tags["training_status"])

	metrics, err := tr.Metrics(runID)
	require.NoError(t, err)
	require.Len(t, metrics["validation_logloss"], 3)
	assert.Equal(t, int64(2), metrics["validation_logloss"][2].Step)
	assert.InDelta(t, 0.45, metrics["validation_logloss"][2].Value, 1e-12)
	assert.Len(t, metrics["auc"], 1)

	run, err := tr.Run(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, run.Status)
	assert.Equal(t, "training", run.Name)
	assert.NotZero(t, run.EndTime)
}

func TestLocalTrackerRequiresActiveRun(t *testing.T) {
	ctx := context.Background()
	tr := openInMemory(t)

	assert.Error(t, tr.LogParam(ctx, "k", "v"))
	assert.Error(t, tr.LogMetric(ctx, "k", 1, 0))
	assert.Error(t, tr.LogArtifact(ctx, "x", ""))
	assert.Error(t, tr.EndRun(ctx, StatusFinished))

	_, err := tr.StartRun(ctx, "no-experiment")
	assert.Error(t, err)

	_, err = tr.Run("missing")
	assert.True(t, errors.Is(err, ErrResourceNotFound))
}

func TestLocalTrackerDuplicateExperiment(t *testing.T) {
	ctx := context.Background()
	tr := openInMemory(t)

	_, err := tr.CreateExperiment(ctx, "exp")
	require.NoError(t, err)
	_, err = tr.CreateExperiment(ctx, "exp")
	assert.Error(t, err)
}

func TestLocalTrackerPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger, _ := log.NewTestLogger(log.LevelDebug)

	tr, err := OpenLocal(DefaultLocalConfig(dir), logger)
	require.NoError(t, err)
	id, err := tr.CreateExperiment(ctx, "exp")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	reopened, err := Open(Options{TrackingURI: "file://" + dir}, logger)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.SetExperiment(ctx, "exp"))

	_, err = reopened.StartRun(ctx, "second")
	require.NoError(t, err)
	assert.Contains(t, reopened.ArtifactURI(), filepath.Join(dir, "artifacts", id))
	require.NoError(t, reopened.EndRun(ctx, StatusFailed))
}

func TestOpenLocalValidation(t *testing.T) {
	_, err := OpenLocal(LocalConfig{InMemory: true}, nil)
	assert.Error(t, err)
	_, err = OpenLocal(LocalConfig{}, nil)
	assert.Error(t, err)
}
