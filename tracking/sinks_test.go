package tracking

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
)

func TestPrometheusTextfile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "textfile", "churnpipe.prom")

	sink := NewPrometheusTextfile(path)
	tr := WithSinks(Noop(), "churn", "train", sink)

	require.NoError(t, tr.LogMetric(ctx, "auc", 0.9, 0))
	require.NoError(t, tr.LogMetric(ctx, "accuracy", 0.75, 0))
	require.NoError(t, tr.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "# TYPE churnpipe_metric_value gauge")
	assert.Contains(t, text, `metric="auc"`)
	assert.Contains(t, text, `stage="train"`)
	assert.Contains(t, text, "0.75")
	assert.Contains(t, text, "churnpipe_metric_observations_total 2")
}

func TestInfluxSink(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lines = append(lines, string(body))
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(InfluxOptions{URL: srv.URL, Token: "t", Org: "org", Bucket: "ml"})
	require.NoError(t, err)

	tr := WithSinks(Noop(), "churn", "evaluate", sink)
	require.NoError(t, tr.LogMetric(context.Background(), "roc_auc", 0.8, 0))
	require.NoError(t, tr.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Equal(t, "/api/v2/write", paths[0])
	assert.True(t, strings.HasPrefix(lines[0], "churnpipe_metrics,"))
	assert.Contains(t, lines[0], "metric=roc_auc")
	assert.Contains(t, lines[0], "stage=evaluate")
	assert.Contains(t, lines[0], "value=0.8")

	_, err = NewInfluxSink(InfluxOptions{URL: srv.URL})
	assert.Error(t, err)
}

type failingSink struct{ closed bool }

func (f *failingSink) Record(context.Context, Observation) error { return errors.New("sink down") }
func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestWithSinksPropagatesErrors(t *testing.T) {
	sink := &failingSink{}
	tr := WithSinks(Noop(), "churn", "train", sink)

	assert.Error(t, tr.LogMetric(context.Background(), "auc", 1, 0))
	require.NoError(t, tr.Close())
	assert.True(t, sink.closed)

	assert.True(t, IsNoop(WithSinks(Noop(), "churn", "train")))
}

func TestOpenSchemes(t *testing.T) {
	dir := t.TempDir()

	tr, err := Open(Options{TrackingURI: filepath.Join(dir, "store")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalTracker{}, tr)
	require.NoError(t, tr.Close())

	_, err = Open(Options{TrackingURI: "databricks://profile"}, nil)
	assert.Error(t, err)

	tr, err = Open(Options{TrackingURI: "https://mlflow.example.com"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MLflowTracker{}, tr)
}

func TestOpenFileURIForms(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	tests := []struct {
		uri  string
		path string
	}{
		{"file:./relative-dot", "relative-dot"},
		{"file:relative", "relative"},
		{"file://" + filepath.Join(dir, "absolute"), filepath.Join(dir, "absolute")},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			tr, err := Open(Options{TrackingURI: tt.uri}, nil)
			require.NoError(t, err)
			assert.IsType(t, &LocalTracker{}, tr)
			require.NoError(t, tr.Close())

			_, err = os.Stat(filepath.Join(tt.path, "db"))
			assert.NoError(t, err)
		})
	}
}

func TestOpenWithoutURIWarns(t *testing.T) {
	t.Chdir(t.TempDir())
	logger, _ := log.NewTestLogger(log.LevelDebug)

	tr, err := Open(Options{}, logger)
	require.NoError(t, err)
	defer tr.Close()

	assert.IsType(t, &LocalTracker{}, tr)
	assert.True(t, logger.ContainsMessage("MLFLOW_TRACKING_URI is not set"))
	_, err = os.Stat(DefaultLocalPath)
	assert.NoError(t, err)
}

func TestArtifactStoreFor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := ArtifactStoreFor(ctx, "file://"+dir, nil, "")
	require.NoError(t, err)
	assert.Equal(t, &LocalArtifactStore{Root: dir}, store)

	_, err = ArtifactStoreFor(ctx, "mlflow-artifacts:/1/r/artifacts", nil, "")
	assert.Error(t, err)

	_, err = ArtifactStoreFor(ctx, "s3://bucket/x", nil, "")
	assert.Error(t, err)

	bucket, prefix, err := parseGCSURI("gs://models/churn/run-1/")
	require.NoError(t, err)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "churn/run-1", prefix)

	_, _, err = parseGCSURI("gs:///x")
	assert.Error(t, err)
}
