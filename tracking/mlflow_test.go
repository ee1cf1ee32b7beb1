package tracking

import (
	"context"
	"encoding/json"
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

// fakeMLflow implements the subset of the MLflow REST API used by MLflowTracker.
type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	params      map[string]string
	tags        map[string]string
	metrics     map[string]float64
	status      string
	artifacts   map[string]string
	authHeaders []string
	failCreate  bool
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{
		experiments: map[string]string{},
		params:      map[string]string{},
		tags:        map[string]string{},
		metrics:     map[string]float64{},
		artifacts:   map[string]string{},
	}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))

	if strings.HasPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/") && r.Method == http.MethodPut {
		body, _ := io.ReadAll(r.Body)
		f.artifacts[strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/")] = string(body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
		return
	}

	var req map[string]any
	if r.Body != nil && r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	str := func(k string) string { s, _ := req[k].(string); return s }

	switch r.URL.Path {
	case "/api/2.0/mlflow/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"not found"}`))
			return
		}
		writeJSON(w, map[string]any{"experiment": map[string]string{
			"experiment_id": id, "lifecycle_stage": "active",
		}})
	case "/api/2.0/mlflow/experiments/create":
		if f.failCreate {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error_code":"INTERNAL_ERROR","message":"boom"}`))
			return
		}
		f.experiments[str("name")] = "7"
		writeJSON(w, map[string]string{"experiment_id": "7"})
	case "/api/2.0/mlflow/runs/create":
		writeJSON(w, map[string]any{"run": map[string]any{"info": map[string]string{
			"run_id":        "run-1",
			"experiment_id": str("experiment_id"),
			"artifact_uri":  "mlflow-artifacts:/7/run-1/artifacts",
			"status":        "RUNNING",
		}}})
	case "/api/2.0/mlflow/runs/log-parameter":
		f.params[str("key")] = str("value")
		writeJSON(w, map[string]any{})
	case "/api/2.0/mlflow/runs/set-tag":
		f.tags[str("key")] = str("value")
		writeJSON(w, map[string]any{})
	case "/api/2.0/mlflow/runs/log-metric":
		v, _ := req["value"].(float64)
		f.metrics[str("key")] = v
		writeJSON(w, map[string]any{})
	case "/api/2.0/mlflow/runs/update":
		f.status = str("status")
		writeJSON(w, map[string]any{})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestMLflowTrackerRunLifecycle(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	logger, buf := log.NewTestLogger(log.LevelDebug)

	tr, err := Open(Options{TrackingURI: srv.URL, Token: "secret"}, logger)
	require.NoError(t, err)
	require.IsType(t, &MLflowTracker{}, tr)

	tr = SetupExperiment(ctx, tr, "Churn_Prediction_XGBoost", logger)
	require.False(t, IsNoop(tr))
	assert.Contains(t, buf.String(), "creating it")

	runID, err := tr.StartRun(ctx, "model_evaluation_run")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "run-1", tr.RunID())
	assert.Equal(t, "mlflow-artifacts:/7/run-1/artifacts", tr.ArtifactURI())

	require.NoError(t, LogParams(ctx, tr, map[string]string{"model_path": "/opt/ml/model", "eta": "0.2"}))
	require.NoError(t, LogMetrics(ctx, tr, map[string]float64{"accuracy": 0.8, "roc_auc": 0.85}))
	require.NoError(t, tr.SetTag(ctx, "evaluation_status", "completed"))

	artifact := filepath.Join(t.TempDir(), "evaluation.json")
	require.NoError(t, os.WriteFile(artifact, []byte(`{"accuracy":0.8}`), 0o644))
	require.NoError(t, tr.LogArtifact(ctx, artifact, "evaluation_results"))

	require.NoError(t, tr.EndRun(ctx, StatusFinished))
	assert.Empty(t, tr.RunID())
	require.NoError(t, tr.Close())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "0.2", fake.params["eta"])
	assert.Equal(t, "/opt/ml/model", fake.params["model_path"])
	assert.InDelta(t, 0.85, fake.metrics["roc_auc"], 1e-12)
	assert.Equal(t, "completed", fake.tags["evaluation_status"])
	assert.Equal(t, "FINISHED", fake.status)
	assert.Equal(t, `{"accuracy":0.8}`, fake.artifacts["7/run-1/artifacts/evaluation_results/evaluation.json"])
	for _, h := range fake.authHeaders {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestMLflowTrackerExperimentFallbackFails(t *testing.T) {
	fake := newFakeMLflow()
	fake.failCreate = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	logger, _ := log.NewTestLogger(log.LevelDebug)
	tr, err := NewMLflowTracker(MLflowOptions{TrackingURI: srv.URL}, logger)
	require.NoError(t, err)

	got := SetupExperiment(context.Background(), tr, "missing", logger)
	assert.True(t, IsNoop(got))
	assert.True(t, logger.ContainsMessage("Could not create experiment, tracking disabled"))
}

func TestMLflowTrackerErrors(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	ctx := context.Background()

	tr, err := NewMLflowTracker(MLflowOptions{TrackingURI: srv.URL}, nil)
	require.NoError(t, err)

	err = tr.SetExperiment(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceNotFound))

	_, err = tr.StartRun(ctx, "run")
	assert.Error(t, err, "no experiment selected")

	assert.Error(t, tr.LogParam(ctx, "k", "v"))
	assert.Error(t, tr.EndRun(ctx, StatusFailed))

	_, err = NewMLflowTracker(MLflowOptions{TrackingURI: "ftp://example.com"}, nil)
	assert.Error(t, err)
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"INVALID_PARAMETER_VALUE","message":"bad key"}`))
	}))
	defer srv.Close()

	tr, err := NewMLflowTracker(MLflowOptions{TrackingURI: srv.URL}, nil)
	require.NoError(t, err)
	_, err = tr.CreateExperiment(context.Background(), "x")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_PARAMETER_VALUE", apiErr.Code)
	assert.Equal(t, "bad key", apiErr.Message)
}
