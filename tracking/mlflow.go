package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
)

// ErrResourceNotFound is returned when the tracking server answers
// RESOURCE_DOES_NOT_EXIST.
var ErrResourceNotFound = errors.New("tracking resource does not exist")

// APIError is a non-2xx answer from the tracking server.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracking server %s: %d %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
}

// restClient is a thin JSON client for the MLflow REST API.
type restClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *restClient) call(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	u := c.baseURL + "/api/2.0/mlflow/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s request", endpoint)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrapf(err, "build %s request", endpoint)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s", endpoint)
	}
	defer resp.Body.Close()

	if err := checkResponse(endpoint, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", endpoint)
	}
	return nil
}

// upload PUTs r to the artifact proxy at the given relative path.
func (c *restClient) upload(ctx context.Context, artifactPath string, r io.Reader) error {
	endpoint := "mlflow-artifacts/artifacts/" + artifactPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/2.0/"+(&url.URL{Path: endpoint}).EscapedPath(), r)
	if err != nil {
		return errors.Wrapf(err, "build upload request for %s", artifactPath)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "upload %s", artifactPath)
	}
	defer resp.Body.Close()
	return checkResponse(endpoint, resp)
}

func (c *restClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkResponse(endpoint string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Code == "RESOURCE_DOES_NOT_EXIST" || resp.StatusCode == http.StatusNotFound {
		return errors.Wrap(ErrResourceNotFound, apiErr.Error())
	}
	return errors.WithStack(apiErr)
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type runInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	ArtifactURI  string `json:"artifact_uri"`
	Status       string `json:"status"`
}

// MLflowTracker implements Tracker against an MLflow tracking server.
type MLflowTracker struct {
	rest           *restClient
	logger         log.Logger
	gcsCredentials string
	experimentID   string
	run            *runInfo
	artifacts      ArtifactStore
}

// MLflowOptions configures NewMLflowTracker.
type MLflowOptions struct {
	TrackingURI string
	// Token is sent as a bearer token (MLFLOW_TRACKING_TOKEN).
	Token string
	// GCSCredentialsFile is used when the run's artifact root is gs://.
	GCSCredentialsFile string
	HTTPClient         *http.Client
}

// NewMLflowTracker returns a tracker for the server at opts.TrackingURI.
func NewMLflowTracker(opts MLflowOptions, logger log.Logger) (*MLflowTracker, error) {
	u, err := url.Parse(opts.TrackingURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewValidationError("tracking_uri", "must be an http(s) URL", opts.TrackingURI)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &MLflowTracker{
		rest: &restClient{
			baseURL: strings.TrimRight(opts.TrackingURI, "/"),
			token:   opts.Token,
			http:    client,
		},
		logger:         logger.With(log.ComponentKey, "mlflow", log.TrackingURIKey, opts.TrackingURI),
		gcsCredentials: opts.GCSCredentialsFile,
	}, nil
}

func (t *MLflowTracker) SetExperiment(ctx context.Context, name string) error {
	var resp struct {
		Experiment struct {
			ExperimentID   string `json:"experiment_id"`
			LifecycleStage string `json:"lifecycle_stage"`
		} `json:"experiment"`
	}
	q := url.Values{"experiment_name": {name}}
	if err := t.rest.call(ctx, http.MethodGet, "experiments/get-by-name", q, nil, &resp); err != nil {
		return err
	}
	if resp.Experiment.LifecycleStage == "deleted" {
		return errors.Wrapf(ErrResourceNotFound, "experiment %q is deleted", name)
	}
	t.experimentID = resp.Experiment.ExperimentID
	t.logger.Debug("Experiment selected", log.ExperimentKey, name, "experiment_id", t.experimentID)
	return nil
}

func (t *MLflowTracker) CreateExperiment(ctx context.Context, name string) (string, error) {
	var resp struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := t.rest.call(ctx, http.MethodPost, "experiments/create", nil, map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	t.logger.Info("Experiment created", log.ExperimentKey, name, "experiment_id", resp.ExperimentID)
	return resp.ExperimentID, nil
}

func (t *MLflowTracker) StartRun(ctx context.Context, runName string) (string, error) {
	if t.experimentID == "" {
		return "", errors.NewValueError("StartRun", "no experiment selected")
	}
	if t.run != nil {
		return "", errors.NewValueError("StartRun", "run "+t.run.RunID+" is still active")
	}

	req := map[string]any{
		"experiment_id": t.experimentID,
		"run_name":      runName,
		"start_time":    nowMillis(),
		"tags":          []keyValue{{Key: "mlflow.runName", Value: runName}},
	}
	var resp struct {
		Run struct {
			Info runInfo `json:"info"`
		} `json:"run"`
	}
	if err := t.rest.call(ctx, http.MethodPost, "runs/create", nil, req, &resp); err != nil {
		return "", err
	}
	t.run = &resp.Run.Info
	t.logger.Info("Run started", log.RunIDKey, t.run.RunID, "artifact_uri", t.run.ArtifactURI)
	return t.run.RunID, nil
}

func (t *MLflowTracker) LogParam(ctx context.Context, key, value string) error {
	runID, err := t.activeRun("LogParam")
	if err != nil {
		return err
	}
	return t.rest.call(ctx, http.MethodPost, "runs/log-parameter", nil,
		map[string]string{"run_id": runID, "key": key, "value": value}, nil)
}

func (t *MLflowTracker) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	runID, err := t.activeRun("LogMetric")
	if err != nil {
		return err
	}
	return t.rest.call(ctx, http.MethodPost, "runs/log-metric", nil, map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": nowMillis(),
		"step":      step,
	}, nil)
}

func (t *MLflowTracker) SetTag(ctx context.Context, key, value string) error {
	runID, err := t.activeRun("SetTag")
	if err != nil {
		return err
	}
	return t.rest.call(ctx, http.MethodPost, "runs/set-tag", nil,
		map[string]string{"run_id": runID, "key": key, "value": value}, nil)
}

func (t *MLflowTracker) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	if _, err := t.activeRun("LogArtifact"); err != nil {
		return err
	}
	if t.artifacts == nil {
		store, err := ArtifactStoreFor(ctx, t.run.ArtifactURI, t.rest, t.gcsCredentials)
		if err != nil {
			return err
		}
		t.artifacts = store
	}
	uri, err := t.artifacts.Put(ctx, localPath, artifactPath)
	if err != nil {
		return err
	}
	t.logger.Debug("Artifact logged", log.PathKey, localPath, "artifact_uri", uri)
	return nil
}

func (t *MLflowTracker) EndRun(ctx context.Context, status RunStatus) error {
	runID, err := t.activeRun("EndRun")
	if err != nil {
		return err
	}
	err = t.rest.call(ctx, http.MethodPost, "runs/update", nil, map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": nowMillis(),
	}, nil)
	t.run = nil
	if t.artifacts != nil {
		if cerr := t.artifacts.Close(); err == nil {
			err = cerr
		}
		t.artifacts = nil
	}
	return err
}

func (t *MLflowTracker) RunID() string {
	if t.run == nil {
		return ""
	}
	return t.run.RunID
}

func (t *MLflowTracker) ArtifactURI() string {
	if t.run == nil {
		return ""
	}
	return t.run.ArtifactURI
}

func (t *MLflowTracker) Close() error {
	if t.artifacts != nil {
		return t.artifacts.Close()
	}
	return nil
}

func (t *MLflowTracker) activeRun(op string) (string, error) {
	if t.run == nil {
		return "", errors.NewValueError(op, "no active run")
	}
	return t.run.RunID, nil
}
