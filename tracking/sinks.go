package tracking

import (
	"context"
	"os"
	"path/filepath"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Observation is one metric value handed to a MetricSink.
type Observation struct {
	Experiment string
	Stage      string
	RunID      string
	Key        string
	Value      float64
	Step       int64
	Time       time.Time
}

// MetricSink exports logged metrics to a monitoring system.
type MetricSink interface {
	Record(ctx context.Context, obs Observation) error
	// Close flushes buffered observations.
	Close() error
}

// PrometheusTextfile collects observations into a private registry and writes
// them in the node-exporter textfile format on Close.
type PrometheusTextfile struct {
	path     string
	registry *prometheus.Registry
	value    *prometheus.GaugeVec
	step     *prometheus.GaugeVec
	recorded prometheus.Counter
}

// NewPrometheusTextfile returns a sink writing to path.
func NewPrometheusTextfile(path string) *PrometheusTextfile {
	reg := prometheus.NewRegistry()
	labels := []string{"experiment", "stage", "run_id", "metric"}
	s := &PrometheusTextfile{
		path:     path,
		registry: reg,
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "churnpipe",
			Name:      "metric_value",
			Help:      "Last value logged for a run metric.",
		}, labels),
		step: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "churnpipe",
			Name:      "metric_step",
			Help:      "Step of the last value logged for a run metric.",
		}, labels),
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "churnpipe",
			Name:      "metric_observations_total",
			Help:      "Number of metric values logged by this process.",
		}),
	}
	reg.MustRegister(s.value, s.step, s.recorded)
	return s
}

func (s *PrometheusTextfile) Record(_ context.Context, obs Observation) error {
	labels := prometheus.Labels{
		"experiment": obs.Experiment,
		"stage":      obs.Stage,
		"run_id":     obs.RunID,
		"metric":     obs.Key,
	}
	s.value.With(labels).Set(obs.Value)
	s.step.With(labels).Set(float64(obs.Step))
	s.recorded.Inc()
	return nil
}

// Registry exposes the sink's registry.
func (s *PrometheusTextfile) Registry() *prometheus.Registry { return s.registry }

func (s *PrometheusTextfile) Close() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", s.path)
	}
	if err := prometheus.WriteToTextfile(s.path, s.registry); err != nil {
		return errors.Wrapf(err, "write prometheus textfile %s", s.path)
	}
	return nil
}

// InfluxOptions configures NewInfluxSink (INFLUXDB_URL, INFLUXDB_TOKEN,
// INFLUXDB_ORG, INFLUXDB_BUCKET).
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Enabled reports whether an InfluxDB URL is configured.
func (o InfluxOptions) Enabled() bool { return o.URL != "" }

// InfluxSink writes every observation as a point of the
// "churnpipe_metrics" measurement with a blocking write.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink returns a sink for the given server.
func NewInfluxSink(opts InfluxOptions) (*InfluxSink, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, errors.NewValidationError("influxdb", "url, org and bucket are required", opts.URL)
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
	}, nil
}

func (s *InfluxSink) Record(ctx context.Context, obs Observation) error {
	ts := obs.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPointWithMeasurement("churnpipe_metrics").
		AddTag("experiment", obs.Experiment).
		AddTag("stage", obs.Stage).
		AddTag("run_id", obs.RunID).
		AddTag("metric", obs.Key).
		AddField("value", obs.Value).
		AddField("step", obs.Step).
		SetTime(ts)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return errors.Wrapf(err, "write influx point %s", obs.Key)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

// WithSinks returns a Tracker that forwards every LogMetric to sinks after
// the wrapped tracker accepted it. Closing it closes the sinks.
func WithSinks(t Tracker, experiment, stage string, sinks ...MetricSink) Tracker {
	if len(sinks) == 0 {
		return t
	}
	return &sinkTracker{Tracker: t, experiment: experiment, stage: stage, sinks: sinks}
}

type sinkTracker struct {
	Tracker
	experiment string
	stage      string
	sinks      []MetricSink
}

func (s *sinkTracker) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	if err := s.Tracker.LogMetric(ctx, key, value, step); err != nil {
		return err
	}
	obs := Observation{
		Experiment: s.experiment,
		Stage:      s.stage,
		RunID:      s.Tracker.RunID(),
		Key:        key,
		Value:      value,
		Step:       step,
		Time:       time.Now(),
	}
	for _, sink := range s.sinks {
		if err := sink.Record(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

func (s *sinkTracker) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
