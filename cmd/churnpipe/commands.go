package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/YuminosukeSato/churnpipe/internal/config"
	"github.com/YuminosukeSato/churnpipe/internal/telemetry"
	"github.com/YuminosukeSato/churnpipe/pipeline"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/tracking"
)

// cli holds the flag-bound configuration of one invocation.
type cli struct {
	stdout, stderr io.Writer

	configFile string
	envFile    string
	cfg        *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	return newCLI(stdout, stderr).rootCmd()
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, cfg: config.Default()}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "churnpipe",
		Short:         "Customer churn prediction pipeline",
		Long:          "churnpipe prepares the Telco customer data, trains a gradient-boosted churn classifier and evaluates it.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "YAML configuration file")
	pf.StringVar(&c.envFile, "env-file", "", "dotenv file loaded before reading the environment")
	pf.StringVar(&c.cfg.ExperimentName, "mlflow-experiment-name", c.cfg.ExperimentName, "tracking experiment name")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&c.cfg.LogFormat, "log-format", c.cfg.LogFormat, "log format (json, console, cloud)")
	pf.StringVar(&c.cfg.TraceOutput, "trace-output", c.cfg.TraceOutput, "write spans to this file, \"-\" for stderr")
	pf.StringVar(&c.cfg.PrometheusTextfile, "prometheus-textfile", c.cfg.PrometheusTextfile, "write tracked metrics to this node-exporter textfile")

	root.AddCommand(c.preprocessCmd(), c.trainCmd(), c.evaluateCmd())
	return root
}

func (c *cli) preprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Clean, encode and split the raw customer data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStage(cmd, pipeline.StagePreprocess, func(ctx context.Context, rc *pipeline.RunContext, cfg *config.Config) error {
				_, err := pipeline.Preprocess(ctx, rc, cfg.Preprocess)
				return err
			})
		},
	}

	o := &c.cfg.Preprocess
	f := cmd.Flags()
	f.StringVar(&o.InputDataPath, "input-data-path", o.InputDataPath, "raw customer CSV")
	f.StringVar(&o.OutputTrainPath, "output-train-path", o.OutputTrainPath, "train partition CSV")
	f.StringVar(&o.OutputTestPath, "output-test-path", o.OutputTestPath, "test partition CSV")
	f.StringVar(&o.OutputEncodersPath, "output-encoders-path", o.OutputEncodersPath, "fitted encoders JSON, empty to skip")
	f.Float64Var(&o.TestSplitRatio, "test-split-ratio", o.TestSplitRatio, "fraction of rows in the test partition")
	f.Int64Var(&o.RandomState, "random-state", o.RandomState, "seed of the split")
	f.StringVar(&o.IDColumn, "id-column", o.IDColumn, "identifier column to drop, empty to keep all columns")
	f.StringVar(&o.LabelColumn, "label-column", o.LabelColumn, "label column")
	f.StringSliceVar(&o.NumericColumns, "numeric-columns", o.NumericColumns, "columns coerced to numbers")
	return cmd
}

func (c *cli) trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the churn classifier and report validation metrics",
		Long:  "Train the churn classifier. Hyperparameters are read from SM_HP_* environment variables or the hyperparameters section of --config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStage(cmd, pipeline.StageTrain, func(ctx context.Context, rc *pipeline.RunContext, cfg *config.Config) error {
				_, err := pipeline.Train(ctx, rc, cfg.Train)
				return err
			})
		},
	}

	o := &c.cfg.Train
	f := cmd.Flags()
	f.StringVar(&o.TrainDataPath, "train-data-path", o.TrainDataPath, "train partition CSV")
	f.StringVar(&o.ValidDataPath, "valid-data-path", o.ValidDataPath, "validation partition CSV")
	f.StringVar(&o.ModelPath, "model-path", o.ModelPath, "model output file")
	f.StringVar(&o.ModelArchivePath, "model-archive-path", o.ModelArchivePath, "also write the model as a tar.gz archive")
	f.StringVar(&o.MetricsOutputPath, "metrics-output-path", o.MetricsOutputPath, "validation metrics JSON")
	f.StringVar(&o.ModelURIOutputPath, "model-uri-output-path", o.ModelURIOutputPath, "file receiving the tracked model URI, empty to skip")
	f.StringVar(&o.EncodersPath, "encoders-path", o.EncodersPath, "encoders JSON embedded into the model file")
	f.StringVar(&o.FeatureImportancePath, "feature-importance-path", o.FeatureImportancePath, "feature importance PNG")
	f.Int64Var(&o.Seed, "seed", o.Seed, "seed of the row subsampling")
	return cmd
}

func (c *cli) evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a trained model on the test partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStage(cmd, pipeline.StageEvaluate, func(ctx context.Context, rc *pipeline.RunContext, cfg *config.Config) error {
				_, err := pipeline.Evaluate(ctx, rc, cfg.Evaluate)
				return err
			})
		},
	}

	o := &c.cfg.Evaluate
	f := cmd.Flags()
	f.StringVar(&o.ModelPath, "model-path", o.ModelPath, "model file or tar.gz archive")
	f.StringVar(&o.ValidDataPath, "valid-data-path", o.ValidDataPath, "test partition CSV")
	f.StringVar(&o.MetricsOutputPath, "metrics-output-path", o.MetricsOutputPath, "evaluation metrics JSON")
	f.StringVar(&o.ROCCurvePath, "roc-curve-path", o.ROCCurvePath, "ROC curve PNG")
	f.StringVar(&o.TrainingRunID, "training-run-id", o.TrainingRunID, "run id of the training stage, recorded as a tag")
	f.BoolVar(&o.PrintMetrics, "print-metrics", o.PrintMetrics, "also print validation: metric lines to stdout")
	f.StringVar(&o.ExtractDir, "extract-dir", o.ExtractDir, "directory receiving archived models, empty for a temporary one")
	return cmd
}

type stageFunc func(ctx context.Context, rc *pipeline.RunContext, cfg *config.Config) error

// runStage resolves the configuration, opens logging, tracing and tracking
// and runs fn. Every returned error carries a StageError.
func (c *cli) runStage(cmd *cobra.Command, stage string, fn stageFunc) (err error) {
	ctx := cmd.Context()

	cfg, err := c.resolve(cmd.Flags())
	if err != nil {
		return errors.NewStageError(stage, errors.KindConfig, err)
	}
	if err := cfg.Validate(stage); err != nil {
		return errors.NewStageError(stage, errors.KindConfig, err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.NewStageError(stage, errors.KindConfig, err)
	}
	logger := log.New(log.Options{Format: log.Format(cfg.LogFormat), Level: level, Output: c.stderr})

	tp, shutdown, err := telemetry.Init(telemetry.Config{
		ServiceName:    "churnpipe",
		ServiceVersion: version,
		Stage:          stage,
		TraceOutput:    cfg.TraceOutput,
	})
	if err != nil {
		return errors.NewStageError(stage, errors.KindConfig, err)
	}
	defer func() {
		if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("Failed to flush traces", log.ErrAttrKey, serr)
		}
	}()

	tracker, err := tracking.Open(tracking.Options{
		TrackingURI:        cfg.TrackingURI,
		Token:              cfg.TrackingToken,
		GCSCredentialsFile: cfg.GCSCredentialsFile,
	}, logger)
	if err != nil {
		logger.Error("Could not open tracking store, tracking disabled",
			log.TrackingURIKey, cfg.TrackingURI, log.ErrAttrKey, err)
		tracker = tracking.Noop()
	}
	tracker = tracking.SetupExperiment(ctx, tracker, cfg.ExperimentName, logger)
	tracker = tracking.WithSinks(tracker, cfg.ExperimentName, stage, c.metricSinks(cfg, logger)...)
	defer func() {
		if cerr := tracker.Close(); cerr != nil {
			logger.Error("Failed to close tracker", log.ErrAttrKey, cerr)
			if err == nil {
				err = errors.NewStageError(stage, errors.KindTracking, cerr)
			}
		}
	}()

	rc := pipeline.NewRunContext(logger, tracker, tp.Tracer("github.com/YuminosukeSato/churnpipe"))
	rc.Stdout = c.stdout
	return fn(ctx, rc, cfg)
}

// metricSinks builds the optional metric sinks. An unusable InfluxDB
// configuration only disables that sink.
func (c *cli) metricSinks(cfg *config.Config, logger log.Logger) []tracking.MetricSink {
	var sinks []tracking.MetricSink
	if cfg.PrometheusTextfile != "" {
		sinks = append(sinks, tracking.NewPrometheusTextfile(cfg.PrometheusTextfile))
	}
	influx := tracking.InfluxOptions{
		URL:    cfg.Influx.URL,
		Token:  cfg.Influx.Token,
		Org:    cfg.Influx.Org,
		Bucket: cfg.Influx.Bucket,
	}
	if influx.Enabled() {
		sink, err := tracking.NewInfluxSink(influx)
		if err != nil {
			logger.Warn("InfluxDB sink disabled", log.ErrAttrKey, err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

// resolve loads defaults, the YAML file and the environment, then re-applies
// the flags that were set explicitly on the command line.
func (c *cli) resolve(flags *pflag.FlagSet) (*config.Config, error) {
	type override struct {
		flag   *pflag.Flag
		values []string
	}
	var explicit []override
	flags.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			explicit = append(explicit, override{f, sv.GetSlice()})
			return
		}
		explicit = append(explicit, override{f, []string{f.Value.String()}})
	})

	loaded, err := config.Load(config.LoadOptions{ConfigFile: c.configFile, EnvFile: c.envFile})
	if err != nil {
		return nil, err
	}
	// flags point into c.cfg, so replace the whole value
	*c.cfg = *loaded

	for _, o := range explicit {
		if sv, ok := o.flag.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(o.values); err != nil {
				return nil, errors.Wrapf(err, "flag --%s", o.flag.Name)
			}
			continue
		}
		if err := o.flag.Value.Set(o.values[0]); err != nil {
			return nil, errors.Wrapf(err, "flag --%s", o.flag.Name)
		}
	}
	return c.cfg, nil
}
