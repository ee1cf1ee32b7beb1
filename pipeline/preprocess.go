package pipeline

import (
	"context"
	"io/fs"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/YuminosukeSato/churnpipe/dataset"
	"github.com/YuminosukeSato/churnpipe/internal/config"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/preprocessing"
	"github.com/YuminosukeSato/churnpipe/tracking"
)

// PreprocessResult summarizes a preprocessing run.
type PreprocessResult struct {
	InputRows int
	TrainRows int
	TestRows  int
	Encoders  *preprocessing.EncoderSet
	Report    *preprocessing.Report
}

// Preprocess reads the raw customer CSV, encodes it and writes the train and
// test partitions with the label column first.
func Preprocess(ctx context.Context, rc *RunContext, opts config.Preprocess) (result *PreprocessResult, err error) {
	ctx, s := rc.startStage(ctx, StagePreprocess, "preprocessing", "preprocessing_status")
	defer func() { s.finish(ctx, err) }()

	err = s.recoverStage(ctx, func() error {
		var runErr error
		result, runErr = preprocess(ctx, s, opts)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func preprocess(ctx context.Context, s *stageRun, opts config.Preprocess) (*PreprocessResult, error) {
	logger := s.logger
	tracker := s.rc.Tracker

	if err := tracking.LogParams(ctx, tracker, map[string]string{
		"input_data_path":   opts.InputDataPath,
		"output_train_path": opts.OutputTrainPath,
		"output_test_path":  opts.OutputTestPath,
		"test_split_ratio":  strconv.FormatFloat(opts.TestSplitRatio, 'f', -1, 64),
		"random_state":      strconv.FormatInt(opts.RandomState, 10),
	}); err != nil {
		return nil, s.track(ctx, err)
	}

	logger.Info("Loading raw data", log.PathKey, opts.InputDataPath)
	frame, err := dataset.ReadCSVFile(opts.InputDataPath)
	if err != nil {
		kind := errors.KindDataLoad
		if errors.Is(err, fs.ErrNotExist) {
			kind = errors.KindInputNotFound
		}
		return nil, s.fail(ctx, kind, "failed_data_load", "Failed to load raw data", err, log.PathKey, opts.InputDataPath)
	}
	inputRows := frame.NRows()
	logger.Info("Raw data loaded", log.SamplesKey, inputRows, log.ColumnsKey, len(frame.Header))

	p := &preprocessing.Preprocessor{
		IDColumn:       opts.IDColumn,
		LabelColumn:    opts.LabelColumn,
		NumericColumns: opts.NumericColumns,
	}
	encoders, report, err := p.FitApply(frame)
	if err != nil {
		kind := errors.KindDataLoad
		if errors.Is(err, errors.ErrMissingColumn) {
			kind = errors.KindSchemaMismatch
		}
		return nil, s.fail(ctx, kind, "failed_data_load", "Failed to encode data", err)
	}
	for column, n := range report.Coerced {
		if n > 0 {
			logger.Info("Coerced non-numeric values to 0.0", log.ColumnKey, column, "count", n)
		}
	}
	logger.Debug("Encoded categorical columns", log.ColumnsKey, report.Encoded)
	if err := logLabelClasses(ctx, s, encoders); err != nil {
		return nil, err
	}

	trainIdx, testIdx, err := preprocessing.TrainTestSplit(frame.NRows(), opts.TestSplitRatio, opts.RandomState)
	if err != nil {
		return nil, s.fail(ctx, errors.KindDataLoad, "failed_data_load", "Failed to split data", err)
	}
	train, test := frame.Subset(trainIdx), frame.Subset(testIdx)
	logger.Info("Data split",
		log.TrainSamplesKey, train.NRows(),
		log.TestSamplesKey, test.NRows(),
		log.SplitRatioKey, opts.TestSplitRatio,
		log.RandomSeedKey, opts.RandomState,
	)
	s.span.SetAttributes(
		attribute.Int(log.TrainSamplesKey, train.NRows()),
		attribute.Int(log.TestSamplesKey, test.NRows()),
	)

	for _, out := range []struct {
		frame *dataset.Frame
		path  string
	}{{train, opts.OutputTrainPath}, {test, opts.OutputTestPath}} {
		if err := out.frame.WriteCSVFile(out.path); err != nil {
			return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to write partition", err, log.PathKey, out.path)
		}
		logger.Info("Partition written", log.PathKey, out.path, log.SamplesKey, out.frame.NRows())
		if err := tracker.LogArtifact(ctx, out.path, "data"); err != nil {
			return nil, s.track(ctx, err)
		}
	}

	if opts.OutputEncodersPath != "" {
		if err := preprocessing.SaveEncoderSet(encoders, opts.OutputEncodersPath); err != nil {
			return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to write encoders", err, log.PathKey, opts.OutputEncodersPath)
		}
		logger.Info("Encoders written", log.PathKey, opts.OutputEncodersPath, log.ColumnsKey, len(encoders.Columns))
		if err := tracker.LogArtifact(ctx, opts.OutputEncodersPath, "encoders"); err != nil {
			return nil, s.track(ctx, err)
		}
	}

	if err := tracking.LogMetrics(ctx, tracker, map[string]float64{
		"input_rows": float64(inputRows),
		"train_rows": float64(train.NRows()),
		"test_rows":  float64(test.NRows()),
	}); err != nil {
		return nil, s.track(ctx, err)
	}
	s.setStatus(ctx, "completed")

	return &PreprocessResult{
		InputRows: inputRows,
		TrainRows: train.NRows(),
		TestRows:  test.NRows(),
		Encoders:  encoders,
		Report:    report,
	}, nil
}

// logLabelClasses records which raw label value each code stands for, e.g.
// "0=No,1=Yes". A numeric label column has no encoder and is left alone.
func logLabelClasses(ctx context.Context, s *stageRun, encoders *preprocessing.EncoderSet) error {
	enc, ok := encoders.Encoder(encoders.LabelColumn)
	if !ok {
		return nil
	}
	codes := make([]float64, len(enc.Classes))
	for i := range codes {
		codes[i] = float64(i)
	}
	classes, err := enc.InverseTransform(codes)
	if err != nil {
		return s.fail(ctx, errors.KindDataLoad, "failed_data_load", "Failed to decode label classes", err)
	}
	pairs := make([]string, len(classes))
	for i, class := range classes {
		pairs[i] = strconv.Itoa(i) + "=" + class
	}
	mapping := strings.Join(pairs, ",")
	s.logger.Info("Label classes encoded", log.ColumnKey, encoders.LabelColumn, "classes", mapping)
	if err := s.rc.Tracker.SetTag(ctx, "label_classes", mapping); err != nil {
		return s.track(ctx, err)
	}
	return nil
}
