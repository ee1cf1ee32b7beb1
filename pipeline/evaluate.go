package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/YuminosukeSato/churnpipe/booster"
	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/internal/config"
	"github.com/YuminosukeSato/churnpipe/metrics"
	"github.com/YuminosukeSato/churnpipe/pkg/archive"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/report"
	"github.com/YuminosukeSato/churnpipe/tracking"
)

// defaultModelMember is the archive member preferred when an archive holds
// more than one file.
const defaultModelMember = "xgboost-model"

// Evaluate scores a trained model on the test partition and writes the
// binary classification report as one JSON object.
func Evaluate(ctx context.Context, rc *RunContext, opts config.Evaluate) (result *metrics.BinaryReport, err error) {
	ctx, s := rc.startStage(ctx, StageEvaluate, "model_evaluation_run", "evaluation_status")
	defer func() { s.finish(ctx, err) }()

	err = s.recoverStage(ctx, func() error {
		var runErr error
		result, runErr = evaluate(ctx, s, opts)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func evaluate(ctx context.Context, s *stageRun, opts config.Evaluate) (*metrics.BinaryReport, error) {
	logger := s.logger
	tracker := s.rc.Tracker

	if opts.TrainingRunID != "" {
		logger.Info("Associated training run", "training_run_id", opts.TrainingRunID)
		if err := tracker.SetTag(ctx, "training_run_id", opts.TrainingRunID); err != nil {
			return nil, s.track(ctx, err)
		}
	}
	if err := tracking.LogParams(ctx, tracker, map[string]string{
		"model_path":           opts.ModelPath,
		"validation_data_path": opts.ValidDataPath,
	}); err != nil {
		return nil, s.track(ctx, err)
	}

	logDirectory(logger, filepath.Dir(opts.ModelPath))
	logDirectory(logger, filepath.Dir(opts.ValidDataPath))

	clf, cleanup, err := loadModel(opts)
	defer cleanup()
	if err != nil {
		return nil, s.fail(ctx, errors.KindModelLoad, "failed_model_load", "Failed to load model", err, log.PathKey, opts.ModelPath)
	}
	logger.Info("Model loaded", log.FeaturesKey, clf.NFeatures())

	test, err := loadPartition(ctx, s, "test", opts.ValidDataPath)
	if err != nil {
		return nil, err
	}
	if test.NFeatures() != clf.NFeatures() {
		return nil, s.fail(ctx, errors.KindSchemaMismatch, "failed_data_load", "Test data does not match the model",
			errors.NewDimensionError("Evaluate", clf.NFeatures(), test.NFeatures(), 1))
	}

	logger.Info("Making predictions on test data")
	proba, err := clf.PredictProba(test.Features)
	if err != nil {
		return nil, s.fail(ctx, errors.KindPrediction, "failed_prediction", "Prediction failed", err)
	}
	yScore := column(proba, 1)
	yPred := column(booster.LabelsFromProba(proba), 0)

	logger.Info("Calculating evaluation metrics")
	result, err := metrics.EvaluateBinary(test.Labels, yPred, yScore)
	if err != nil {
		return nil, s.fail(ctx, errors.KindMetrics, "failed_metrics_calculation", "Failed to calculate metrics", err)
	}
	logger.Info("Evaluation metrics calculated",
		log.AccuracyKey, result.Accuracy,
		"metrics.precision", result.Precision,
		"metrics.recall", result.Recall,
		"metrics.f1", result.F1,
		log.AUCKey, result.ROCAUC,
		"metrics.confusion_matrix", result.ConfusionMatrix,
	)
	s.span.SetAttributes(
		attribute.Float64(log.AccuracyKey, result.Accuracy),
		attribute.Float64(log.AUCKey, result.ROCAUC),
	)

	if err := model.SaveJSON(result, opts.MetricsOutputPath); err != nil {
		return nil, s.fail(ctx, errors.KindPersist, "failed_metrics_calculation", "Failed to save evaluation metrics", err, log.PathKey, opts.MetricsOutputPath)
	}
	logger.Info("Evaluation metrics saved", log.PathKey, opts.MetricsOutputPath)

	if opts.PrintMetrics {
		if err := writeHPOLines(s.rc.Stdout,
			hpoMetric{Name: "accuracy", Value: result.Accuracy},
			hpoMetric{Name: "auc", Value: result.ROCAUC},
			hpoMetric{Name: "precision", Value: result.Precision},
			hpoMetric{Name: "recall", Value: result.Recall},
			hpoMetric{Name: "f1_score", Value: result.F1},
		); err != nil {
			return nil, s.fail(ctx, errors.KindPersist, "", "Failed to print metrics", err)
		}
	}

	if err := tracking.LogMetrics(ctx, tracker, map[string]float64{
		"accuracy":  result.Accuracy,
		"precision": result.Precision,
		"recall":    result.Recall,
		"f1":        result.F1,
		"roc_auc":   result.ROCAUC,
	}); err != nil {
		return nil, s.track(ctx, err)
	}
	if err := tracker.LogArtifact(ctx, opts.MetricsOutputPath, "evaluation_results"); err != nil {
		return nil, s.track(ctx, err)
	}

	if opts.ROCCurvePath != "" {
		fpr, tpr, _, err := metrics.ROCCurve(test.Labels, yScore)
		if err != nil {
			// a single-class test set has no ROC curve
			logger.Warn("Skipping ROC curve", log.ErrAttrKey, err)
		} else {
			if err := report.SaveROCCurve(fpr, tpr, result.ROCAUC, opts.ROCCurvePath); err != nil {
				return nil, s.fail(ctx, errors.KindPersist, "", "Failed to render ROC curve", err, log.PathKey, opts.ROCCurvePath)
			}
			logger.Info("ROC curve saved", log.PathKey, opts.ROCCurvePath)
			if err := tracker.LogArtifact(ctx, opts.ROCCurvePath, "evaluation_results"); err != nil {
				return nil, s.track(ctx, err)
			}
		}
	}

	s.setStatus(ctx, "completed")
	return result, nil
}

// loadModel opens opts.ModelPath. Gzip archives (detected by magic bytes) are
// extracted first. The returned cleanup removes a temporary extraction
// directory and is never nil.
func loadModel(opts config.Evaluate) (model.ProbabilisticClassifier, func(), error) {
	cleanup := func() {}

	gz, err := archive.IsGzip(opts.ModelPath)
	if err != nil {
		return nil, cleanup, err
	}
	path := opts.ModelPath
	if gz {
		dir := opts.ExtractDir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "churnpipe-model-")
			if err != nil {
				return nil, cleanup, errors.Wrap(err, "create extraction directory")
			}
			dir = tmp
			cleanup = func() { _ = os.RemoveAll(tmp) }
		}
		files, err := archive.ExtractFile(opts.ModelPath, dir)
		if err != nil {
			return nil, cleanup, errors.Wrapf(err, "extract %s", opts.ModelPath)
		}
		if len(files) == 0 {
			return nil, cleanup, errors.Wrapf(errors.ErrEmptyData, "archive %s has no files", opts.ModelPath)
		}
		path = files[0]
		if i := slices.IndexFunc(files, func(f string) bool { return filepath.Base(f) == defaultModelMember }); i >= 0 {
			path = files[i]
		}
	}

	clf, err := booster.LoadFile(path)
	if err != nil {
		return nil, cleanup, err
	}
	return clf, cleanup, nil
}

// logDirectory lists dir at debug level.
func logDirectory(logger log.Logger, dir string) {
	if !logger.Enabled(context.Background(), log.LevelDebug) {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("Cannot list directory", log.PathKey, dir, log.ErrAttrKey, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	logger.Debug("Directory contents", log.PathKey, dir, "entries", names)
}
