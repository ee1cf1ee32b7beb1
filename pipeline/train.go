package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/booster"
	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/dataset"
	"github.com/YuminosukeSato/churnpipe/internal/config"
	"github.com/YuminosukeSato/churnpipe/metrics"
	"github.com/YuminosukeSato/churnpipe/pkg/archive"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/preprocessing"
	"github.com/YuminosukeSato/churnpipe/report"
	"github.com/YuminosukeSato/churnpipe/tracking"
)

// TrainMetrics is the content of the training metrics file.
type TrainMetrics struct {
	Accuracy float64 `json:"accuracy"`
	AUC      float64 `json:"auc"`
}

// TrainResult summarizes a training run.
type TrainResult struct {
	Metrics  TrainMetrics
	ModelURI string
	NumTrees int
}

// Train fits the gradient-boosted classifier on the train partition, scores
// it on the validation partition and persists the model and its metrics.
func Train(ctx context.Context, rc *RunContext, opts config.Train) (result *TrainResult, err error) {
	ctx, s := rc.startStage(ctx, StageTrain, "training", "training_status")
	defer func() { s.finish(ctx, err) }()

	err = s.recoverStage(ctx, func() error {
		var runErr error
		result, runErr = train(ctx, s, opts)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func train(ctx context.Context, s *stageRun, opts config.Train) (*TrainResult, error) {
	logger := s.logger
	tracker := s.rc.Tracker

	params := opts.Params
	params.Seed = opts.Seed
	if err := params.Validate(); err != nil {
		return nil, s.fail(ctx, errors.KindConfig, "", "Invalid hyperparameters", err)
	}
	logger.Info("Hyperparameters resolved", log.HyperParamsKey, params.Values())

	paramValues := make(map[string]string)
	for k, v := range params.Values() {
		paramValues[k] = fmt.Sprint(v)
	}
	if err := tracking.LogParams(ctx, tracker, paramValues); err != nil {
		return nil, s.track(ctx, err)
	}

	trainSet, err := loadPartition(ctx, s, "training", opts.TrainDataPath)
	if err != nil {
		return nil, err
	}
	validSet, err := loadPartition(ctx, s, "validation", opts.ValidDataPath)
	if err != nil {
		return nil, err
	}
	if trainSet.NFeatures() != validSet.NFeatures() {
		return nil, s.fail(ctx, errors.KindSchemaMismatch, "failed_data_load", "Feature count differs between partitions",
			errors.NewDimensionError("Train", trainSet.NFeatures(), validSet.NFeatures(), 1))
	}

	clf := booster.NewClassifier(params).WithLogger(logger)
	clf.SetFeatureNames(trainSet.FeatureNames)
	if opts.EncodersPath != "" {
		encoders, err := preprocessing.LoadEncoderSet(opts.EncodersPath)
		if err != nil {
			return nil, s.fail(ctx, errors.KindDataLoad, "failed_data_load", "Failed to load encoders", err, log.PathKey, opts.EncodersPath)
		}
		clf.SetEncoders(encoders)
	}

	logger.Info("Starting model training", log.SamplesKey, trainSet.NSamples(), log.FeaturesKey, trainSet.NFeatures())
	if err := clf.FitWithEval(trainSet.Features, trainSet.Labels, validSet.Features, validSet.Labels); err != nil {
		return nil, s.fail(ctx, errors.KindTraining, "failed_training", "Model training failed", err)
	}
	logger.Info("Model training completed", "trees", clf.NumTrees())
	s.span.SetAttributes(attribute.Int("model.trees", clf.NumTrees()))

	for step, loss := range clf.EvalHistory() {
		if err := tracker.LogMetric(ctx, "validation_logloss", loss, int64(step)); err != nil {
			return nil, s.track(ctx, err)
		}
	}

	if err := clf.Save(opts.ModelPath); err != nil {
		return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to save model", err, log.PathKey, opts.ModelPath)
	}
	logger.Info("Model saved", log.PathKey, opts.ModelPath)

	if opts.FeatureImportancePath != "" {
		if scores := clf.FeatureImportance(); len(scores) == 0 {
			logger.Warn("No split was made, skipping feature importance chart")
		} else {
			if err := report.SaveFeatureImportance(scores, 20, opts.FeatureImportancePath); err != nil {
				return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to render feature importance", err, log.PathKey, opts.FeatureImportancePath)
			}
			if err := tracker.LogArtifact(ctx, opts.FeatureImportancePath, "report"); err != nil {
				return nil, s.track(ctx, err)
			}
		}
	}

	proba, err := clf.PredictProba(validSet.Features)
	if err != nil {
		return nil, s.fail(ctx, errors.KindPrediction, "failed_prediction", "Prediction on validation data failed", err)
	}
	yPred := column(booster.LabelsFromProba(proba), 0)
	yScore := column(proba, 1)

	accuracy, err := metrics.Accuracy(validSet.Labels, yPred)
	if err != nil {
		return nil, s.fail(ctx, errors.KindMetrics, "failed_metrics_calculation", "Failed to compute accuracy", err)
	}
	auc, err := metrics.AUC(validSet.Labels, yScore)
	if err != nil {
		return nil, s.fail(ctx, errors.KindMetrics, "failed_metrics_calculation", "Failed to compute AUC", err)
	}
	logLoss, err := metrics.BinaryLogLoss(validSet.Labels, yScore)
	if err != nil {
		return nil, s.fail(ctx, errors.KindMetrics, "failed_metrics_calculation", "Failed to compute log loss", err)
	}
	errorRate, err := metrics.ClassificationError(validSet.Labels, yPred)
	if err != nil {
		return nil, s.fail(ctx, errors.KindMetrics, "failed_metrics_calculation", "Failed to compute error rate", err)
	}
	logger.Info("Model evaluation completed", log.AccuracyKey, accuracy, log.AUCKey, auc,
		"logloss", logLoss, "error_rate", errorRate)

	if err := writeHPOLines(s.rc.Stdout,
		hpoMetric{Name: "accuracy", Value: accuracy},
		hpoMetric{Name: "auc", Value: auc},
	); err != nil {
		return nil, s.fail(ctx, errors.KindPersist, "", "Failed to print metrics", err)
	}

	trainMetrics := TrainMetrics{Accuracy: accuracy, AUC: auc}
	if err := model.SaveJSON(trainMetrics, opts.MetricsOutputPath); err != nil {
		return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to save metrics", err, log.PathKey, opts.MetricsOutputPath)
	}
	logger.Info("Metrics saved", log.PathKey, opts.MetricsOutputPath)

	if err := tracking.LogMetrics(ctx, tracker, map[string]float64{
		"accuracy":   accuracy,
		"auc":        auc,
		"logloss":    logLoss,
		"error_rate": errorRate,
	}); err != nil {
		return nil, s.track(ctx, err)
	}
	if err := tracker.LogArtifact(ctx, opts.ModelPath, "model"); err != nil {
		return nil, s.track(ctx, err)
	}
	if opts.ModelArchivePath != "" {
		if err := archive.Create(opts.ModelArchivePath, opts.ModelPath); err != nil {
			return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to archive model", err, log.PathKey, opts.ModelArchivePath)
		}
		logger.Info("Model archived", log.PathKey, opts.ModelArchivePath)
		if err := tracker.LogArtifact(ctx, opts.ModelArchivePath, "model"); err != nil {
			return nil, s.track(ctx, err)
		}
	}
	if err := tracker.LogArtifact(ctx, opts.MetricsOutputPath, "metrics"); err != nil {
		return nil, s.track(ctx, err)
	}

	modelURI, err := modelURI(tracker, opts.ModelPath)
	if err != nil {
		return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to resolve model URI", err)
	}
	if opts.ModelURIOutputPath != "" {
		if err := writeTextFile(opts.ModelURIOutputPath, modelURI); err != nil {
			return nil, s.fail(ctx, errors.KindPersist, "failed_persist", "Failed to write model URI", err, log.PathKey, opts.ModelURIOutputPath)
		}
		logger.Info("Model URI written", log.PathKey, opts.ModelURIOutputPath, "model_uri", modelURI)
	}
	s.setStatus(ctx, "completed")

	return &TrainResult{Metrics: trainMetrics, ModelURI: modelURI, NumTrees: clf.NumTrees()}, nil
}

// loadPartition reads a partition and maps failures to input_not_found or
// data_load.
func loadPartition(ctx context.Context, s *stageRun, name, path string) (*dataset.Partition, error) {
	s.logger.Info("Loading "+name+" data", log.PathKey, path)
	p, err := dataset.LoadPartition(path)
	if err != nil {
		kind := errors.KindDataLoad
		if errors.Is(err, fs.ErrNotExist) {
			kind = errors.KindInputNotFound
		}
		return nil, s.fail(ctx, kind, "failed_data_load", "Failed to load "+name+" data", err, log.PathKey, path)
	}
	s.logger.Info(strings.ToUpper(name[:1])+name[1:]+" data loaded",
		log.SamplesKey, p.NSamples(), log.FeaturesKey, p.NFeatures())
	return p, nil
}

// modelURI is the tracked location of the model artifact, or the absolute
// model path when no tracking run is active.
func modelURI(tracker tracking.Tracker, modelPath string) (string, error) {
	if root := tracker.ArtifactURI(); root != "" {
		return strings.TrimSuffix(root, "/") + "/model", nil
	}
	return filepath.Abs(modelPath)
}

func writeTextFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	return os.WriteFile(path, []byte(content+"\n"), 0o644)
}

// column copies column j of m into a vector.
func column(m mat.Matrix, j int) *mat.VecDense {
	rows, _ := m.Dims()
	v := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		v.SetVec(i, m.At(i, j))
	}
	return v
}
