// Package log defines standard attribute keys for pipeline operations.
//
// Using these keys keeps the three stages' logs queryable with the same
// filters. Keys follow a hierarchical naming convention ("data.samples",
// "tracking.run_id").

package log

// Pipeline context
const (
	// StageKey identifies the pipeline stage: "preprocess", "train", "evaluate".
	StageKey = "ml.stage"

	// OperationKey specifies the operation being performed inside a stage.
	// Examples: "read_csv", "label_encode", "split", "fit", "predict_proba"
	OperationKey = "ml.operation"

	// ComponentKey identifies which package is performing the operation.
	ComponentKey = "ml.component"

	// ModelNameKey identifies the type of model. Example: "gbtree"
	ModelNameKey = "model.name"

	// PathKey records a file path read or written by the operation.
	PathKey = "io.path"
)

// Data shape
const (
	// SamplesKey indicates the number of rows in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of feature columns.
	FeaturesKey = "data.features"

	// ColumnKey names a single column.
	ColumnKey = "data.column"

	// ColumnsKey lists column names.
	ColumnsKey = "data.columns"

	// TrainSamplesKey and TestSamplesKey describe the split outcome.
	TrainSamplesKey = "data.train_samples"
	TestSamplesKey  = "data.test_samples"
)

// Performance and metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// AccuracyKey records model accuracy.
	AccuracyKey = "metrics.accuracy"

	// AUCKey records the area under the ROC curve.
	AUCKey = "metrics.auc"

	// LossKey records loss value during training or evaluation.
	LossKey = "metrics.loss"

	// IterationKey records the current boosting round.
	IterationKey = "training.iteration"
)

// Hyperparameters and configuration
const (
	// HyperParamsKey contains model hyperparameters as a structured object.
	HyperParamsKey = "model.hyperparams"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"

	// SplitRatioKey records the test split ratio.
	SplitRatioKey = "config.test_split_ratio"
)

// Tracking service
const (
	// ExperimentKey names the tracking experiment.
	ExperimentKey = "tracking.experiment"

	// RunIDKey identifies the tracking run.
	RunIDKey = "tracking.run_id"

	// TrackingURIKey records the tracking endpoint.
	TrackingURIKey = "tracking.uri"
)

// Error context
const (
	// ErrorTypeKey categorizes the type of error encountered.
	ErrorTypeKey = "error.type"

	// ErrorKindKey carries the StageError kind.
	ErrorKindKey = "error.kind"
)
