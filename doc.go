// Package churnpipe is a three-stage customer churn prediction pipeline for
// the Telco customer data set: preprocess, train and evaluate.
//
// Each stage is a subcommand of cmd/churnpipe and can run standalone inside a
// managed ML job. Stages exchange CSV files, a model file and JSON metric
// files, and record parameters, metrics, tags and artifacts to an MLflow
// compatible tracking server or to a local store.
//
// # Quick Start
//
//	go install github.com/YuminosukeSato/churnpipe/cmd/churnpipe@latest
//
//	churnpipe preprocess \
//	    --input-data-path data/telco.csv \
//	    --output-train-path out/train/train.csv \
//	    --output-test-path out/test/test.csv
//
//	SM_HP_MAX_DEPTH=5 SM_HP_ETA=0.2 SM_HP_NUM_ROUND=100 churnpipe train \
//	    --train-data-path out/train/train.csv \
//	    --valid-data-path out/test/test.csv \
//	    --model-path out/model/xgboost-model \
//	    --model-archive-path out/model/model.tar.gz
//
//	churnpipe evaluate \
//	    --model-path out/model/model.tar.gz \
//	    --valid-data-path out/test/test.csv \
//	    --metrics-output-path out/evaluation/evaluation.json
//
// The train stage prints "validation:accuracy: <v>" and "validation:auc: <v>"
// to stdout for hyperparameter tuners. Logs always go to stderr.
//
// # Packages
//
//   - pipeline: the three stages and the RunContext they share
//   - dataset: CSV frames and labelled partitions
//   - preprocessing: numeric coercion, label encoding and the seeded split
//   - booster: gradient-boosted tree classifier and model loading
//   - metrics: binary classification metrics
//   - tracking: experiment tracking clients and metric sinks
//   - report: PNG charts (ROC curve, feature importance)
//   - internal/config: option resolution from flags, YAML and environment
//   - internal/telemetry: OpenTelemetry stage spans
//   - core/model: estimator interfaces and JSON persistence
//   - core/parallel: range-partitioned parallel loops
//   - pkg/archive: tar.gz model archives
//   - pkg/errors, pkg/log: error types and structured logging
//
// # Tracking
//
// MLFLOW_TRACKING_URI selects the tracking backend. http(s) URLs use the
// MLflow REST API, file: URIs and plain paths use an embedded badger store,
// and an unset variable falls back to ./mlruns.
package churnpipe
