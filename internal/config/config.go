// Package config resolves stage options from defaults, a YAML file, a dotenv
// file, environment variables and command-line flags.
//
// Precedence, lowest first: defaults, YAML file, environment (a dotenv file
// only fills variables that are not already set), explicitly set flags.
package config

import (
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/churnpipe/booster"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// Environment variables read by ApplyEnv in addition to booster's SM_HP_*.
const (
	EnvTrackingURI    = "MLFLOW_TRACKING_URI"
	EnvTrackingToken  = "MLFLOW_TRACKING_TOKEN"
	EnvGCSCredentials = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvInfluxURL      = "INFLUXDB_URL"
	EnvInfluxToken    = "INFLUXDB_TOKEN"
	EnvInfluxOrg      = "INFLUXDB_ORG"
	EnvInfluxBucket   = "INFLUXDB_BUCKET"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
)

// DefaultExperiment is the tracking experiment used by all stages.
const DefaultExperiment = "Churn_Prediction_XGBoost"

const (
	defaultInfluxOrg    = "churnpipe"
	defaultInfluxBucket = "ml-metrics"
)

// Config holds the options of every stage. Only the section of the running
// stage is validated.
type Config struct {
	Common     `yaml:",inline"`
	Preprocess Preprocess `yaml:"preprocess"`
	Train      Train      `yaml:"train"`
	Evaluate   Evaluate   `yaml:"evaluate"`
}

// Common options shared by all stages.
type Common struct {
	ExperimentName     string `yaml:"mlflow_experiment_name" validate:"required"`
	TrackingURI        string `yaml:"tracking_uri"`
	TrackingToken      string `yaml:"tracking_token"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat   string `yaml:"log_format" validate:"oneof=json console cloud"`
	TraceOutput string `yaml:"trace_output"`

	PrometheusTextfile string `yaml:"prometheus_textfile"`
	Influx             Influx `yaml:"influxdb"`
}

// Influx configures the InfluxDB metric sink. Empty URL disables it.
type Influx struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required_with=URL"`
	Bucket string `yaml:"bucket" validate:"required_with=URL"`
}

// Preprocess options.
type Preprocess struct {
	InputDataPath      string   `yaml:"input_data_path" validate:"required"`
	OutputTrainPath    string   `yaml:"output_train_path" validate:"required"`
	OutputTestPath     string   `yaml:"output_test_path" validate:"required"`
	OutputEncodersPath string   `yaml:"output_encoders_path"`
	TestSplitRatio     float64  `yaml:"test_split_ratio" validate:"gt=0,lt=1"`
	RandomState        int64    `yaml:"random_state"`
	IDColumn           string   `yaml:"id_column"`
	LabelColumn        string   `yaml:"label_column" validate:"required"`
	NumericColumns     []string `yaml:"numeric_columns"`
}

// Train options. Params.Seed is taken from Seed.
type Train struct {
	TrainDataPath      string         `yaml:"train_data_path" validate:"required"`
	ValidDataPath      string         `yaml:"valid_data_path" validate:"required"`
	ModelPath          string         `yaml:"model_path" validate:"required"`
	ModelArchivePath   string         `yaml:"model_archive_path"`
	MetricsOutputPath  string         `yaml:"metrics_output_path" validate:"required"`
	ModelURIOutputPath string         `yaml:"model_uri_output_path"`
	EncodersPath       string         `yaml:"encoders_path"`
	Seed               int64          `yaml:"seed"`
	Params             booster.Params `yaml:"hyperparameters"`

	// FeatureImportancePath receives a gain bar chart when set.
	FeatureImportancePath string `yaml:"feature_importance_path"`
}

// Evaluate options.
type Evaluate struct {
	ModelPath         string `yaml:"model_path" validate:"required"`
	ValidDataPath     string `yaml:"valid_data_path" validate:"required"`
	MetricsOutputPath string `yaml:"metrics_output_path" validate:"required"`
	ROCCurvePath      string `yaml:"roc_curve_path"`
	TrainingRunID     string `yaml:"training_run_id"`
	PrintMetrics      bool   `yaml:"print_metrics"`
	// ExtractDir receives archived models. Empty means a temporary directory.
	ExtractDir string `yaml:"extract_dir"`
}

// Default returns the managed-pipeline defaults.
func Default() *Config {
	return &Config{
		Common: Common{
			ExperimentName: DefaultExperiment,
			LogLevel:       "info",
			LogFormat:      "json",
			Influx:         Influx{Org: defaultInfluxOrg, Bucket: defaultInfluxBucket},
		},
		Preprocess: Preprocess{
			InputDataPath:      "/opt/ml/processing/input/WA_Fn-UseC_-Telco-Customer-Churn.csv",
			OutputTrainPath:    "/opt/ml/processing/output/train/train.csv",
			OutputTestPath:     "/opt/ml/processing/output/test/test.csv",
			OutputEncodersPath: "/opt/ml/processing/output/encoders/encoders.json",
			TestSplitRatio:     0.2,
			RandomState:        42,
			IDColumn:           "customerID",
			LabelColumn:        "Churn",
			NumericColumns:     []string{"TotalCharges"},
		},
		Train: Train{
			TrainDataPath:      "/opt/ml/input/data/train/train.csv",
			ValidDataPath:      "/opt/ml/input/data/validation/test.csv",
			ModelPath:          "/opt/ml/model/xgboost-model",
			MetricsOutputPath:  "/opt/ml/output/metrics.json",
			ModelURIOutputPath: "/opt/ml/output/model_uri.txt",
			Params:             booster.DefaultParams(),
		},
		Evaluate: Evaluate{
			ModelPath:         "/opt/ml/processing/model/model.tar.gz",
			ValidDataPath:     "/opt/ml/processing/test/test.csv",
			MetricsOutputPath: "/opt/ml/processing/evaluation/evaluation.json",
		},
	}
}

// LoadOptions selects the optional sources read by Load.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load builds a Config from defaults, the YAML file and the environment.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, errors.Wrapf(err, "load env file %s", opts.EnvFile)
		}
	}
	if opts.ConfigFile != "" {
		if err := cfg.LoadFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML file over c. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open config file %s", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// ApplyEnv overrides c with the environment variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str(EnvTrackingURI, &c.TrackingURI)
	str(EnvTrackingToken, &c.TrackingToken)
	str(EnvGCSCredentials, &c.GCSCredentialsFile)
	str(EnvInfluxURL, &c.Influx.URL)
	str(EnvInfluxToken, &c.Influx.Token)
	str(EnvInfluxOrg, &c.Influx.Org)
	str(EnvInfluxBucket, &c.Influx.Bucket)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)
	c.LogLevel = strings.ToLower(c.LogLevel)

	return c.Train.Params.ApplyEnv(lookup)
}

// Stage names accepted by Validate.
const (
	StagePreprocess = "preprocess"
	StageTrain      = "train"
	StageEvaluate   = "evaluate"
)

// Validate checks the common options and the section of stage.
func (c *Config) Validate(stage string) error {
	if err := validateStruct(&c.Common); err != nil {
		return err
	}
	switch stage {
	case StagePreprocess:
		return validateStruct(&c.Preprocess)
	case StageTrain:
		if err := validateStruct(&c.Train); err != nil {
			return err
		}
		return c.Train.Params.Validate()
	case StageEvaluate:
		return validateStruct(&c.Evaluate)
	default:
		return errors.NewValidationError("stage", "unknown stage", stage)
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report the YAML key in errors
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func validateStruct(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		return errors.NewValidationError(fe.Field(), "violates "+rule, fe.Value())
	}
	return errors.Wrap(err, "validate config")
}
