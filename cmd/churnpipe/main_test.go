package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTelcoCSV(t *testing.T, path string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("customerID,gender,tenure,Contract,MonthlyCharges,TotalCharges,Churn\n")
	for i := 0; i < n; i++ {
		tenure := (i*5)%60 + 1
		contract := []string{"Month-to-month", "One year", "Two year"}[i%3]
		churn := "No"
		if contract == "Month-to-month" && tenure < 30 {
			churn = "Yes"
		}
		total := fmt.Sprintf("%.2f", 55.5*float64(tenure))
		if i == 7 {
			total = ""
		}
		fmt.Fprintf(&b, "C%03d,%s,%d,%s,55.50,%s,%s\n", i, []string{"Male", "Female"}[i%2], tenure, contract, total, churn)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestPipelineCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MLFLOW_TRACKING_URI", "file://"+filepath.Join(dir, "mlruns"))
	t.Setenv("SM_HP_NUM_ROUND", "5")
	t.Setenv("SM_HP_MAX_DEPTH", "3")

	raw := filepath.Join(dir, "input", "telco.csv")
	writeTelcoCSV(t, raw, 60)

	train := filepath.Join(dir, "train", "train.csv")
	test := filepath.Join(dir, "test", "test.csv")
	encoders := filepath.Join(dir, "encoders", "encoders.json")
	code, _, stderr := execute(t, "preprocess",
		"--input-data-path", raw,
		"--output-train-path", train,
		"--output-test-path", test,
		"--output-encoders-path", encoders,
		"--test-split-ratio", "0.25",
	)
	require.Equal(t, 0, code, stderr)

	model := filepath.Join(dir, "model", "xgboost-model")
	archive := filepath.Join(dir, "model", "model.tar.gz")
	code, stdout, stderr := execute(t, "train",
		"--train-data-path", train,
		"--valid-data-path", test,
		"--model-path", model,
		"--model-archive-path", archive,
		"--metrics-output-path", filepath.Join(dir, "output", "metrics.json"),
		"--model-uri-output-path", filepath.Join(dir, "output", "model_uri.txt"),
		"--encoders-path", encoders,
		"--log-format", "console",
	)
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "validation:accuracy: "))
	assert.True(t, strings.HasPrefix(lines[1], "validation:auc: "))
	assert.NotContains(t, stdout, "Model saved", "logs go to stderr")

	uri, err := os.ReadFile(filepath.Join(dir, "output", "model_uri.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(uri)), "/model"))

	evaluation := filepath.Join(dir, "evaluation", "evaluation.json")
	code, stdout, stderr = execute(t, "evaluate",
		"--model-path", archive,
		"--valid-data-path", test,
		"--metrics-output-path", evaluation,
		"--extract-dir", filepath.Join(dir, "extract"),
	)
	require.Equal(t, 0, code, stderr)
	assert.Empty(t, stdout)
	_, err = os.Stat(evaluation)
	assert.NoError(t, err)
}

func TestEvaluateMissingModelExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MLFLOW_TRACKING_URI", "file://"+filepath.Join(dir, "mlruns"))

	evaluation := filepath.Join(dir, "evaluation", "evaluation.json")
	code, _, stderr := execute(t, "evaluate",
		"--model-path", filepath.Join(dir, "missing", "model.tar.gz"),
		"--valid-data-path", filepath.Join(dir, "test.csv"),
		"--metrics-output-path", evaluation,
	)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "model_load")

	_, err := os.Stat(evaluation)
	assert.True(t, os.IsNotExist(err))
}

func TestUnusableTrackingStoreDisablesTracking(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	// the store directory cannot be created below a regular file
	t.Setenv("MLFLOW_TRACKING_URI", "file://"+filepath.Join(blocker, "mlruns"))

	raw := filepath.Join(dir, "input", "telco.csv")
	writeTelcoCSV(t, raw, 20)
	train := filepath.Join(dir, "train", "train.csv")

	code, _, stderr := execute(t, "preprocess",
		"--input-data-path", raw,
		"--output-train-path", train,
		"--output-test-path", filepath.Join(dir, "test", "test.csv"),
		"--output-encoders-path", "",
	)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "tracking disabled")

	_, err := os.Stat(train)
	assert.NoError(t, err)
}

func TestInvalidOptions(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MLFLOW_TRACKING_URI", "file://"+filepath.Join(dir, "mlruns"))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"ratio out of range", []string{"preprocess", "--test-split-ratio", "1.5"}, "test_split_ratio"},
		{"unknown log level", []string{"preprocess", "--log-level", "verbose"}, "log_level"},
		{"unknown flag", []string{"train", "--bogus"}, "unknown flag"},
		{"unknown command", []string{"deploy"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(t, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestFlagOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOG_LEVEL", "")
	configFile := filepath.Join(dir, "churnpipe.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
log_level: debug
preprocess:
  test_split_ratio: 0.3
  random_state: 7
  numeric_columns: [TotalCharges, MonthlyCharges]
`), 0o644))

	c := newCLI(&bytes.Buffer{}, &bytes.Buffer{})
	root := c.rootCmd()
	cmd, _, err := root.Find([]string{"preprocess"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--config", configFile, "--random-state", "11"}))

	cfg, err := c.resolve(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 0.3, cfg.Preprocess.TestSplitRatio)
	assert.Equal(t, int64(11), cfg.Preprocess.RandomState)
	assert.Equal(t, []string{"TotalCharges", "MonthlyCharges"}, cfg.Preprocess.NumericColumns)
	assert.Equal(t, "Churn", cfg.Preprocess.LabelColumn)
}
