package booster

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/preprocessing"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParamsFromEnv_Defaults(t *testing.T) {
	p, err := ParamsFromEnv(envFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxDepth)
	assert.Equal(t, 0.2, p.Eta)
	assert.Equal(t, 1.0, p.MinChildWeight)
	assert.Equal(t, 0.8, p.Subsample)
	assert.Equal(t, 100, p.NumRound)
	assert.Equal(t, ObjectiveBinaryLogistic, p.Objective)
	assert.NoError(t, p.Validate())
}

func TestParamsFromEnv_Overrides(t *testing.T) {
	p, err := ParamsFromEnv(envFrom(map[string]string{
		EnvMaxDepth:       "3.0",
		EnvEta:            "0.3",
		EnvMinChildWeight: "2",
		EnvSubsample:      "1",
		EnvNumRound:       "10",
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxDepth)
	assert.Equal(t, 0.3, p.Eta)
	assert.Equal(t, 2.0, p.MinChildWeight)
	assert.Equal(t, 1.0, p.Subsample)
	assert.Equal(t, 10, p.NumRound)
}

func TestParamsFromEnv_Invalid(t *testing.T) {
	_, err := ParamsFromEnv(envFrom(map[string]string{EnvEta: "fast"}))
	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, EnvEta, ve.ParamName)
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"negative depth", func(p *Params) { p.MaxDepth = -1 }},
		{"zero eta", func(p *Params) { p.Eta = 0 }},
		{"subsample above one", func(p *Params) { p.Subsample = 1.5 }},
		{"no rounds", func(p *Params) { p.NumRound = 0 }},
		{"negative lambda", func(p *Params) { p.Lambda = -1 }},
		{"objective", func(p *Params) { p.Objective = "reg:squarederror" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestBinaryLogistic(t *testing.T) {
	obj := NewBinaryLogistic()
	assert.InDelta(t, -0.5, obj.CalculateGradient(0, 1), 1e-12)
	assert.InDelta(t, 0.25, obj.CalculateHessian(0, 1), 1e-12)
	assert.InDelta(t, math.Log(2), obj.CalculateLoss(0, 0), 1e-12)
	assert.InDelta(t, 0.0, obj.GetInitScore([]float64{0, 1}), 1e-12)
	assert.False(t, math.IsInf(obj.CalculateLoss(1000, 0), 0))
	assert.InDelta(t, 1.0, Sigmoid(50), 1e-12)
	assert.InDelta(t, 0.0, Sigmoid(-50), 1e-12)
}

func TestTreePredict(t *testing.T) {
	tree := Tree{Nodes: []Node{
		{Feature: 0, Threshold: 0.5, DefaultLeft: true, Left: 1, Right: 2},
		{Leaf: true, Value: -1},
		{Leaf: true, Value: 1},
	}}
	assert.Equal(t, -1.0, tree.Predict([]float64{0.2}))
	assert.Equal(t, 1.0, tree.Predict([]float64{0.5}))
	assert.Equal(t, -1.0, tree.Predict([]float64{math.NaN()}))
	assert.Equal(t, 2, tree.NumLeaves())
	assert.Equal(t, 1, tree.Depth())
}

// thresholdData returns n rows with two features; y = 1 when x0 > 0.5.
func thresholdData(n int) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(n, 2, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x0 := float64(i) / float64(n)
		X.Set(i, 0, x0)
		X.Set(i, 1, float64(i%7))
		if x0 > 0.5 {
			y.SetVec(i, 1)
		}
	}
	return X, y
}

func smallParams() Params {
	p := DefaultParams()
	p.MaxDepth = 3
	p.Eta = 0.3
	p.NumRound = 10
	return p
}

func TestClassifier_FitPredict(t *testing.T) {
	X, y := thresholdData(200)

	clf := NewClassifier(smallParams())
	require.NoError(t, clf.Fit(X, y))
	assert.Equal(t, 10, clf.NumTrees())
	assert.Equal(t, 2, clf.NFeatures())

	pred, err := clf.Predict(X)
	require.NoError(t, err)
	correct := 0
	for i := 0; i < 200; i++ {
		if pred.At(i, 0) == y.AtVec(i) {
			correct++
		}
	}
	assert.GreaterOrEqual(t, correct, 195)

	proba, err := clf.PredictProba(X)
	require.NoError(t, err)
	r, c := proba.Dims()
	assert.Equal(t, 200, r)
	assert.Equal(t, 2, c)
	for i := 0; i < r; i++ {
		assert.InDelta(t, 1.0, proba.At(i, 0)+proba.At(i, 1), 1e-12)
	}

	importance := clf.FeatureImportance()
	require.NotEmpty(t, importance)
	assert.Equal(t, "f0", importance[0].Feature)
}

func TestClassifier_Deterministic(t *testing.T) {
	X, y := thresholdData(150)
	p := smallParams()
	p.Seed = 7

	a := NewClassifier(p)
	require.NoError(t, a.Fit(X, y))
	b := NewClassifier(p)
	require.NoError(t, b.Fit(X, y))

	pa, err := a.PredictProba(X)
	require.NoError(t, err)
	pb, err := b.PredictProba(X)
	require.NoError(t, err)
	assert.True(t, mat.Equal(pa, pb))
}

func TestClassifier_MissingValuesDefaultDirection(t *testing.T) {
	n := 120
	X := mat.NewDense(n, 1, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		switch {
		case i%3 == 0:
			X.Set(i, 0, math.NaN())
			y.SetVec(i, 1)
		default:
			X.Set(i, 0, float64(i))
		}
	}

	p := smallParams()
	p.Subsample = 1
	clf := NewClassifier(p)
	require.NoError(t, clf.Fit(X, y))

	proba, err := clf.PredictProba(mat.NewDense(2, 1, []float64{math.NaN(), 10}))
	require.NoError(t, err)
	assert.Greater(t, proba.At(0, 1), 0.5)
	assert.Less(t, proba.At(1, 1), 0.5)
}

func TestClassifier_EvalHistoryLogged(t *testing.T) {
	X, y := thresholdData(100)
	logger, _ := log.NewTestLogger(log.LevelDebug)

	clf := NewClassifier(smallParams()).WithLogger(logger)
	require.NoError(t, clf.FitWithEval(X, y, X, y))

	history := clf.EvalHistory()
	require.Len(t, history, 10)
	assert.Less(t, history[9], history[0])
	assert.True(t, logger.ContainsMessage("Boosting round"))
	assert.True(t, logger.ContainsField(log.IterationKey, 9.0))
}

func TestClassifier_Errors(t *testing.T) {
	clf := NewClassifier(smallParams())

	_, err := clf.Predict(mat.NewDense(1, 2, nil))
	var nf *errors.NotFittedError
	assert.True(t, errors.As(err, &nf))

	X, y := thresholdData(50)
	require.NoError(t, clf.Fit(X, y))

	_, err = clf.Predict(mat.NewDense(1, 3, nil))
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))

	bad := mat.NewVecDense(50, nil)
	bad.SetVec(0, 2)
	assert.Error(t, NewClassifier(smallParams()).Fit(X, bad))

	p := smallParams()
	p.Eta = 0
	assert.Error(t, NewClassifier(p).Fit(X, y))
}

func TestClassifier_SaveLoad(t *testing.T) {
	X, y := thresholdData(120)

	clf := NewClassifier(smallParams())
	clf.SetFeatureNames([]string{"tenure", "Contract"})
	clf.SetEncoders(&preprocessing.EncoderSet{
		Version:     preprocessing.EncoderSetVersion,
		LabelColumn: "Churn",
		Columns:     []preprocessing.ColumnEncoding{{Name: "Contract", Classes: []string{"Month-to-month", "One year"}}},
	})
	require.NoError(t, clf.Fit(X, y))

	path := filepath.Join(t.TempDir(), "model", "xgboost-model")
	require.NoError(t, clf.Save(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	restored, ok := loaded.(*Classifier)
	require.True(t, ok)

	assert.Equal(t, []string{"tenure", "Contract"}, restored.FeatureNames())
	require.NotNil(t, restored.Encoders())
	assert.Equal(t, "Churn", restored.Encoders().LabelColumn)
	assert.Equal(t, clf.Params(), restored.Params())

	want, err := clf.PredictProba(X)
	require.NoError(t, err)
	got, err := restored.PredictProba(X)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, got, 1e-12))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(strings.NewReader(""))
	assert.Error(t, err)

	_, err = Load(strings.NewReader(`{"model_type":"Other","version":"1","is_fitted":true}`))
	assert.Error(t, err)

	_, err = Load(bytes.NewReader([]byte{0x00, 0x01, 0x02, 0x03}))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSaveUnfitted(t *testing.T) {
	clf := NewClassifier(DefaultParams())
	assert.Error(t, clf.Save(filepath.Join(t.TempDir(), "m.json")))
}
