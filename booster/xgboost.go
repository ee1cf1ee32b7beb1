package booster

import (
	"bufio"
	"io"
	"os"

	"github.com/dmitryikh/leaves"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

var _ model.ProbabilisticClassifier = (*XGBoostModel)(nil)

// XGBoostModel wraps a native XGBoost binary model loaded through leaves.
// It only predicts; it cannot be trained or saved.
type XGBoostModel struct {
	ensemble *leaves.Ensemble
}

// LoadXGBoost reads a model saved by XGBoost in its binary format.
// The logistic transformation stored in the model is applied to predictions.
func LoadXGBoost(r io.Reader) (*XGBoostModel, error) {
	ensemble, err := leaves.XGEnsembleFromReader(bufio.NewReader(r), true)
	if err != nil {
		return nil, errors.NewModelError("LoadXGBoost", "failed to load XGBoost model", err)
	}
	return &XGBoostModel{ensemble: ensemble}, nil
}

// LoadXGBoostFile opens path and calls LoadXGBoost.
func LoadXGBoostFile(path string) (*XGBoostModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open model %s", path)
	}
	defer f.Close()
	return LoadXGBoost(f)
}

// NFeatures returns the number of features expected by the ensemble.
func (m *XGBoostModel) NFeatures() int {
	return m.ensemble.NFeatures()
}

// NumTrees returns the number of trees in the ensemble.
func (m *XGBoostModel) NumTrees() int {
	return m.ensemble.NEstimators()
}

// PredictProba returns an n×2 matrix: column 0 is P(y=0), column 1 is P(y=1).
func (m *XGBoostModel) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	rows, cols := X.Dims()
	if cols != m.NFeatures() {
		return nil, errors.NewDimensionError("XGBoostModel.PredictProba", m.NFeatures(), cols, 1)
	}
	proba := mat.NewDense(rows, 2, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, X)
		p := m.ensemble.PredictSingle(row, 0)
		proba.Set(i, 0, 1-p)
		proba.Set(i, 1, p)
	}
	return proba, nil
}

// Predict returns an n×1 matrix of 0/1 labels (P(y=1) > 0.5).
func (m *XGBoostModel) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := m.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return LabelsFromProba(proba), nil
}
