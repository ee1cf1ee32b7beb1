package booster

import (
	"io"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/core/model"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
	"github.com/YuminosukeSato/churnpipe/preprocessing"
)

// ModelType identifies models written by Classifier.Save.
const ModelType = "GBTreeClassifier"

var (
	_ model.ProbabilisticClassifier = (*Classifier)(nil)
	_ model.Fitter                  = (*Classifier)(nil)
	_ model.Persistable             = (*Classifier)(nil)
)

// Classifier is a binary gradient-boosted tree classifier.
type Classifier struct {
	state     *model.StateManager
	params    Params
	objective ObjectiveFunction
	logger    log.Logger

	featureNames []string
	encoders     *preprocessing.EncoderSet

	initScore   float64
	trees       []Tree
	evalHistory []float64
}

// NewClassifier creates an unfitted classifier.
func NewClassifier(params Params) *Classifier {
	return &Classifier{
		state:     model.NewStateManager(),
		params:    params,
		objective: NewBinaryLogistic(),
		logger:    log.Nop(),
	}
}

// WithLogger sets the logger used while training.
func (c *Classifier) WithLogger(logger log.Logger) *Classifier {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// SetFeatureNames records the feature column names stored with the model.
func (c *Classifier) SetFeatureNames(names []string) {
	c.featureNames = append([]string(nil), names...)
}

// FeatureNames returns the stored feature names, possibly nil.
func (c *Classifier) FeatureNames() []string {
	return c.featureNames
}

// SetEncoders embeds the preprocessing encoders into the model file.
func (c *Classifier) SetEncoders(set *preprocessing.EncoderSet) {
	c.encoders = set
}

// Encoders returns the embedded encoders, or nil.
func (c *Classifier) Encoders() *preprocessing.EncoderSet {
	return c.encoders
}

// Params returns the hyperparameters.
func (c *Classifier) Params() Params {
	return c.params
}

// Fit trains the model.
func (c *Classifier) Fit(X, y mat.Matrix) error {
	return c.FitWithEval(X, y, nil, nil)
}

// FitWithEval trains the model and reports the logloss on (Xv, yv) after every
// round. Xv and yv may be nil.
func (c *Classifier) FitWithEval(X, y, Xv, yv mat.Matrix) error {
	trainer := NewTrainer(c.params, c.logger)
	if Xv != nil && yv != nil {
		if err := trainer.SetEvalSet(Xv, yv); err != nil {
			return err
		}
	}
	if err := trainer.Fit(X, y); err != nil {
		return errors.NewModelError("Classifier.Fit", "training failed", err)
	}

	rows, cols := X.Dims()
	if c.featureNames != nil && len(c.featureNames) != cols {
		return errors.NewDimensionError("Classifier.Fit", len(c.featureNames), cols, 1)
	}

	c.initScore = trainer.InitScore()
	c.trees = trainer.Trees()
	c.evalHistory = trainer.EvalHistory()
	c.state.SetDimensions(cols, rows)
	c.state.SetFitted()
	return nil
}

// EvalHistory returns the validation logloss per round of the last fit.
func (c *Classifier) EvalHistory() []float64 {
	return c.evalHistory
}

// NumTrees returns the number of boosting rounds in the ensemble.
func (c *Classifier) NumTrees() int {
	return len(c.trees)
}

// NFeatures returns the number of features seen during fit.
func (c *Classifier) NFeatures() int {
	n, _ := c.state.GetDimensions()
	return n
}

// IsFitted reports whether the model holds trees.
func (c *Classifier) IsFitted() bool {
	return c.state.IsFitted()
}

// PredictMargin returns the raw scores before the sigmoid.
func (c *Classifier) PredictMargin(X mat.Matrix) ([]float64, error) {
	if err := c.state.RequireFitted(ModelType, "PredictMargin"); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	if cols != c.NFeatures() {
		return nil, errors.NewDimensionError("Classifier.Predict", c.NFeatures(), cols, 1)
	}

	margins := make([]float64, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, X)
		m := c.initScore
		for t := range c.trees {
			m += c.trees[t].Predict(row)
		}
		margins[i] = m
	}
	return margins, nil
}

// PredictProba returns an n×2 matrix: column 0 is P(y=0), column 1 is P(y=1).
func (c *Classifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	margins, err := c.PredictMargin(X)
	if err != nil {
		return nil, err
	}
	proba := mat.NewDense(len(margins), 2, nil)
	for i, m := range margins {
		p := c.objective.Transform(m)
		proba.Set(i, 0, 1-p)
		proba.Set(i, 1, p)
	}
	return proba, nil
}

// Predict returns an n×1 matrix of 0/1 labels (P(y=1) > 0.5).
func (c *Classifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := c.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return LabelsFromProba(proba), nil
}

// FeatureImportance returns the total split gain per feature, keyed by name
// (or "f<index>" when names are unknown), sorted by decreasing gain.
func (c *Classifier) FeatureImportance() []FeatureScore {
	gains := make([]float64, c.NFeatures())
	for t := range c.trees {
		c.trees[t].FeatureGain(gains)
	}

	scores := make([]FeatureScore, 0, len(gains))
	for i, g := range gains {
		if g == 0 {
			continue
		}
		scores = append(scores, FeatureScore{Feature: featureName(c.featureNames, i), Gain: g})
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].Gain > scores[b].Gain })
	return scores
}

// FeatureScore is one entry of FeatureImportance.
type FeatureScore struct {
	Feature string  `json:"feature"`
	Gain    float64 `json:"gain"`
}

// modelFile is the on-disk JSON layout.
type modelFile struct {
	model.ModelHeader
	Learner  learnerFile               `json:"learner"`
	Encoders *preprocessing.EncoderSet `json:"encoders,omitempty"`
}

type learnerFile struct {
	Objective   string  `json:"objective"`
	Params      Params  `json:"params"`
	BaseMargin  float64 `json:"base_margin"`
	NumFeatures int     `json:"num_features"`
	Trees       []Tree  `json:"trees"`
}

// Save writes the model as JSON to path.
func (c *Classifier) Save(path string) error {
	if err := c.state.RequireFitted(ModelType, "Save"); err != nil {
		return err
	}
	if err := model.SaveJSON(c.toFile(), path); err != nil {
		return errors.NewModelError("Classifier.Save", "persist failed", err)
	}
	return nil
}

// SaveTo writes the model as JSON to w.
func (c *Classifier) SaveTo(w io.Writer) error {
	if err := c.state.RequireFitted(ModelType, "SaveTo"); err != nil {
		return err
	}
	return model.SaveJSONToWriter(c.toFile(), w)
}

// Load reads a model written by Save.
func (c *Classifier) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open model %s", path)
	}
	defer f.Close()
	return c.LoadFrom(f)
}

// LoadFrom reads a model written by SaveTo.
func (c *Classifier) LoadFrom(r io.Reader) error {
	var mf modelFile
	if err := model.LoadJSONFromReader(&mf, r); err != nil {
		return errors.NewModelError("Classifier.Load", "decode failed", err)
	}
	if err := mf.ModelHeader.Validate(ModelType); err != nil {
		return errors.NewModelError("Classifier.Load", "invalid header", err)
	}
	if mf.Learner.Objective != ObjectiveBinaryLogistic {
		return errors.NewModelError("Classifier.Load", "unsupported objective "+mf.Learner.Objective, errors.ErrUnsupported)
	}
	if err := validateTrees(mf.Learner.Trees, mf.Learner.NumFeatures); err != nil {
		return errors.NewModelError("Classifier.Load", "corrupt tree", err)
	}
	if mf.Features != nil && len(mf.Features) != mf.Learner.NumFeatures {
		return errors.NewDimensionError("Classifier.Load", mf.Learner.NumFeatures, len(mf.Features), 1)
	}

	c.params = mf.Learner.Params
	c.objective = NewBinaryLogistic()
	c.initScore = mf.Learner.BaseMargin
	c.trees = mf.Learner.Trees
	c.featureNames = mf.Features
	c.encoders = mf.Encoders
	if c.logger == nil {
		c.logger = log.Nop()
	}

	nSamples := 0
	if v, ok := mf.Metadata["n_samples"].(float64); ok {
		nSamples = int(v)
	}
	if c.state == nil {
		c.state = model.NewStateManager()
	}
	c.state.SetDimensions(mf.Learner.NumFeatures, nSamples)
	c.state.SetFitted()
	return nil
}

func (c *Classifier) toFile() *modelFile {
	nFeatures, nSamples := c.state.GetDimensions()
	metadata := map[string]interface{}{
		"n_samples": nSamples,
		"n_trees":   len(c.trees),
	}
	if n := len(c.evalHistory); n > 0 {
		metadata["validation_logloss"] = c.evalHistory[n-1]
	}
	return &modelFile{
		ModelHeader: model.ModelHeader{
			ModelType:       ModelType,
			Version:         model.FormatVersion,
			Features:        c.featureNames,
			Hyperparameters: c.params.Values(),
			Metadata:        metadata,
			IsFitted:        true,
		},
		Learner: learnerFile{
			Objective:   c.objective.Name(),
			Params:      c.params,
			BaseMargin:  c.initScore,
			NumFeatures: nFeatures,
			Trees:       c.trees,
		},
		Encoders: c.encoders,
	}
}

func validateTrees(trees []Tree, nFeatures int) error {
	if len(trees) == 0 {
		return errors.NewValueError("validateTrees", "model has no trees")
	}
	for ti := range trees {
		nodes := trees[ti].Nodes
		if len(nodes) == 0 {
			return errors.NewValueError("validateTrees", "empty tree")
		}
		for ni, n := range nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= nFeatures {
				return errors.NewValueError("validateTrees", "feature index out of range")
			}
			// children always come after their parent
			if n.Left <= ni || n.Right <= ni || n.Left >= len(nodes) || n.Right >= len(nodes) {
				return errors.NewValueError("validateTrees", "child index out of range")
			}
		}
	}
	return nil
}

// LabelsFromProba thresholds column 1 of an n×2 probability matrix at 0.5.
func LabelsFromProba(proba mat.Matrix) *mat.Dense {
	rows, _ := proba.Dims()
	labels := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		if proba.At(i, 1) > 0.5 {
			labels.Set(i, 0, 1)
		}
	}
	return labels
}

func featureName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return "f" + strconv.Itoa(i)
}
