package booster

import (
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// ObjectiveBinaryLogistic is the only supported objective.
const ObjectiveBinaryLogistic = "binary:logistic"

// Environment variables read by ParamsFromEnv.
const (
	EnvMaxDepth       = "SM_HP_MAX_DEPTH"
	EnvEta            = "SM_HP_ETA"
	EnvMinChildWeight = "SM_HP_MIN_CHILD_WEIGHT"
	EnvSubsample      = "SM_HP_SUBSAMPLE"
	EnvNumRound       = "SM_HP_NUM_ROUND"
)

// Params contains the training hyperparameters.
type Params struct {
	// Maximum depth of a tree. 0 means unlimited.
	MaxDepth int `json:"max_depth" yaml:"max_depth" validate:"gte=0"`
	// Learning rate applied to every leaf value.
	Eta float64 `json:"eta" yaml:"eta" validate:"gt=0,lte=1"`
	// Minimum sum of hessians required in each child.
	MinChildWeight float64 `json:"min_child_weight" yaml:"min_child_weight" validate:"gte=0"`
	// Fraction of rows sampled (without replacement) for each tree.
	Subsample float64 `json:"subsample" yaml:"subsample" validate:"gt=0,lte=1"`
	// Number of boosting rounds.
	NumRound int `json:"num_round" yaml:"num_round" validate:"gte=1"`

	// L2 regularization on leaf weights.
	Lambda float64 `json:"lambda" yaml:"lambda" validate:"gte=0"`
	// Minimum loss reduction required to make a split.
	Gamma float64 `json:"gamma" yaml:"gamma" validate:"gte=0"`

	Objective string `json:"objective" yaml:"objective"`
	// Seed for row subsampling.
	Seed int64 `json:"seed" yaml:"seed"`
}

// DefaultParams returns the defaults used when no SM_HP_* variable is set.
func DefaultParams() Params {
	return Params{
		MaxDepth:       5,
		Eta:            0.2,
		MinChildWeight: 1,
		Subsample:      0.8,
		NumRound:       100,
		Lambda:         1,
		Gamma:          0,
		Objective:      ObjectiveBinaryLogistic,
	}
}

// ParamsFromEnv starts from DefaultParams and overrides every value whose
// SM_HP_* variable is set. Integer parameters accept float notation ("5.0").
//
// lookup is usually os.LookupEnv.
func ParamsFromEnv(lookup func(string) (string, bool)) (Params, error) {
	p := DefaultParams()
	if err := p.ApplyEnv(lookup); err != nil {
		return Params{}, err
	}
	return p, nil
}

// ApplyEnv overrides p with the SM_HP_* variables found through lookup.
func (p *Params) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMaxDepth); ok {
		n, err := parseIntLike(EnvMaxDepth, v)
		if err != nil {
			return err
		}
		p.MaxDepth = n
	}
	if v, ok := lookup(EnvEta); ok {
		f, err := parseFloat(EnvEta, v)
		if err != nil {
			return err
		}
		p.Eta = f
	}
	if v, ok := lookup(EnvMinChildWeight); ok {
		f, err := parseFloat(EnvMinChildWeight, v)
		if err != nil {
			return err
		}
		p.MinChildWeight = f
	}
	if v, ok := lookup(EnvSubsample); ok {
		f, err := parseFloat(EnvSubsample, v)
		if err != nil {
			return err
		}
		p.Subsample = f
	}
	if v, ok := lookup(EnvNumRound); ok {
		n, err := parseIntLike(EnvNumRound, v)
		if err != nil {
			return err
		}
		p.NumRound = n
	}
	return nil
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.MaxDepth < 0:
		return errors.NewValidationError("max_depth", "must be >= 0", p.MaxDepth)
	case !(p.Eta > 0 && p.Eta <= 1):
		return errors.NewValidationError("eta", "must be in (0, 1]", p.Eta)
	case p.MinChildWeight < 0 || math.IsNaN(p.MinChildWeight):
		return errors.NewValidationError("min_child_weight", "must be >= 0", p.MinChildWeight)
	case !(p.Subsample > 0 && p.Subsample <= 1):
		return errors.NewValidationError("subsample", "must be in (0, 1]", p.Subsample)
	case p.NumRound < 1:
		return errors.NewValidationError("num_round", "must be >= 1", p.NumRound)
	case p.Lambda < 0 || math.IsNaN(p.Lambda):
		return errors.NewValidationError("lambda", "must be >= 0", p.Lambda)
	case p.Gamma < 0 || math.IsNaN(p.Gamma):
		return errors.NewValidationError("gamma", "must be >= 0", p.Gamma)
	case p.Objective != ObjectiveBinaryLogistic:
		return errors.NewValidationError("objective", "only "+ObjectiveBinaryLogistic+" is supported", p.Objective)
	}
	return nil
}

// Values returns the parameters keyed by their XGBoost names.
func (p Params) Values() map[string]interface{} {
	return map[string]interface{}{
		"max_depth":        p.MaxDepth,
		"eta":              p.Eta,
		"min_child_weight": p.MinChildWeight,
		"subsample":        p.Subsample,
		"num_round":        p.NumRound,
		"lambda":           p.Lambda,
		"gamma":            p.Gamma,
		"objective":        p.Objective,
		"seed":             p.Seed,
	}
}

func parseFloat(name, v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.NewValidationError(name, "must be a number", v)
	}
	return f, nil
}

// parseIntLike accepts "5" and "5.0" and truncates like int(float(v)).
func parseIntLike(name, v string) (int, error) {
	f, err := parseFloat(name, v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.NewValidationError(name, "must be finite", v)
	}
	return int(f), nil
}
