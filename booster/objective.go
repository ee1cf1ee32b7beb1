package booster

import "math"

// ObjectiveFunction defines the loss optimized by the trainer.
// prediction is always the raw margin.
type ObjectiveFunction interface {
	// CalculateGradient calculates the gradient for a single sample
	CalculateGradient(prediction, target float64) float64

	// CalculateHessian calculates the hessian for a single sample
	CalculateHessian(prediction, target float64) float64

	// CalculateLoss calculates the loss for a single sample
	CalculateLoss(prediction, target float64) float64

	// GetInitScore returns the initial margin for this objective
	GetInitScore(targets []float64) float64

	// Transform converts a margin into the model output
	Transform(margin float64) float64

	// Name returns the name of the objective
	Name() string
}

// BinaryLogistic implements the logistic loss for 0/1 targets.
type BinaryLogistic struct {
	// Hessians are clipped from below so that leaves stay finite.
	minHessian float64
}

// NewBinaryLogistic creates the binary:logistic objective.
func NewBinaryLogistic() *BinaryLogistic {
	return &BinaryLogistic{minHessian: 1e-16}
}

func (o *BinaryLogistic) CalculateGradient(prediction, target float64) float64 {
	return Sigmoid(prediction) - target
}

func (o *BinaryLogistic) CalculateHessian(prediction, target float64) float64 {
	p := Sigmoid(prediction)
	return math.Max(p*(1-p), o.minHessian)
}

func (o *BinaryLogistic) CalculateLoss(prediction, target float64) float64 {
	// log(1+exp(m)) - y*m, written to avoid overflow
	if prediction > 0 {
		return prediction + math.Log1p(math.Exp(-prediction)) - target*prediction
	}
	return math.Log1p(math.Exp(prediction)) - target*prediction
}

// GetInitScore returns logit(mean(targets)), clipped away from 0 and 1.
func (o *BinaryLogistic) GetInitScore(targets []float64) float64 {
	if len(targets) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, t := range targets {
		sum += t
	}
	p := sum / float64(len(targets))
	const eps = 1e-6
	p = math.Min(math.Max(p, eps), 1-eps)
	return math.Log(p / (1 - p))
}

func (o *BinaryLogistic) Transform(margin float64) float64 {
	return Sigmoid(margin)
}

func (o *BinaryLogistic) Name() string {
	return ObjectiveBinaryLogistic
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
