package booster

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/churnpipe/core/parallel"
	"github.com/YuminosukeSato/churnpipe/pkg/errors"
	"github.com/YuminosukeSato/churnpipe/pkg/log"
)

// featureParallelThreshold is the feature count from which split search
// runs on several goroutines.
const featureParallelThreshold = 4

// Trainer implements exact greedy gradient boosting for one dataset.
type Trainer struct {
	params    Params
	objective ObjectiveFunction
	logger    log.Logger

	// Data
	X     *mat.Dense
	y     []float64
	nRows int
	nCols int

	// Per feature: rows with a value, sorted by value, and rows without one.
	orderedIdx [][]int
	missingIdx [][]int

	// Gradient and Hessian
	gradients []float64
	hessians  []float64

	// Current raw margin of every training row.
	margins   []float64
	initScore float64

	trees []Tree
	rng   *rand.Rand

	eval *evalSet
	// evalHistory holds the validation logloss after each round.
	evalHistory []float64
}

type evalSet struct {
	X       *mat.Dense
	y       []float64
	margins []float64
}

// SplitInfo contains information about a candidate split.
type SplitInfo struct {
	Feature     int
	Threshold   float64
	Gain        float64
	DefaultLeft bool
	LeftGrad    float64
	LeftHess    float64
	RightGrad   float64
	RightHess   float64

	valid bool
}

// growNode is a node that may still be split.
type growNode struct {
	id    int
	depth int
	sumG  float64
	sumH  float64
}

// NewTrainer creates a trainer. A nil logger disables logging.
func NewTrainer(params Params, logger log.Logger) *Trainer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Trainer{
		params:    params,
		objective: NewBinaryLogistic(),
		logger:    logger,
		rng:       rand.New(rand.NewPCG(uint64(params.Seed), uint64(params.Seed))),
	}
}

// SetEvalSet registers a validation set whose logloss is reported every round.
func (t *Trainer) SetEvalSet(X, y mat.Matrix) error {
	xDense, labels, err := toTrainingData(X, y)
	if err != nil {
		return errors.Wrap(err, "invalid eval set")
	}
	t.eval = &evalSet{X: xDense, y: labels}
	return nil
}

// Fit trains the ensemble on X (n×d) and y (n×1, values 0 or 1).
func (t *Trainer) Fit(X, y mat.Matrix) error {
	if err := t.params.Validate(); err != nil {
		return err
	}

	xDense, labels, err := toTrainingData(X, y)
	if err != nil {
		return err
	}
	t.X = xDense
	t.y = labels
	t.nRows, t.nCols = xDense.Dims()

	if t.eval != nil {
		if _, c := t.eval.X.Dims(); c != t.nCols {
			return errors.NewDimensionError("Trainer.Fit", t.nCols, c, 1)
		}
	}

	t.initialize()

	start := time.Now()
	for iter := 0; iter < t.params.NumRound; iter++ {
		t.calculateGradients()

		tree := t.buildTree(t.sampleRows())
		t.trees = append(t.trees, tree)
		t.updatePredictions(&tree)

		if t.eval != nil {
			loss := t.evalLoss()
			if err := errors.CheckScalar("booster.eval_logloss", loss, iter); err != nil {
				return err
			}
			t.evalHistory = append(t.evalHistory, loss)
			t.logger.Debug("Boosting round",
				log.IterationKey, iter,
				log.LossKey, loss,
				"leaves", tree.NumLeaves(),
			)
		}
	}

	t.logger.Debug("Boosting finished",
		"rounds", len(t.trees),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// initialize prepares the training data structures
func (t *Trainer) initialize() {
	t.gradients = make([]float64, t.nRows)
	t.hessians = make([]float64, t.nRows)
	t.trees = nil
	t.evalHistory = nil

	t.initScore = t.objective.GetInitScore(t.y)
	t.margins = make([]float64, t.nRows)
	for i := range t.margins {
		t.margins[i] = t.initScore
	}
	if t.eval != nil {
		rows, _ := t.eval.X.Dims()
		t.eval.margins = make([]float64, rows)
		for i := range t.eval.margins {
			t.eval.margins[i] = t.initScore
		}
	}

	// Sorted indices for each feature, missing values kept aside
	t.orderedIdx = make([][]int, t.nCols)
	t.missingIdx = make([][]int, t.nCols)
	parallel.ParallelizeWithThreshold(t.nCols, featureParallelThreshold, func(start, end int) {
		for j := start; j < end; j++ {
			present := make([]int, 0, t.nRows)
			var missing []int
			for i := 0; i < t.nRows; i++ {
				if math.IsNaN(t.X.At(i, j)) {
					missing = append(missing, i)
				} else {
					present = append(present, i)
				}
			}
			feature := j
			sort.SliceStable(present, func(a, b int) bool {
				return t.X.At(present[a], feature) < t.X.At(present[b], feature)
			})
			t.orderedIdx[j] = present
			t.missingIdx[j] = missing
		}
	})
}

// calculateGradients computes gradients and hessians for current predictions
func (t *Trainer) calculateGradients() {
	for i := 0; i < t.nRows; i++ {
		t.gradients[i] = t.objective.CalculateGradient(t.margins[i], t.y[i])
		t.hessians[i] = t.objective.CalculateHessian(t.margins[i], t.y[i])
	}
}

// sampleRows returns the node position of every row for a new tree:
// 0 (root) when the row is used, -1 when it was left out by subsampling.
func (t *Trainer) sampleRows() []int {
	position := make([]int, t.nRows)
	if t.params.Subsample >= 1 {
		return position
	}

	used := 0
	for i := range position {
		if t.rng.Float64() < t.params.Subsample {
			used++
		} else {
			position[i] = -1
		}
	}
	if used == 0 {
		position[t.rng.IntN(t.nRows)] = 0
	}
	return position
}

// buildTree grows one tree level by level.
func (t *Trainer) buildTree(position []int) Tree {
	var sumG, sumH float64
	for i, pos := range position {
		if pos == 0 {
			sumG += t.gradients[i]
			sumH += t.hessians[i]
		}
	}

	tree := Tree{Nodes: []Node{{Cover: sumH}}}
	frontier := []growNode{{id: 0, depth: 0, sumG: sumG, sumH: sumH}}

	for len(frontier) > 0 {
		var expandable []growNode
		for _, gn := range frontier {
			if t.params.MaxDepth > 0 && gn.depth >= t.params.MaxDepth {
				t.makeLeaf(&tree, gn)
				continue
			}
			expandable = append(expandable, gn)
		}
		if len(expandable) == 0 {
			break
		}

		slot := make([]int, len(tree.Nodes))
		for i := range slot {
			slot[i] = -1
		}
		for k, gn := range expandable {
			slot[gn.id] = k
		}

		best := t.findBestSplits(position, expandable, slot)

		var next []growNode
		splitNodes := make(map[int]bool)
		for k, gn := range expandable {
			s := best[k]
			if !s.valid || s.Gain <= 0 {
				t.makeLeaf(&tree, gn)
				continue
			}
			left := len(tree.Nodes)
			right := left + 1
			tree.Nodes = append(tree.Nodes, Node{Cover: s.LeftHess}, Node{Cover: s.RightHess})
			tree.Nodes[gn.id] = Node{
				Feature:     s.Feature,
				Threshold:   s.Threshold,
				DefaultLeft: s.DefaultLeft,
				Left:        left,
				Right:       right,
				Gain:        s.Gain,
				Cover:       gn.sumH,
			}
			splitNodes[gn.id] = true
			next = append(next,
				growNode{id: left, depth: gn.depth + 1, sumG: s.LeftGrad, sumH: s.LeftHess},
				growNode{id: right, depth: gn.depth + 1, sumG: s.RightGrad, sumH: s.RightHess},
			)
		}

		t.splitData(&tree, position, splitNodes)
		frontier = next
	}

	return tree
}

// findBestSplits returns the best split of every expandable node. Features are
// scanned in parallel; the reduction keeps the lowest feature index on ties so
// the result does not depend on scheduling.
func (t *Trainer) findBestSplits(position []int, expandable []growNode, slot []int) []SplitInfo {
	perFeature := make([][]SplitInfo, t.nCols)
	parallel.ParallelizeWithThreshold(t.nCols, featureParallelThreshold, func(start, end int) {
		for f := start; f < end; f++ {
			perFeature[f] = t.findBestSplitForFeature(f, position, expandable, slot)
		}
	})

	best := make([]SplitInfo, len(expandable))
	for f := 0; f < t.nCols; f++ {
		for k, c := range perFeature[f] {
			if c.valid && (!best[k].valid || c.Gain > best[k].Gain) {
				best[k] = c
			}
		}
	}
	return best
}

// findBestSplitForFeature scans one feature for every expandable node at once.
func (t *Trainer) findBestSplitForFeature(feature int, position []int, expandable []growNode, slot []int) []SplitInfo {
	n := len(expandable)
	best := make([]SplitInfo, n)

	missG := make([]float64, n)
	missH := make([]float64, n)
	hasMissing := make([]bool, n)
	for _, row := range t.missingIdx[feature] {
		k := t.slotOf(row, position, slot)
		if k < 0 {
			continue
		}
		missG[k] += t.gradients[row]
		missH[k] += t.hessians[row]
		hasMissing[k] = true
	}

	accG := make([]float64, n)
	accH := make([]float64, n)
	last := make([]float64, n)
	seen := make([]bool, n)

	try := func(k int, threshold, gl, hl float64, defaultLeft bool) {
		gn := expandable[k]
		gr := gn.sumG - gl
		hr := gn.sumH - hl
		if hl < t.params.MinChildWeight || hr < t.params.MinChildWeight {
			return
		}
		gain := t.calculateSplitGain(gl, hl, gr, hr, gn.sumG, gn.sumH)
		if !best[k].valid || gain > best[k].Gain {
			best[k] = SplitInfo{
				Feature:     feature,
				Threshold:   threshold,
				Gain:        gain,
				DefaultLeft: defaultLeft,
				LeftGrad:    gl,
				LeftHess:    hl,
				RightGrad:   gr,
				RightHess:   hr,
				valid:       true,
			}
		}
	}

	for _, row := range t.orderedIdx[feature] {
		k := t.slotOf(row, position, slot)
		if k < 0 {
			continue
		}
		v := t.X.At(row, feature)
		if seen[k] && v != last[k] {
			threshold := last[k] + (v-last[k])/2
			if threshold <= last[k] {
				threshold = v
			}
			try(k, threshold, accG[k], accH[k], false)
			if hasMissing[k] {
				try(k, threshold, accG[k]+missG[k], accH[k]+missH[k], true)
			}
		}
		accG[k] += t.gradients[row]
		accH[k] += t.hessians[row]
		last[k] = v
		seen[k] = true
	}

	// every present value left, missing values right
	for k := range expandable {
		if seen[k] && hasMissing[k] {
			try(k, math.Nextafter(last[k], math.Inf(1)), accG[k], accH[k], false)
		}
	}

	return best
}

func (t *Trainer) slotOf(row int, position, slot []int) int {
	pos := position[row]
	if pos < 0 || pos >= len(slot) {
		return -1
	}
	return slot[pos]
}

// calculateSplitGain calculates the loss reduction of a split
func (t *Trainer) calculateSplitGain(leftGrad, leftHess, rightGrad, rightHess, totalGrad, totalHess float64) float64 {
	lambda := t.params.Lambda

	leftScore := (leftGrad * leftGrad) / (leftHess + lambda)
	rightScore := (rightGrad * rightGrad) / (rightHess + lambda)
	totalScore := (totalGrad * totalGrad) / (totalHess + lambda)

	return 0.5*(leftScore+rightScore-totalScore) - t.params.Gamma
}

// splitData moves the rows of the nodes split at this level to their children.
func (t *Trainer) splitData(tree *Tree, position []int, splitNodes map[int]bool) {
	for i, pos := range position {
		if pos < 0 || !splitNodes[pos] {
			continue
		}
		node := &tree.Nodes[pos]
		v := t.X.At(i, node.Feature)
		switch {
		case math.IsNaN(v):
			if node.DefaultLeft {
				position[i] = node.Left
			} else {
				position[i] = node.Right
			}
		case v < node.Threshold:
			position[i] = node.Left
		default:
			position[i] = node.Right
		}
	}
}

// makeLeaf turns gn into a leaf with the optimal weight -G/(H+lambda), scaled by eta.
func (t *Trainer) makeLeaf(tree *Tree, gn growNode) {
	tree.Nodes[gn.id] = Node{
		Leaf:  true,
		Value: t.calculateLeafValue(gn.sumG, gn.sumH),
		Cover: gn.sumH,
	}
}

// calculateLeafValue calculates the optimal value for a leaf node
func (t *Trainer) calculateLeafValue(sumGrad, sumHess float64) float64 {
	denom := sumHess + t.params.Lambda
	if denom < 1e-16 {
		return 0
	}
	return -sumGrad / denom * t.params.Eta
}

// updatePredictions adds the new tree to the cached margins
func (t *Trainer) updatePredictions(tree *Tree) {
	for i := 0; i < t.nRows; i++ {
		t.margins[i] += tree.Predict(t.X.RawRowView(i))
	}
	if t.eval != nil {
		for i := range t.eval.margins {
			t.eval.margins[i] += tree.Predict(t.eval.X.RawRowView(i))
		}
	}
}

// evalLoss calculates the mean logloss on the eval set
func (t *Trainer) evalLoss() float64 {
	if len(t.eval.y) == 0 {
		return 0
	}
	loss := 0.0
	for i, m := range t.eval.margins {
		loss += t.objective.CalculateLoss(m, t.eval.y[i])
	}
	return loss / float64(len(t.eval.y))
}

// EvalHistory returns the validation logloss recorded after each round.
func (t *Trainer) EvalHistory() []float64 {
	out := make([]float64, len(t.evalHistory))
	copy(out, t.evalHistory)
	return out
}

// Trees returns the fitted trees.
func (t *Trainer) Trees() []Tree {
	return t.trees
}

// InitScore returns the base margin.
func (t *Trainer) InitScore() float64 {
	return t.initScore
}

// toTrainingData copies X into a dense matrix and checks that y holds 0/1 labels.
func toTrainingData(X, y mat.Matrix) (*mat.Dense, []float64, error) {
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return nil, nil, errors.NewModelError("Trainer.Fit", "empty data", errors.ErrEmptyData)
	}
	yRows, yCols := y.Dims()
	if yRows != rows {
		return nil, nil, errors.NewDimensionError("Trainer.Fit", rows, yRows, 0)
	}
	if yCols != 1 {
		return nil, nil, errors.NewDimensionError("Trainer.Fit", 1, yCols, 1)
	}

	xDense := mat.DenseCopyOf(X)
	labels := make([]float64, rows)
	for i := 0; i < rows; i++ {
		v := y.At(i, 0)
		if v != 0 && v != 1 {
			return nil, nil, errors.NewValueError("Trainer.Fit", "labels must be 0 or 1")
		}
		labels[i] = v
	}
	return xDense, labels, nil
}
