package booster

import "math"

// Node is a single node of a regression tree, stored in Tree.Nodes.
type Node struct {
	Leaf bool `json:"leaf,omitempty"`

	// Split information (for non-leaf nodes).
	// A sample goes left when x[Feature] < Threshold, or when the value is
	// missing and DefaultLeft is set.
	Feature     int     `json:"feature,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	DefaultLeft bool    `json:"default_left,omitempty"`
	Left        int     `json:"left,omitempty"`
	Right       int     `json:"right,omitempty"`
	Gain        float64 `json:"gain,omitempty"`

	// Value is the leaf output, already scaled by eta.
	Value float64 `json:"value,omitempty"`
	// Cover is the sum of hessians that reached the node while training.
	Cover float64 `json:"cover"`
}

// Tree is one boosting round. Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict returns the leaf value reached by features.
func (t *Tree) Predict(features []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	idx := 0
	for {
		node := &t.Nodes[idx]
		if node.Leaf {
			return node.Value
		}
		v := features[node.Feature]
		switch {
		case math.IsNaN(v):
			if node.DefaultLeft {
				idx = node.Left
			} else {
				idx = node.Right
			}
		case v < node.Threshold:
			idx = node.Left
		default:
			idx = node.Right
		}
	}
}

// NumLeaves returns the number of leaf nodes.
func (t *Tree) NumLeaves() int {
	count := 0
	for _, n := range t.Nodes {
		if n.Leaf {
			count++
		}
	}
	return count
}

// Depth returns the length of the longest root to leaf path.
func (t *Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var walk func(idx int) int
	walk = func(idx int) int {
		n := &t.Nodes[idx]
		if n.Leaf {
			return 0
		}
		l, r := walk(n.Left), walk(n.Right)
		if l > r {
			return l + 1
		}
		return r + 1
	}
	return walk(0)
}

// FeatureGain accumulates split gain per feature into gains.
func (t *Tree) FeatureGain(gains []float64) {
	for _, n := range t.Nodes {
		if !n.Leaf && n.Feature < len(gains) {
			gains[n.Feature] += n.Gain
		}
	}
}
