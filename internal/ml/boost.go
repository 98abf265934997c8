package ml

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// BoostConfig configures the gradient-boosted tree classifier.
type BoostConfig struct {
	Rounds         int
	MaxDepth       int
	LearningRate   float64
	Lambda         float64
	MinChildWeight float64
}

// DefaultBoostConfig returns the stock classifier settings.
func DefaultBoostConfig() BoostConfig {
	return BoostConfig{Rounds: 100, MaxDepth: 3, LearningRate: 0.3, Lambda: 1, MinChildWeight: 1}
}

// BoostedClassifier is a binary classifier built from additive regression
// trees fitted to the logistic loss with second-order split gains.
type BoostedClassifier struct {
	trees []tree
	dim   int
}

// FitBoostedClassifier fits trees to binary labels y (0 or 1).
// Both classes must be present.
func FitBoostedClassifier(ctx context.Context, x [][]float64, y []int, cfg BoostConfig) (*BoostedClassifier, error) {
	d, err := checkMatrix(x)
	if err != nil {
		return nil, err
	}
	if len(y) != len(x) {
		return nil, fmt.Errorf("%w: %d labels for %d rows", ErrDimension, len(y), len(x))
	}
	if cfg.Rounds <= 0 || cfg.MaxDepth <= 0 || !(cfg.LearningRate > 0) {
		return nil, fmt.Errorf("ml: rounds, depth and learning rate must be positive")
	}
	var pos int
	for _, v := range y {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("ml: label must be 0 or 1, got %d", v)
		}
		pos += v
	}
	if pos == 0 || pos == len(y) {
		return nil, fmt.Errorf("ml: classifier needs both classes, got %d positives of %d", pos, len(y))
	}

	n := len(x)
	margin := make([]float64, n)
	grad := make([]float64, n)
	hess := make([]float64, n)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	b := &BoostedClassifier{dim: d}
	g := &grower{x: x, grad: grad, hess: hess, cfg: cfg}
	for round := 0; round < cfg.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range margin {
			p := sigmoid(margin[i])
			grad[i] = p - float64(y[i])
			hess[i] = math.Max(p*(1-p), 1e-16)
		}

		var t tree
		g.grow(&t, all, 0)
		for i, row := range x {
			_, leaf := t.leaf(row)
			margin[i] += leaf.Value
		}
		b.trees = append(b.trees, t)
	}

	for _, m := range margin {
		if !finite(m) {
			return nil, fmt.Errorf("%w: classifier margin", ErrNonFinite)
		}
	}
	return b, nil
}

type grower struct {
	x    [][]float64
	grad []float64
	hess []float64
	cfg  BoostConfig
}

func (g *grower) grow(t *tree, idx []int, depth int) int32 {
	var G, H float64
	for _, i := range idx {
		G += g.grad[i]
		H += g.hess[i]
	}
	leaf := node{Left: -1, Right: -1, Value: -G / (H + g.cfg.Lambda) * g.cfg.LearningRate}
	if depth >= g.cfg.MaxDepth || len(idx) < 2 {
		return t.add(leaf)
	}

	feature, threshold, gain := g.bestSplit(idx, G, H)
	if gain <= 0 {
		return t.add(leaf)
	}

	var left, right []int
	for _, i := range idx {
		if g.x[i][feature] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	self := t.add(node{Feature: feature, Threshold: threshold})
	l := g.grow(t, left, depth+1)
	r := g.grow(t, right, depth+1)
	(*t)[self].Left = l
	(*t)[self].Right = r
	return self
}

func (g *grower) bestSplit(idx []int, G, H float64) (int, float64, float64) {
	lambda := g.cfg.Lambda
	parent := G * G / (H + lambda)

	bestFeature, bestThreshold, bestGain := -1, 0.0, 0.0
	sorted := make([]int, len(idx))
	for feature := range g.x[idx[0]] {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, b int) bool {
			return g.x[sorted[a]][feature] < g.x[sorted[b]][feature]
		})

		var GL, HL float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			GL += g.grad[i]
			HL += g.hess[i]

			cur, next := g.x[i][feature], g.x[sorted[k+1]][feature]
			if cur == next {
				continue
			}
			GR, HR := G-GL, H-HL
			if HL < g.cfg.MinChildWeight || HR < g.cfg.MinChildWeight {
				continue
			}
			gain := 0.5 * (GL*GL/(HL+lambda) + GR*GR/(HR+lambda) - parent)
			if gain > bestGain {
				bestFeature, bestThreshold, bestGain = feature, cur+(next-cur)/2, gain
			}
		}
	}
	return bestFeature, bestThreshold, bestGain
}

// PredictProba returns the probability of the positive class.
func (b *BoostedClassifier) PredictProba(row []float64) float64 {
	var margin float64
	for _, t := range b.trees {
		_, leaf := t.leaf(row)
		margin += leaf.Value
	}
	return sigmoid(margin)
}

// Dim returns the feature width the classifier was fitted on.
func (b *BoostedClassifier) Dim() int { return b.dim }

// Rounds returns the number of fitted trees.
func (b *BoostedClassifier) Rounds() int { return len(b.trees) }
