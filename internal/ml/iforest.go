package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

const eulerGamma = 0.5772156649015329

// ForestConfig configures an isolation forest.
type ForestConfig struct {
	Trees         int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultForestConfig matches the stock outlier detector settings.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, MaxSamples: 256, Contamination: 0.1, Seed: 42}
}

// IsolationForest scores points by how quickly random axis-aligned splits
// isolate them. DecisionFunction is positive for inliers and negative for
// the contamination fraction of training points that look most anomalous.
type IsolationForest struct {
	trees      []tree
	samples    int
	dim        int
	normalizer float64
	offset     float64
}

// FitIsolationForest grows cfg.Trees isolation trees on subsamples of x.
func FitIsolationForest(ctx context.Context, x [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	d, err := checkMatrix(x)
	if err != nil {
		return nil, err
	}
	if cfg.Trees <= 0 || cfg.MaxSamples <= 0 {
		return nil, fmt.Errorf("ml: trees and max samples must be positive")
	}
	if !(cfg.Contamination > 0 && cfg.Contamination < 1) {
		return nil, fmt.Errorf("ml: contamination must be in (0, 1), got %v", cfg.Contamination)
	}

	n := len(x)
	psi := min(cfg.MaxSamples, n)
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15))

	f := &IsolationForest{
		trees:      make([]tree, cfg.Trees),
		samples:    psi,
		dim:        d,
		normalizer: averagePathLength(psi),
	}
	if f.normalizer == 0 {
		f.normalizer = 1
	}

	for t := range f.trees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := rng.Perm(n)[:psi]
		var tr tree
		growIsolation(&tr, x, idx, 0, heightLimit, rng)
		f.trees[t] = tr
	}

	scores := make([]float64, n)
	for i, row := range x {
		scores[i] = f.ScoreSample(row)
	}
	slices.Sort(scores)
	f.offset = quantile(scores, cfg.Contamination)
	if !finite(f.offset) {
		return nil, fmt.Errorf("%w: forest offset", ErrNonFinite)
	}
	return f, nil
}

func growIsolation(t *tree, x [][]float64, idx []int, depth, limit int, rng *rand.Rand) int32 {
	if depth >= limit || len(idx) <= 1 {
		return t.add(node{Left: -1, Right: -1, Value: float64(len(idx))})
	}

	// Pick a random feature that still varies within this node.
	d := len(x[idx[0]])
	for _, feature := range rng.Perm(d) {
		lo, hi := x[idx[0]][feature], x[idx[0]][feature]
		for _, i := range idx[1:] {
			lo = math.Min(lo, x[i][feature])
			hi = math.Max(hi, x[i][feature])
		}
		if lo == hi {
			continue
		}

		threshold := lo + rng.Float64()*(hi-lo)
		if threshold == lo {
			threshold = math.Nextafter(lo, hi)
		}
		var left, right []int
		for _, i := range idx {
			if x[i][feature] < threshold {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}

		self := t.add(node{Feature: feature, Threshold: threshold})
		l := growIsolation(t, x, left, depth+1, limit, rng)
		r := growIsolation(t, x, right, depth+1, limit, rng)
		(*t)[self].Left = l
		(*t)[self].Right = r
		return self
	}

	return t.add(node{Left: -1, Right: -1, Value: float64(len(idx))})
}

// averagePathLength is the expected path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// ScoreSample returns the negated anomaly score in [-1, 0); lower is more anomalous.
func (f *IsolationForest) ScoreSample(row []float64) float64 {
	var total float64
	for _, t := range f.trees {
		depth, leaf := t.leaf(row)
		total += float64(depth) + averagePathLength(int(leaf.Value))
	}
	mean := total / float64(len(f.trees))
	return -math.Pow(2, -mean/f.normalizer)
}

// DecisionFunction returns ScoreSample shifted so that zero separates
// inliers from the expected contamination fraction.
func (f *IsolationForest) DecisionFunction(row []float64) float64 {
	return f.ScoreSample(row) - f.offset
}

// Offset is the threshold subtracted by DecisionFunction.
func (f *IsolationForest) Offset() float64 { return f.offset }

// Dim returns the feature width the forest was fitted on.
func (f *IsolationForest) Dim() int { return f.dim }

// Trees returns the number of trees in the forest.
func (f *IsolationForest) Trees() int { return len(f.trees) }
