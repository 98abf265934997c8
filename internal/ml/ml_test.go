package ml

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomMatrix(n, d int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, seed))
	x := make([][]float64, n)
	for i := range x {
		x[i] = make([]float64, d)
		for j := range x[i] {
			x[i][j] = rng.NormFloat64()
		}
	}
	return x
}

func TestFitScaler(t *testing.T) {
	x := [][]float64{
		{1, 5, 10},
		{3, 5, 20},
	}

	s, err := FitScaler(x)
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 5, 15}, s.Mean)
	assert.Equal(t, []float64{1, 1, 5}, s.Scale, "population std; constant column scales by 1")
	assert.Equal(t, []float64{-1, 0, -1}, s.Transform(x[0]))
	assert.Equal(t, []float64{1, 0, 1}, s.Transform(x[1]))
}

func TestFitScalerErrors(t *testing.T) {
	_, err := FitScaler(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = FitScaler([][]float64{{1, 2}, {1}})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = FitScaler([][]float64{{1, math.NaN()}})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestQuantile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}

	assert.Equal(t, 1.0, quantile(sorted, 0))
	assert.Equal(t, 5.0, quantile(sorted, 1))
	assert.Equal(t, 3.0, quantile(sorted, 0.5))
	assert.InDelta(t, 1.4, quantile(sorted, 0.1), 1e-12)
	assert.Equal(t, 7.0, quantile([]float64{7}, 0.1))
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.2448, averagePathLength(256), 1e-3)
}

func TestIsolationForest(t *testing.T) {
	ctx := context.Background()
	x := randomMatrix(200, 4, 7)

	f, err := FitIsolationForest(ctx, x, DefaultForestConfig())
	require.NoError(t, err)
	assert.Equal(t, 100, f.Trees())
	assert.Equal(t, 4, f.Dim())

	t.Run("outlier scores below inliers", func(t *testing.T) {
		outlier := []float64{12, -12, 12, -12}
		center := []float64{0, 0, 0, 0}
		assert.Less(t, f.DecisionFunction(outlier), 0.0)
		assert.Greater(t, f.DecisionFunction(center), f.DecisionFunction(outlier))
	})

	t.Run("contamination fraction below offset", func(t *testing.T) {
		var negative int
		for _, row := range x {
			if f.DecisionFunction(row) < 0 {
				negative++
			}
		}
		assert.InDelta(t, 20, negative, 3)
	})

	t.Run("seeded fit is reproducible", func(t *testing.T) {
		g, err := FitIsolationForest(ctx, x, DefaultForestConfig())
		require.NoError(t, err)
		for _, row := range x[:20] {
			assert.Equal(t, f.DecisionFunction(row), g.DecisionFunction(row))
		}
	})
}

func TestIsolationForestSingleRow(t *testing.T) {
	f, err := FitIsolationForest(context.Background(), [][]float64{{1, 2, 3}}, DefaultForestConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.0, f.DecisionFunction([]float64{1, 2, 3}))
}

func TestIsolationForestConfig(t *testing.T) {
	x := randomMatrix(10, 2, 1)
	cfg := DefaultForestConfig()
	cfg.Contamination = 1.5
	_, err := FitIsolationForest(context.Background(), x, cfg)
	assert.Error(t, err)
}

func separable(n int) ([][]float64, []int) {
	x := randomMatrix(n, 3, 11)
	y := make([]int, n)
	for i := range x {
		if x[i][0] > 0 {
			y[i] = 1
			x[i][0] += 1
		} else {
			x[i][0] -= 1
		}
	}
	return x, y
}

func TestBoostedClassifier(t *testing.T) {
	x, y := separable(200)

	b, err := FitBoostedClassifier(context.Background(), x, y, DefaultBoostConfig())
	require.NoError(t, err)
	assert.Equal(t, 100, b.Rounds())

	for i, row := range x {
		p := b.PredictProba(row)
		require.True(t, p >= 0 && p <= 1, "probability out of range: %v", p)
		if y[i] == 1 {
			assert.Greater(t, p, 0.9, "row %d", i)
		} else {
			assert.Less(t, p, 0.1, "row %d", i)
		}
	}
}

func TestBoostedClassifierSingleClass(t *testing.T) {
	x := randomMatrix(10, 2, 3)

	_, err := FitBoostedClassifier(context.Background(), x, make([]int, 10), DefaultBoostConfig())
	assert.Error(t, err)

	ones := make([]int, 10)
	for i := range ones {
		ones[i] = 1
	}
	_, err = FitBoostedClassifier(context.Background(), x, ones, DefaultBoostConfig())
	assert.Error(t, err)

	_, err = FitBoostedClassifier(context.Background(), x, []int{1}, DefaultBoostConfig())
	assert.ErrorIs(t, err, ErrDimension)
}

func TestAutoencoder(t *testing.T) {
	ctx := context.Background()
	x := randomMatrix(100, 7, 5)

	assert.Equal(t, []int{7, 3, 1, 3, 7}, Widths(7))
	assert.Equal(t, []int{2, 1, 1, 1, 2}, Widths(2))

	ae, err := FitAutoencoder(ctx, x, DefaultAutoencoderConfig())
	require.NoError(t, err)
	assert.Equal(t, 7, ae.Dim())
	assert.True(t, ae.FinalLoss() > 0 && !math.IsInf(ae.FinalLoss(), 0))

	out := ae.Reconstruct(x[0])
	require.Len(t, out, 7)
	for _, v := range out {
		assert.True(t, v >= 0 && v <= 1, "sigmoid output out of range: %v", v)
	}

	again, err := FitAutoencoder(ctx, x, DefaultAutoencoderConfig())
	require.NoError(t, err)
	for _, row := range x[:10] {
		e := ae.ReconstructionError(row)
		assert.GreaterOrEqual(t, e, 0.0)
		assert.Equal(t, e, again.ReconstructionError(row))
	}
}

func TestAutoencoderLearns(t *testing.T) {
	// Inputs inside (0, 1) are reachable by the sigmoid output.
	rng := rand.New(rand.NewPCG(9, 9))
	x := make([][]float64, 256)
	for i := range x {
		v := 0.2 + 0.6*rng.Float64()
		x[i] = []float64{v, v, v, v}
	}

	// A single-unit bottleneck can start dead; this seed starts live.
	short := DefaultAutoencoderConfig()
	short.Seed = 6
	short.Epochs = 1
	first, err := FitAutoencoder(context.Background(), x, short)
	require.NoError(t, err)

	long := DefaultAutoencoderConfig()
	long.Seed = 6
	long.Epochs = 200
	long.LearningRate = 0.01
	trained, err := FitAutoencoder(context.Background(), x, long)
	require.NoError(t, err)

	assert.Less(t, trained.FinalLoss(), first.FinalLoss())
	assert.Less(t, trained.FinalLoss(), 0.01, "expected loss well under the input variance")
}

func TestFitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x := randomMatrix(20, 3, 2)
	y := make([]int, 20)
	y[0] = 1

	_, err := FitIsolationForest(ctx, x, DefaultForestConfig())
	assert.ErrorIs(t, err, context.Canceled)
	_, err = FitBoostedClassifier(ctx, x, y, DefaultBoostConfig())
	assert.ErrorIs(t, err, context.Canceled)
	_, err = FitAutoencoder(ctx, x, DefaultAutoencoderConfig())
	assert.ErrorIs(t, err, context.Canceled)
}
