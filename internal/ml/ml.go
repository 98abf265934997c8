// Package ml holds the small numeric models behind the risk score: a
// standard scaler, an isolation forest, a gradient-boosted tree classifier
// and a dense autoencoder. All models are plain values that are never
// mutated after Fit returns, so a fitted model may be shared by any number
// of concurrent readers.
package ml

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyInput is returned when a model is fitted on no rows.
	ErrEmptyInput = errors.New("ml: empty input")
	// ErrNonFinite is returned when input or fitted parameters contain NaN or Inf.
	ErrNonFinite = errors.New("ml: non-finite value")
	// ErrDimension is returned for ragged rows or rows of the wrong width.
	ErrDimension = errors.New("ml: dimension mismatch")
)

// checkMatrix validates that x is non-empty, rectangular and finite,
// and returns its column count.
func checkMatrix(x [][]float64) (int, error) {
	if len(x) == 0 {
		return 0, ErrEmptyInput
	}
	d := len(x[0])
	if d == 0 {
		return 0, fmt.Errorf("%w: zero columns", ErrDimension)
	}
	for i, row := range x {
		if len(row) != d {
			return 0, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimension, i, len(row), d)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, fmt.Errorf("%w at row %d column %d", ErrNonFinite, i, j)
			}
		}
	}
	return d, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}

// quantile returns the q-th quantile of sorted values using linear
// interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
