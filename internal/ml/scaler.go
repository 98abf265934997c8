package ml

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes columns to zero mean and unit variance.
// Variance is the population variance; zero-variance columns keep scale 1.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column mean and scale.
func FitScaler(x [][]float64) (*Scaler, error) {
	d, err := checkMatrix(x)
	if err != nil {
		return nil, err
	}

	s := &Scaler{Mean: make([]float64, d), Scale: make([]float64, d)}
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i, row := range x {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if !finite(mean) || !finite(std) {
			return nil, fmt.Errorf("%w: column %d statistics", ErrNonFinite, j)
		}
		if std == 0 {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return s, nil
}

// Dim returns the number of columns the scaler was fitted on.
func (s *Scaler) Dim() int { return len(s.Mean) }

// Transform returns a standardized copy of row.
func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformBatch standardizes every row.
func (s *Scaler) TransformBatch(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}
