// Package modelbank holds trained model sets and the versioned store that
// publishes them to scorers.
package modelbank

import (
	"time"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/features"
	"github.com/opensource-finance/claimscore/internal/ml"
)

// Bank is one trained set of models. A Bank is never mutated after it is
// published; scorers may hold a pointer to it for as long as they need.
type Bank struct {
	Version   uint64
	TrainedAt time.Time
	Samples   int
	Positives int

	Scaler        *ml.Scaler
	Outlier       *ml.IsolationForest
	Classifier    *ml.BoostedClassifier // nil when the training batch had a single class
	Reconstructor *ml.Autoencoder
}

// Degenerate reports whether the classifier was skipped.
func (b *Bank) Degenerate() bool {
	return b.Classifier == nil
}

// Info is a serializable summary of a Bank.
type Info struct {
	Version            uint64    `json:"version"`
	TrainedAt          time.Time `json:"trained_at"`
	Samples            int       `json:"samples"`
	Positives          int       `json:"positives"`
	Degenerate         bool      `json:"degenerate"`
	Current            bool      `json:"current"`
	OutlierOffset      float64   `json:"outlier_offset"`
	ReconstructionLoss float64   `json:"reconstruction_loss"`

	Features []FeatureStat `json:"features,omitempty"`
}

// FeatureStat is the training mean and scale of one feature column.
type FeatureStat struct {
	Name  string  `json:"name"`
	Mean  float64 `json:"mean"`
	Scale float64 `json:"scale"`
}

// Info summarizes the bank.
func (b *Bank) Info() Info {
	info := Info{
		Version:    b.Version,
		TrainedAt:  b.TrainedAt,
		Samples:    b.Samples,
		Positives:  b.Positives,
		Degenerate: b.Degenerate(),
	}
	if b.Outlier != nil {
		info.OutlierOffset = b.Outlier.Offset()
	}
	if b.Reconstructor != nil {
		info.ReconstructionLoss = b.Reconstructor.FinalLoss()
	}
	if b.Scaler != nil && b.Scaler.Dim() == features.Dim {
		info.Features = make([]FeatureStat, features.Dim)
		for i, name := range features.Names {
			info.Features[i] = FeatureStat{Name: name, Mean: b.Scaler.Mean[i], Scale: b.Scaler.Scale[i]}
		}
	}
	return info
}

// Event is the bus payload announcing this bank.
func (b *Bank) Event() domain.ModelEvent {
	return domain.ModelEvent{
		Version:     b.Version,
		Samples:     b.Samples,
		Positives:   b.Positives,
		Degenerate:  b.Degenerate(),
		TrainedAtMs: b.TrainedAt.UnixMilli(),
	}
}
