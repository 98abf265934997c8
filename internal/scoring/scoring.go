// Package scoring combines the model bank outputs into a bounded risk score.
package scoring

import (
	"math"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/features"
	"github.com/opensource-finance/claimscore/internal/modelbank"
)

// NeutralScore is returned when no model bank has been published yet.
const NeutralScore = 50.0

// Scorer turns a claim and a bank snapshot into a 0-100 risk score.
type Scorer struct {
	// Threshold at or above which a claim is high risk
	HighRiskThreshold float64
}

// NewScorer creates a Scorer with the default high-risk threshold of 70.
func NewScorer() *Scorer {
	return &Scorer{HighRiskThreshold: 70}
}

// Score returns the ensemble risk score for a claim.
func (s *Scorer) Score(c *domain.Claim, bank *modelbank.Bank) float64 {
	score, _ := s.Explain(c, bank)
	return score
}

// Explain returns the ensemble score and its per-model components.
// The ensemble always averages three components; an absent classifier
// contributes zero.
func (s *Scorer) Explain(c *domain.Claim, bank *modelbank.Bank) (float64, domain.ScoreBreakdown) {
	if bank == nil {
		return NeutralScore, domain.ScoreBreakdown{}
	}

	x := bank.Scaler.Transform(features.Build(c))

	var b domain.ScoreBreakdown
	b.Outlier = clamp((1 - bank.Outlier.DecisionFunction(x)) * 50)
	if bank.Classifier != nil {
		b.Classifier = clamp(bank.Classifier.PredictProba(x) * 100)
	}
	b.Reconstruction = clamp(bank.Reconstructor.ReconstructionError(x) * 1000)

	return clamp((b.Outlier + b.Classifier + b.Reconstruction) / 3), b
}

// IsHighRisk reports whether a score meets the high-risk threshold.
func (s *Scorer) IsHighRisk(score float64) bool {
	return score >= s.HighRiskThreshold
}

// clamp bounds v to [0, 100]. NaN counts as zero.
func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}
