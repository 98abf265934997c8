package domain

import (
	"time"
)

// Built-in rule flags.
const (
	FlagAgeServiceMismatch    = "age_service_mismatch"
	FlagExcessiveBilledAmount = "excessive_billed_amount"
	FlagSpecialtyMismatch     = "specialty_mismatch"
)

// StatusProcessed is the only status the pipeline assigns.
const StatusProcessed = "processed"

// ScoreBreakdown holds the per-model contributions to a risk score.
type ScoreBreakdown struct {
	Outlier        float64 `json:"outlier"`
	Classifier     float64 `json:"classifier"`
	Reconstruction float64 `json:"reconstruction"`
}

// ProcessedClaim is a claim enriched with flags, repricing and a risk score.
type ProcessedClaim struct {
	Claim

	RuleFlags       []string       `json:"rule_flags"`
	RepricedAmount  float64        `json:"repriced_amount"`
	DiscountPercent float64        `json:"discount_percentage"`
	RiskScore       float64        `json:"risk_score"`
	Breakdown       ScoreBreakdown `json:"score_breakdown"`
	HighRisk        bool           `json:"high_risk"`

	// ModelVersion is the bank version that scored the claim, 0 when none.
	ModelVersion uint64    `json:"model_version"`
	Status       string    `json:"status"`
	BatchID      string    `json:"batch_id,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// Savings is the amount removed by repricing.
func (p *ProcessedClaim) Savings() float64 {
	return p.BilledAmount - p.RepricedAmount
}

// Batch states.
const (
	BatchPending   = "pending"
	BatchCompleted = "completed"
	BatchFailed    = "failed"
)

// Batch records one ingest request and how it was handled.
type Batch struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	Source      string        `json:"source"` // upload, api, bus, cli
	Filename    string        `json:"filename,omitempty"`
	SubmittedBy string        `json:"submitted_by,omitempty"`
	Received    int           `json:"received"`
	Processed   int           `json:"processed"`
	Rejected    int           `json:"rejected"`
	Errors      []RecordError `json:"errors,omitempty"`

	ScoredWithVersion uint64 `json:"scored_with_version"`
	TrainedVersion    uint64 `json:"trained_version,omitempty"`
	TrainingError     string `json:"training_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
