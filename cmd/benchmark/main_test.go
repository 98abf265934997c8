package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/claimscore/internal/domain"
)

func TestConfusion(t *testing.T) {
	var c Confusion
	c.Add(true, true)
	c.Add(true, true)
	c.Add(true, false)
	c.Add(false, true)
	c.Add(false, false)
	c.Add(false, false)

	if c.TruePositives != 2 || c.FalsePositives != 1 || c.FalseNegatives != 1 || c.TrueNegatives != 2 {
		t.Fatalf("unexpected matrix: %+v", c)
	}
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"precision", c.Precision(), 2.0 / 3},
		{"recall", c.Recall(), 2.0 / 3},
		{"f1", c.F1(), 2.0 / 3},
		{"accuracy", c.Accuracy(), 4.0 / 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(tt.got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}

	var empty Confusion
	if empty.Precision() != 0 || empty.Recall() != 0 || empty.F1() != 0 {
		t.Error("expected zero metrics for an empty matrix")
	}
}

func TestResultsRecord(t *testing.T) {
	labels := map[string]string{"A": "excessive_billing", "B": "", "C": "age_mismatch"}
	resp := &BatchResponse{
		Rejected:     1,
		ModelVersion: 3,
		Claims: []*domain.ProcessedClaim{
			{Claim: domain.Claim{ClaimID: "A"}, HighRisk: true, RuleFlags: []string{domain.FlagExcessiveBilledAmount}},
			{Claim: domain.Claim{ClaimID: "B"}, HighRisk: true},
			{Claim: domain.Claim{ClaimID: "C"}, RuleFlags: []string{"age_service_mismatch"}},
		},
	}

	r := newResults()
	r.Record(resp, labels, 20*time.Millisecond)

	if r.Processed != 3 || r.Rejected != 1 || r.ModelVersion != 3 {
		t.Errorf("unexpected totals: processed %d rejected %d version %d", r.Processed, r.Rejected, r.ModelVersion)
	}
	if r.HighRisk.TruePositives != 1 || r.HighRisk.FalsePositives != 1 || r.HighRisk.FalseNegatives != 1 {
		t.Errorf("unexpected high risk matrix: %+v", r.HighRisk)
	}
	if r.RuleFlags.TruePositives != 2 || r.RuleFlags.TrueNegatives != 1 {
		t.Errorf("unexpected rule flag matrix: %+v", r.RuleFlags)
	}
	if c := r.ByKind["age_mismatch"]; c == nil || c.FalseNegatives != 1 {
		t.Errorf("expected age_mismatch miss, got %+v", c)
	}
}

func TestReadLabelledCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labelled.csv")
	data := "claim_id,patient_id,patient_age,patient_gender,service_code,billed_amount,allowed_amount,provider_id,provider_specialty,claim_date,injected_anomaly\n" +
		"L1,P1,40,F,99213,200,180,PR1,Internal Medicine,2024-01-15,\n" +
		"L2,P2,50,M,99213,9000,180,PR2,Internal Medicine,2024-01-16,excessive_billing\n" +
		"L3,P3,abc,M,99213,200,180,PR3,Internal Medicine,2024-01-17,\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write csv: %v", err)
	}

	samples, err := readLabelledCSV(path)
	if err != nil {
		t.Fatalf("readLabelledCSV failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 valid samples, got %d", len(samples))
	}
	if samples[0].Anomaly != "" || samples[1].Anomaly != "excessive_billing" {
		t.Errorf("unexpected labels: %q, %q", samples[0].Anomaly, samples[1].Anomaly)
	}
}
