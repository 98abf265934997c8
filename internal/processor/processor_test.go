package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/pricing"
	"github.com/opensource-finance/claimscore/internal/rules"
	"github.com/opensource-finance/claimscore/internal/scoring"
	"github.com/opensource-finance/claimscore/internal/synth"
	"github.com/opensource-finance/claimscore/internal/training"
)

var fixedNow = time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

func newTestProcessor(t *testing.T, cfg domain.TrainingConfig) *Processor {
	t.Helper()
	engine, err := rules.NewEngine(nil, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	store := modelbank.NewStore(3)
	return &Processor{
		Rules:       engine,
		Repricer:    pricing.NewRepricer(nil),
		Scorer:      scoring.NewScorer(),
		Store:       store,
		Trainer:     training.NewTrainer(engine, store, cfg),
		AutoTrain:   true,
		Parallelism: 4,
		Now:         func() time.Time { return fixedNow },
	}
}

func fastConfig() domain.TrainingConfig {
	cfg := domain.DefaultConfig().Training
	cfg.Trees = 30
	cfg.BoostRounds = 10
	cfg.Epochs = 5
	return cfg
}

func scenarioClaims() []domain.Claim {
	claims := []domain.Claim{
		{ClaimID: "C1", PatientID: "P1", PatientAge: 10, PatientGender: domain.GenderMale, ServiceCode: "99213",
			BilledAmount: 200, AllowedAmount: 180, ProviderID: "PR1", ProviderSpecialty: "Pediatrics", RawClaimDate: "2024-01-15"},
		{ClaimID: "C2", PatientID: "P2", PatientAge: 40, PatientGender: domain.GenderFemale, ServiceCode: "99213",
			BilledAmount: 8000, AllowedAmount: 7000, ProviderID: "PR2", ProviderSpecialty: "Internal Medicine", RawClaimDate: "2024-02-20"},
		{ClaimID: "C3", PatientID: "P3", PatientAge: 35, PatientGender: domain.GenderMale, ServiceCode: "97110",
			BilledAmount: 100, AllowedAmount: 90, ProviderID: "PR3", ProviderSpecialty: "Orthopedics", RawClaimDate: "2024-03-05"},
	}
	for i := range claims {
		claims[i].Normalize()
	}
	return claims
}

func TestProcessScenario(t *testing.T) {
	p := newTestProcessor(t, fastConfig())

	res, err := p.Process(context.Background(), "batch-1", scenarioClaims())
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	wantFlags := [][]string{
		{domain.FlagAgeServiceMismatch},
		{domain.FlagExcessiveBilledAmount},
		{},
	}
	wantRepriced := []float64{160, 6400, 75}
	wantDiscount := []float64{20, 20, 25}

	if len(res.Claims) != 3 {
		t.Fatalf("expected 3 processed claims, got %d", len(res.Claims))
	}
	for i, pc := range res.Claims {
		if diff := cmp.Diff(wantFlags[i], pc.RuleFlags); diff != "" {
			t.Errorf("claim %d flags mismatch (-want +got):\n%s", i, diff)
		}
		if pc.RepricedAmount != wantRepriced[i] {
			t.Errorf("claim %d: expected repriced %v, got %v", i, wantRepriced[i], pc.RepricedAmount)
		}
		if pc.DiscountPercent != wantDiscount[i] {
			t.Errorf("claim %d: expected discount %v, got %v", i, wantDiscount[i], pc.DiscountPercent)
		}
		if pc.RiskScore != scoring.NeutralScore {
			t.Errorf("claim %d: first batch must score %v, got %v", i, scoring.NeutralScore, pc.RiskScore)
		}
		if pc.Status != domain.StatusProcessed || pc.BatchID != "batch-1" || pc.ModelVersion != 0 {
			t.Errorf("claim %d: unexpected metadata %+v", i, pc)
		}
		if !pc.ProcessedAt.Equal(fixedNow) {
			t.Errorf("claim %d: expected processed at %v, got %v", i, fixedNow, pc.ProcessedAt)
		}
	}

	if res.ScoredWith != 0 {
		t.Errorf("expected no bank for first batch, got version %d", res.ScoredWith)
	}
	if res.TrainingError != nil {
		t.Fatalf("training failed: %v", res.TrainingError)
	}
	if res.Trained == nil || res.Trained.Version != 1 {
		t.Fatalf("expected bank version 1 after first batch, got %+v", res.Trained)
	}
}

func TestProcessScoresAgainstPreviousBank(t *testing.T) {
	p := newTestProcessor(t, fastConfig())
	ctx := context.Background()

	first, err := p.Process(ctx, "b1", synthBatch(80, 1))
	if err != nil {
		t.Fatalf("first batch failed: %v", err)
	}
	if first.Trained == nil {
		t.Fatalf("first batch did not train: %v", first.TrainingError)
	}

	second, err := p.Process(ctx, "b2", synthBatch(80, 2))
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if second.ScoredWith != first.Trained.Version {
		t.Errorf("expected second batch scored with v%d, got v%d", first.Trained.Version, second.ScoredWith)
	}
	for i, pc := range second.Claims {
		if pc.ModelVersion != first.Trained.Version {
			t.Errorf("claim %d scored with v%d, want v%d", i, pc.ModelVersion, first.Trained.Version)
		}
		if pc.RiskScore < 0 || pc.RiskScore > 100 {
			t.Errorf("claim %d: score out of range: %v", i, pc.RiskScore)
		}
	}
	if second.Trained == nil || second.Trained.Version != 2 {
		t.Errorf("expected version 2 published after second batch")
	}
}

func TestProcessPreservesOrder(t *testing.T) {
	p := newTestProcessor(t, fastConfig())
	p.AutoTrain = false

	claims := synthBatch(100, 3)
	res, err := p.Process(context.Background(), "b", claims)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	for i, pc := range res.Claims {
		if pc.ClaimID != claims[i].ClaimID {
			t.Fatalf("position %d: expected %s, got %s", i, claims[i].ClaimID, pc.ClaimID)
		}
	}
	if res.Trained != nil || p.Store.Current() != nil {
		t.Error("expected no training with AutoTrain disabled")
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	p := newTestProcessor(t, fastConfig())
	ctx := context.Background()

	bank, err := p.Trainer.Train(ctx, synthBatch(120, 4))
	if err != nil {
		t.Fatalf("training failed: %v", err)
	}

	claims := synthBatch(40, 5)
	first, err := p.Evaluate(ctx, claims, bank)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	second, err := p.Evaluate(ctx, claims, bank)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-evaluation differs (-first +second):\n%s", diff)
	}
}

func TestProcessTrainingFailureIsNotFatal(t *testing.T) {
	cfg := fastConfig()
	cfg.Epochs = 0
	p := newTestProcessor(t, cfg)

	res, err := p.Process(context.Background(), "b", scenarioClaims())
	if err != nil {
		t.Fatalf("batch should succeed despite training failure: %v", err)
	}
	if len(res.Claims) != 3 {
		t.Errorf("expected 3 claims, got %d", len(res.Claims))
	}
	if !errors.Is(res.TrainingError, training.ErrTrainingFailed) {
		t.Errorf("expected ErrTrainingFailed, got %v", res.TrainingError)
	}
	if p.Store.Current() != nil {
		t.Error("failed training must not publish")
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	p := newTestProcessor(t, fastConfig())

	res, err := p.Process(context.Background(), "empty", nil)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(res.Claims) != 0 || res.Trained != nil || res.TrainingError != nil {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestEvaluateCancelled(t *testing.T) {
	p := newTestProcessor(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Evaluate(ctx, synthBatch(10, 6), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func synthBatch(n int, seed uint64) []domain.Claim {
	claims := synth.Claims(synth.Generate(synth.Config{
		Claims:      n,
		AnomalyRate: 0.2,
		Seed:        seed,
		Anchor:      fixedNow,
	}))
	for i := range claims {
		claims[i].ClaimID = fmt.Sprintf("S%d-%04d", seed, i)
	}
	claims[0].BilledAmount = 9000
	return claims
}
