package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/claimscore/internal/bus"
	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/pricing"
	"github.com/opensource-finance/claimscore/internal/processor"
	"github.com/opensource-finance/claimscore/internal/repository"
	"github.com/opensource-finance/claimscore/internal/rules"
	"github.com/opensource-finance/claimscore/internal/scoring"
	"github.com/opensource-finance/claimscore/internal/training"
)

type fixture struct {
	bus      *bus.ChannelBus
	repo     domain.Repository
	store    *modelbank.Store
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	engine, err := rules.NewEngine(nil, 4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() {
		eventBus.Close()
		repo.Close()
		engine.Close()
	})

	cfg := domain.DefaultConfig().Training
	cfg.Trees = 20
	cfg.BoostRounds = 5
	cfg.Epochs = 3

	store := modelbank.NewStore(3)
	// Every claim counts as high risk so alerts are observable.
	scorer := &scoring.Scorer{HighRiskThreshold: 0}

	proc := &processor.Processor{
		Rules:     engine,
		Repricer:  pricing.NewRepricer(nil),
		Scorer:    scorer,
		Store:     store,
		Trainer:   training.NewTrainer(engine, store, cfg),
		AutoTrain: true,
	}

	return &fixture{
		bus:   eventBus,
		repo:  repo,
		store: store,
		pipeline: &Pipeline{
			Processor: proc,
			Repo:      repo,
			Bus:       eventBus,
		},
	}
}

func claims() []domain.Claim {
	return []domain.Claim{
		{ClaimID: "C1", PatientID: "P1", PatientAge: 10, PatientGender: "m", ServiceCode: "99213",
			BilledAmount: 200, AllowedAmount: 180, ProviderID: "PR1", ProviderSpecialty: "Pediatrics", RawClaimDate: "2024-01-15"},
		{ClaimID: "C2", PatientID: "P2", PatientAge: 40, PatientGender: "F", ServiceCode: "99213",
			BilledAmount: 8000, AllowedAmount: 7000, ProviderID: "PR2", ProviderSpecialty: "Internal Medicine", RawClaimDate: "2024-02-20"},
		{ClaimID: "C3", PatientID: "P3", PatientAge: 35, PatientGender: "M", ServiceCode: "97110",
			BilledAmount: 100, AllowedAmount: 90, ProviderID: "PR3", ProviderSpecialty: "Orthopedics", RawClaimDate: "2024-03-05"},
		{ClaimID: "C4", PatientID: "P4", PatientAge: 50, PatientGender: "X", ServiceCode: "97110",
			BilledAmount: 100, AllowedAmount: 90, ProviderID: "PR3", ProviderSpecialty: "Orthopedics", RawClaimDate: "2024-03-05"},
	}
}

func TestPipelineRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var alerts []domain.AlertEvent
	var wg sync.WaitGroup
	wg.Add(3)
	f.bus.Subscribe(ctx, domain.TopicClaimsAlert, func(ctx context.Context, msg *domain.Message) error {
		var a domain.AlertEvent
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
		wg.Done()
		return nil
	})

	batch := &domain.Batch{ID: "batch-1", Source: "api"}
	res, err := f.pipeline.Run(ctx, batch, ingest.Validate(claims()))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Claims) != 3 {
		t.Fatalf("expected 3 processed claims, got %d", len(res.Claims))
	}
	if batch.Received != 4 || batch.Processed != 3 || batch.Rejected != 1 {
		t.Errorf("unexpected counts received=%d processed=%d rejected=%d", batch.Received, batch.Processed, batch.Rejected)
	}
	if batch.Errors[0].Field != "patient_gender" || batch.Errors[0].Row != 4 {
		t.Errorf("unexpected rejection %+v", batch.Errors[0])
	}
	if batch.ScoredWithVersion != 0 || batch.TrainedVersion != 1 {
		t.Errorf("expected scored with 0 and trained 1, got %d and %d", batch.ScoredWithVersion, batch.TrainedVersion)
	}

	stored, err := f.repo.GetBatch(ctx, "batch-1")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if stored.Status != domain.BatchCompleted {
		t.Errorf("expected completed batch, got %s", stored.Status)
	}

	c2, err := f.repo.GetClaim(ctx, "C2")
	if err != nil {
		t.Fatalf("GetClaim failed: %v", err)
	}
	if c2.RepricedAmount != 6400 || c2.RiskScore != scoring.NeutralScore {
		t.Errorf("unexpected stored claim repriced=%v score=%v", c2.RepricedAmount, c2.RiskScore)
	}
	if c2.BatchID != "batch-1" {
		t.Errorf("expected batch id on claim, got %q", c2.BatchID)
	}

	waitGroup(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 3 {
		t.Errorf("expected 3 alerts, got %d", len(alerts))
	}
}

func TestPipelineRecordsFailure(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := &domain.Batch{ID: "batch-x", Source: "api"}
	_, err := f.pipeline.Run(ctx, batch, ingest.Validate(claims()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if batch.Status != domain.BatchFailed {
		t.Errorf("expected failed status, got %s", batch.Status)
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for events")
	}
}

func TestWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := NewWorker(f.bus, f.pipeline, f.store, nil)

	t.Run("StartAndStats", func(t *testing.T) {
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ModelInfoBeforeTraining", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := f.bus.Request(reqCtx, domain.TopicModelInfo, nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		if string(reply) != "{}" {
			t.Errorf("expected empty info, got %s", reply)
		}
	})

	t.Run("ProcessIngestedBatch", func(t *testing.T) {
		var processed domain.ProcessedEvent
		var wg sync.WaitGroup
		wg.Add(1)
		sub, _ := f.bus.Subscribe(ctx, domain.TopicClaimsProcessed, func(ctx context.Context, msg *domain.Message) error {
			defer wg.Done()
			return json.Unmarshal(msg.Payload, &processed)
		})
		defer sub.Unsubscribe()

		event := domain.IngestEvent{BatchID: "bus-1", Source: "api", Claims: claims()}
		if err := bus.PublishJSON(ctx, f.bus, domain.TopicClaimsIngested, event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		waitGroup(t, &wg)

		if processed.BatchID != "bus-1" || processed.Processed != 3 {
			t.Errorf("unexpected processed event %+v", processed)
		}
		if processed.TrainedVersion != 1 {
			t.Errorf("expected trained version 1, got %d", processed.TrainedVersion)
		}

		batch, err := f.repo.GetBatch(ctx, "bus-1")
		if err != nil {
			t.Fatalf("GetBatch failed: %v", err)
		}
		if batch.Rejected != 1 {
			t.Errorf("expected 1 rejected record, got %d", batch.Rejected)
		}
	})

	t.Run("ModelInfoAfterTraining", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := f.bus.Request(reqCtx, domain.TopicModelInfo, nil)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		var info modelbank.Info
		if err := json.Unmarshal(reply, &info); err != nil {
			t.Fatalf("bad info payload: %v", err)
		}
		if info.Version != 1 || info.Samples != 3 {
			t.Errorf("unexpected info %+v", info)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})
}
