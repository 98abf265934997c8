// Package processor runs a claim batch through rules, repricing and scoring
// against one model bank snapshot, then hands the batch to training.
package processor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/metrics"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/pricing"
	"github.com/opensource-finance/claimscore/internal/rules"
	"github.com/opensource-finance/claimscore/internal/scoring"
	"github.com/opensource-finance/claimscore/internal/training"
)

var tracer = otel.Tracer("claimscore-processor")

// Processor scores claim batches.
type Processor struct {
	Rules    *rules.Engine
	Repricer *pricing.Repricer
	Scorer   *scoring.Scorer
	Store    *modelbank.Store
	Trainer  *training.Trainer

	// AutoTrain retrains on every processed batch
	AutoTrain bool

	// Parallelism bounds concurrent per-claim evaluation
	Parallelism int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Result is the outcome of processing one batch.
type Result struct {
	BatchID string
	Claims  []*domain.ProcessedClaim

	// ScoredWith is the bank version every claim was scored against, 0 for none.
	ScoredWith uint64
	HighRisk   int

	// Trained is the bank published after this batch, if any.
	Trained       *modelbank.Bank
	TrainingError error
}

// Process scores claims against the current bank and then trains a new
// bank on them. Claims in the batch never see the bank trained from it.
// A training failure is reported in the result, not as an error.
func (p *Processor) Process(ctx context.Context, batchID string, claims []domain.Claim) (*Result, error) {
	ctx, span := tracer.Start(ctx, "processor.Process",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.Int("batch.size", len(claims)),
		),
	)
	defer span.End()

	bank := p.Store.Current()
	res := &Result{BatchID: batchID}
	if bank != nil {
		res.ScoredWith = bank.Version
	}

	start := time.Now()
	processed, err := p.Evaluate(ctx, claims, bank)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	p.Metrics.ObserveBatchLatency(time.Since(start))

	for _, pc := range processed {
		pc.BatchID = batchID
		if pc.HighRisk {
			res.HighRisk++
		}
		p.Metrics.ObserveClaim(pc.RiskScore, pc.HighRisk)
	}
	res.Claims = processed

	p.logger().Info("batch scored",
		"batch_id", batchID,
		"claims", len(processed),
		"high_risk", res.HighRisk,
		"model_version", res.ScoredWith,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if p.AutoTrain && p.Trainer != nil && len(claims) > 0 {
		trained, err := p.Trainer.Train(ctx, claims)
		if err != nil {
			res.TrainingError = err
		} else {
			res.Trained = trained
		}
	}
	return res, nil
}

// Evaluate scores every claim against bank and returns results in input
// order. It is pure apart from the clock: the same claims, bank and time
// always produce the same output.
func (p *Processor) Evaluate(ctx context.Context, claims []domain.Claim, bank *modelbank.Bank) ([]*domain.ProcessedClaim, error) {
	out := make([]*domain.ProcessedClaim, len(claims))
	now := p.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism())
	for i := range claims {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = p.evaluateOne(&claims[i], bank, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Processor) evaluateOne(c *domain.Claim, bank *modelbank.Bank, now time.Time) *domain.ProcessedClaim {
	repriced, discount := p.Repricer.Reprice(c.ServiceCode, c.BilledAmount)
	score, breakdown := p.Scorer.Explain(c, bank)

	pc := &domain.ProcessedClaim{
		Claim:           *c,
		RuleFlags:       p.Rules.Evaluate(c),
		RepricedAmount:  repriced,
		DiscountPercent: discount,
		RiskScore:       score,
		Breakdown:       breakdown,
		HighRisk:        p.Scorer.IsHighRisk(score),
		Status:          domain.StatusProcessed,
		ProcessedAt:     now,
	}
	if bank != nil {
		pc.ModelVersion = bank.Version
	}
	return pc
}

func (p *Processor) parallelism() int {
	if p.Parallelism <= 0 {
		return 8
	}
	return p.Parallelism
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
