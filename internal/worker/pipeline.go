package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/claimscore/internal/bus"
	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
	"github.com/opensource-finance/claimscore/internal/metrics"
	"github.com/opensource-finance/claimscore/internal/processor"
	"github.com/opensource-finance/claimscore/internal/report"
)

// Pipeline takes a decoded batch through scoring, persistence and event
// publication. The HTTP handlers call it for synchronous requests and the
// Worker calls it for batches arriving on the bus.
type Pipeline struct {
	Processor *processor.Processor
	Repo      domain.Repository

	// Optional collaborators
	Bus     domain.EventBus
	Reports *report.Service
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Run processes decoded into batch. Rejected records are recorded on the
// batch; the valid remainder is scored, stored and announced. Bus failures
// are logged and never fail the batch.
func (p *Pipeline) Run(ctx context.Context, batch *domain.Batch, decoded *ingest.Result) (*processor.Result, error) {
	start := time.Now()

	batch.Received = decoded.Received()
	batch.Rejected = len(decoded.Errors)
	batch.Errors = decoded.Errors
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}
	p.Metrics.AddRejected(batch.Rejected)

	res, err := p.Processor.Process(ctx, batch.ID, decoded.Claims)
	if err != nil {
		p.fail(ctx, batch, err)
		return nil, fmt.Errorf("process batch %s: %w", batch.ID, err)
	}

	if err := p.Repo.SaveClaims(ctx, res.Claims); err != nil {
		p.fail(ctx, batch, err)
		return nil, fmt.Errorf("save claims for batch %s: %w", batch.ID, err)
	}

	batch.Status = domain.BatchCompleted
	batch.Processed = len(res.Claims)
	batch.ScoredWithVersion = res.ScoredWith
	if res.Trained != nil {
		batch.TrainedVersion = res.Trained.Version
	}
	if res.TrainingError != nil {
		batch.TrainingError = res.TrainingError.Error()
	}
	if err := p.Repo.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save batch %s: %w", batch.ID, err)
	}

	if p.Reports != nil {
		p.Reports.Invalidate(ctx)
	}
	p.announce(ctx, batch, res)

	p.logger().Info("batch completed",
		"batch_id", batch.ID,
		"source", batch.Source,
		"received", batch.Received,
		"processed", batch.Processed,
		"rejected", batch.Rejected,
		"high_risk", res.HighRisk,
		"model_version", res.ScoredWith,
		"trained_version", batch.TrainedVersion,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) fail(ctx context.Context, batch *domain.Batch, cause error) {
	batch.Status = domain.BatchFailed
	if err := p.Repo.SaveBatch(ctx, batch); err != nil {
		p.logger().Error("failed to record failed batch",
			"batch_id", batch.ID,
			"cause", cause,
			"error", err,
		)
	}
}

func (p *Pipeline) announce(ctx context.Context, batch *domain.Batch, res *processor.Result) {
	if p.Bus == nil {
		return
	}

	event := domain.ProcessedEvent{
		BatchID:        batch.ID,
		Processed:      batch.Processed,
		HighRisk:       res.HighRisk,
		ModelVersion:   res.ScoredWith,
		TrainedVersion: batch.TrainedVersion,
	}
	if err := bus.PublishJSON(ctx, p.Bus, domain.TopicClaimsProcessed, event); err != nil {
		p.logger().Error("failed to publish processed event",
			"batch_id", batch.ID,
			"error", err,
		)
	}

	for _, c := range res.Claims {
		if !c.HighRisk {
			continue
		}
		alert := domain.AlertEvent{
			BatchID:   batch.ID,
			ClaimID:   c.ClaimID,
			RiskScore: c.RiskScore,
			RuleFlags: c.RuleFlags,
		}
		if err := bus.PublishJSON(ctx, p.Bus, domain.TopicClaimsAlert, alert); err != nil {
			p.logger().Error("failed to publish alert",
				"batch_id", batch.ID,
				"claim_id", c.ClaimID,
				"error", err,
			)
		}
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
