// Package training fits model banks from claim batches and publishes them.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/features"
	"github.com/opensource-finance/claimscore/internal/metrics"
	"github.com/opensource-finance/claimscore/internal/ml"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/rules"
)

// ErrTrainingFailed wraps every error that prevented a bank from being published.
var ErrTrainingFailed = errors.New("training failed")

var tracer = otel.Tracer("claimscore-training")

// Training results reported to metrics.
const (
	ResultPublished  = "published"
	ResultDegenerate = "degenerate"
	ResultFailed     = "failed"
)

// PublishFunc is called after a bank becomes current.
type PublishFunc func(ctx context.Context, bank *modelbank.Bank)

// Trainer fits a new model bank per call. Calls are serialized so that
// cycles queue behind each other; the last successful publish wins.
type Trainer struct {
	mu sync.Mutex

	rules   *rules.Engine
	store   *modelbank.Store
	cfg     domain.TrainingConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	onPublish []PublishFunc
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the trainer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithMetrics records training outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// WithClock overrides the clock used for TrainedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Trainer) { t.now = now }
}

// OnPublish registers a callback run after each successful publish.
func OnPublish(fn PublishFunc) Option {
	return func(t *Trainer) { t.onPublish = append(t.onPublish, fn) }
}

// NewTrainer creates a Trainer that publishes into store.
func NewTrainer(engine *rules.Engine, store *modelbank.Store, cfg domain.TrainingConfig, opts ...Option) *Trainer {
	t := &Trainer{
		rules:  engine,
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Train fits a bank on claims and publishes it. On any failure nothing is
// published and the previous bank stays current.
func (t *Trainer) Train(ctx context.Context, claims []domain.Claim) (*modelbank.Bank, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "training.Train",
		trace.WithAttributes(attribute.Int("claims", len(claims))),
	)
	defer span.End()

	bank, err := t.Fit(ctx, claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.metrics.ObserveTraining(ResultFailed, time.Since(start))
		t.logger.Error("model training failed",
			"claims", len(claims),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	published := t.store.Publish(bank)
	span.SetAttributes(attribute.Int64("model.version", int64(published.Version)))

	result := ResultPublished
	if published.Degenerate() {
		result = ResultDegenerate
	}
	t.metrics.ObserveTraining(result, time.Since(start))
	t.metrics.SetModelVersion(published.Version)
	t.logger.Info("model bank published",
		"model_version", published.Version,
		"samples", published.Samples,
		"positives", published.Positives,
		"degenerate", published.Degenerate(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	for _, fn := range t.onPublish {
		fn(ctx, published)
	}
	return published, nil
}

// Fit builds an unpublished bank. Errors wrap ErrTrainingFailed.
func (t *Trainer) Fit(ctx context.Context, claims []domain.Claim) (bank *modelbank.Bank, err error) {
	defer func() {
		if r := recover(); r != nil {
			bank, err = nil, fmt.Errorf("%w: panic: %v", ErrTrainingFailed, r)
		}
	}()

	if len(claims) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrTrainingFailed, ml.ErrEmptyInput)
	}

	x := features.BuildBatch(claims)
	scaler, err := ml.FitScaler(x)
	if err != nil {
		return nil, fmt.Errorf("%w: scaler: %w", ErrTrainingFailed, err)
	}
	xs := scaler.TransformBatch(x)

	flags, err := t.rules.EvaluateBatch(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: weak labels: %w", ErrTrainingFailed, err)
	}
	labels := make([]int, len(flags))
	positives := 0
	for i, f := range flags {
		if len(f) > 0 {
			labels[i] = 1
			positives++
		}
	}

	bank = &modelbank.Bank{
		TrainedAt: t.now(),
		Samples:   len(claims),
		Positives: positives,
		Scaler:    scaler,
	}

	// The three models are independent; each owns its seeded RNG.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guard(func() error {
		forest, err := ml.FitIsolationForest(gctx, xs, ml.ForestConfig{
			Trees:         t.cfg.Trees,
			MaxSamples:    t.cfg.MaxSamples,
			Contamination: t.cfg.Contamination,
			Seed:          t.cfg.Seed,
		})
		if err != nil {
			return fmt.Errorf("outlier detector: %w", err)
		}
		bank.Outlier = forest
		return nil
	}))
	if positives > 0 && positives < len(claims) {
		g.Go(guard(func() error {
			clf, err := ml.FitBoostedClassifier(gctx, xs, labels, ml.BoostConfig{
				Rounds:         t.cfg.BoostRounds,
				MaxDepth:       t.cfg.BoostDepth,
				LearningRate:   t.cfg.BoostLearningRate,
				Lambda:         1,
				MinChildWeight: 1,
			})
			if err != nil {
				return fmt.Errorf("classifier: %w", err)
			}
			bank.Classifier = clf
			return nil
		}))
	} else {
		t.logger.Info("skipping weak-label classifier on single-class batch",
			"claims", len(claims),
			"positives", positives,
		)
	}
	g.Go(guard(func() error {
		ae, err := ml.FitAutoencoder(gctx, xs, ml.AutoencoderConfig{
			Epochs:       t.cfg.Epochs,
			BatchSize:    t.cfg.BatchSize,
			LearningRate: t.cfg.LearningRate,
			Seed:         t.cfg.Seed,
		})
		if err != nil {
			return fmt.Errorf("reconstruction detector: %w", err)
		}
		bank.Reconstructor = ae
		return nil
	}))

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}
	return bank, nil
}

// guard turns a panic inside a fit goroutine into an error.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}
}
