package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/metrics"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/pricing"
	"github.com/opensource-finance/claimscore/internal/processor"
	"github.com/opensource-finance/claimscore/internal/rules"
	"github.com/opensource-finance/claimscore/internal/scoring"
	"github.com/opensource-finance/claimscore/internal/training"
)

// core is the scoring pipeline shared by the server and the offline scorer.
type core struct {
	engine    *rules.Engine
	store     *modelbank.Store
	trainer   *training.Trainer
	processor *processor.Processor
}

func newCore(cfg *domain.Config, logger *slog.Logger, m *metrics.Metrics, opts ...training.Option) (*core, error) {
	engine, err := rules.NewEngine(logger, cfg.Scoring.Parallelism)
	if err != nil {
		return nil, err
	}

	table, err := pricing.NewTable(cfg.Repricing.DefaultRate, cfg.Repricing.Rates)
	if err != nil {
		engine.Close()
		return nil, err
	}

	store := modelbank.NewStore(cfg.ModelBank.Retain)
	opts = append([]training.Option{training.WithLogger(logger), training.WithMetrics(m)}, opts...)
	trainer := training.NewTrainer(engine, store, cfg.Training, opts...)

	return &core{
		engine:  engine,
		store:   store,
		trainer: trainer,
		processor: &processor.Processor{
			Rules:       engine,
			Repricer:    pricing.NewRepricer(table),
			Scorer:      &scoring.Scorer{HighRiskThreshold: cfg.Scoring.HighRiskThreshold},
			Store:       store,
			Trainer:     trainer,
			AutoTrain:   cfg.Training.AutoTrain,
			Parallelism: cfg.Scoring.Parallelism,
			Metrics:     m,
			Logger:      logger,
		},
	}, nil
}

func (c *core) Close() error {
	return c.engine.Close()
}

// newLogger builds the process logger. JSON is the default format.
func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// logTracing reports how spans are handled. No SDK is installed, so an
// enabled tracer still records into the global no-op provider.
func logTracing(logger *slog.Logger, cfg domain.TracingConfig) {
	if !cfg.Enabled {
		return
	}
	logger.Warn("tracing enabled but no exporter is installed, spans are discarded",
		"service", cfg.ServiceName,
		"exporter", cfg.ExporterType,
		"endpoint", cfg.Endpoint,
	)
}
