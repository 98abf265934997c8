package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimscore/internal/api"
	"github.com/opensource-finance/claimscore/internal/bus"
	"github.com/opensource-finance/claimscore/internal/cache"
	"github.com/opensource-finance/claimscore/internal/config"
	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/metrics"
	"github.com/opensource-finance/claimscore/internal/modelbank"
	"github.com/opensource-finance/claimscore/internal/report"
	"github.com/opensource-finance/claimscore/internal/repository"
	"github.com/opensource-finance/claimscore/internal/rules"
	"github.com/opensource-finance/claimscore/internal/training"
	"github.com/opensource-finance/claimscore/internal/worker"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func serve(ctx context.Context, cfg *domain.Config, out io.Writer) error {
	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting claimscore",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"auto_train", cfg.Training.AutoTrain,
	)
	logTracing(logger, cfg.Tracing)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	c, err := newCore(cfg, logger, m, training.OnPublish(func(ctx context.Context, bank *modelbank.Bank) {
		if err := bus.PublishJSON(ctx, busImpl, domain.TopicModelPublished, bank.Event()); err != nil {
			slog.Warn("failed to publish model event", "version", bank.Version, "error", err)
		}
	}))
	if err != nil {
		return fmt.Errorf("failed to initialize scoring pipeline: %w", err)
	}
	defer c.Close()

	if err := loadRulesFromDatabase(ctx, repo, c.engine); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", c.engine.RulesCount())

	if cfg.Training.AutoTrain {
		warmStart(ctx, repo, c.trainer, cfg.Training.HistoryLimit)
	}

	reports := report.NewService(repo, cacheImpl, cfg.Cache.ReportTTL, cfg.Scoring.HighRiskThreshold, logger)
	pipeline := &worker.Pipeline{
		Processor: c.processor,
		Repo:      repo,
		Bus:       busImpl,
		Reports:   reports,
		Metrics:   m,
		Logger:    logger,
	}

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Server.Async {
		asyncWorker = worker.NewWorker(busImpl, pipeline, c.store, logger)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started")
	}

	tokens := api.NewTokenService(cfg.Auth)
	if tokens == nil {
		slog.Warn("no JWT secret configured - API is unauthenticated")
	}

	srv := api.NewServer(cfg.Server, cfg.Metrics, api.Deps{
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Engine:       c.engine,
		Store:        c.store,
		Trainer:      c.trainer,
		Pipeline:     pipeline,
		Reports:      reports,
		Metrics:      m,
		Logger:       logger,
		Version:      Version,
		HistoryLimit: cfg.Training.HistoryLimit,
	}, tokens)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("claimscore is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(out, cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("claimscore shutdown complete")
	return serveErr
}

// loadRulesFromDatabase adds stored rules to the built-in set.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Built-in rules still apply
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.ReloadRules(dbRules)
	}

	slog.Info("no custom rules in database - add them via POST /rules")
	return nil
}

// warmStart trains an initial bank from stored history so a restarted
// server does not fall back to neutral scores.
func warmStart(ctx context.Context, repo domain.Repository, trainer *training.Trainer, limit int) {
	stored, _, err := repo.ListClaims(ctx, domain.ClaimFilter{Limit: limit})
	if err != nil {
		slog.Warn("failed to load training history", "error", err)
		return
	}
	if len(stored) == 0 {
		slog.Info("no stored claims - first batch will be scored neutrally")
		return
	}

	claims := make([]domain.Claim, len(stored))
	for i, pc := range stored {
		claims[i] = pc.Claim
	}
	bank, err := trainer.Train(ctx, claims)
	if err != nil {
		slog.Warn("warm start training failed", "claims", len(claims), "error", err)
		return
	}
	slog.Info("model bank trained from history", "version", bank.Version, "claims", len(claims))
}

func printBanner(w io.Writer, cfg *domain.Config, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  ╔═══════════════════════════════════════════╗")
	fmt.Fprintln(w, "  ║               CLAIMSCORE                  ║")
	fmt.Fprintln(w, "  ║     Claim Risk Scoring and Repricing      ║")
	fmt.Fprintln(w, "  ╚═══════════════════════════════════════════╝")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", version)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Auth:     %t\n", cfg.Auth.JWTSecret != "")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST /claims/upload               - Upload a CSV or JSON claim file")
	fmt.Fprintln(w, "    POST /claims                      - Submit claims as JSON (?async=true)")
	fmt.Fprintln(w, "    GET  /claims                      - List scored claims")
	fmt.Fprintln(w, "    GET  /claims/{id}                 - Get a scored claim")
	fmt.Fprintln(w, "    GET  /batches/{id}                - Get batch status")
	fmt.Fprintln(w, "    GET  /anomalies                   - High-risk claim report")
	fmt.Fprintln(w, "    GET  /savings                     - Repricing savings report")
	fmt.Fprintln(w, "    GET  /export/csv                  - Export scored claims")
	fmt.Fprintln(w, "    GET  /model                       - Current model bank")
	fmt.Fprintln(w, "    POST /model/train                 - Retrain from stored claims")
	fmt.Fprintln(w, "    POST /model/rollback/{version}    - Roll back the model bank")
	fmt.Fprintln(w, "    GET  /rules                       - List rules")
	fmt.Fprintln(w, "    POST /rules                       - Create a rule")
	fmt.Fprintln(w, "    POST /rules/reload                - Hot-reload rules from database")
	fmt.Fprintln(w, "    GET  /health                      - Health check")
	fmt.Fprintln(w)
}
