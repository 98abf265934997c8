// Package worker processes claim batches published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/claimscore/internal/bus"
	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
	"github.com/opensource-finance/claimscore/internal/modelbank"
)

// Worker consumes ingested batches from the EventBus and answers model
// info requests.
type Worker struct {
	bus      domain.EventBus
	pipeline *Pipeline
	store    *modelbank.Store
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, pipeline *Pipeline, store *modelbank.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		pipeline: pipeline,
		store:    store,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingest and model info topics.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	handlers := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicClaimsIngested, w.handleIngested},
		{domain.TopicModelInfo, w.handleModelInfo},
	}
	for _, h := range handlers {
		sub, err := w.bus.Subscribe(w.ctx, h.topic, h.handler)
		if err != nil {
			w.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", h.topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.logger.Info("worker started",
		"topics", []string{domain.TopicClaimsIngested, domain.TopicModelInfo},
	)
	return nil
}

// handleIngested runs one published batch through the pipeline.
func (w *Worker) handleIngested(ctx context.Context, msg *domain.Message) error {
	var event domain.IngestEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.logger.Error("failed to parse ingest event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.BatchID == "" {
		event.BatchID = msg.ID
	}
	if event.Source == "" {
		event.Source = "bus"
	}

	batch := &domain.Batch{
		ID:          event.BatchID,
		Status:      domain.BatchPending,
		Source:      event.Source,
		SubmittedBy: event.SubmittedBy,
	}

	w.logger.Debug("processing ingested batch",
		"batch_id", batch.ID,
		"claims", len(event.Claims),
	)

	decoded := ingest.Validate(event.Claims)
	decoded.Errors = append(event.Rejected, decoded.Errors...)

	_, err := w.pipeline.Run(ctx, batch, decoded)
	return err
}

// handleModelInfo replies with the current bank, or an empty object when
// no bank has been trained.
func (w *Worker) handleModelInfo(ctx context.Context, msg *domain.Message) error {
	payload := []byte("{}")
	if bank := w.store.Current(); bank != nil {
		data, err := json.Marshal(bank.Info())
		if err != nil {
			return err
		}
		payload = data
	}
	return bus.Reply(ctx, w.bus, msg, payload)
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.unsubscribeAll()

	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) unsubscribeAll() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
