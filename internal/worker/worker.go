// Package worker scores submissions delivered over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

// Scorer is the pipeline entry point the worker drives.
type Scorer interface {
	Score(ctx context.Context, sub *domain.Submission) (*domain.Decision, error)
}

// SubmissionMessage is the payload on domain.TopicTransactionSubmitted.
type SubmissionMessage struct {
	RequestID  string            `json:"request_id"`
	Submission domain.Submission `json:"submission"`
}

// Worker consumes submissions and scores them with bounded concurrency.
// A failed submission is logged and dropped, never retried.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	slots         chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed, failed int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount bounds how many submissions are scored at once.
	WorkerCount int
}

// NewWorker creates an idle worker.
func NewWorker(bus domain.EventBus, scorer Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		scorer: scorer,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the submission topic.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscriptions) > 0 {
		return errors.New("worker already started")
	}
	w.slots = make(chan struct{}, cfg.WorkerCount)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionSubmitted, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started",
		"topic", domain.TopicTransactionSubmitted,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

// dispatch blocks until a slot is free, then scores on its own goroutine.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		_ = w.process(w.ctx, msg)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var sm SubmissionMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		w.recordFailure()
		w.logger.Error("failed to parse submission message", "message_id", msg.ID, "error", err)
		return err
	}

	requestID := sm.RequestID
	if requestID == "" {
		requestID = msg.ID
	}

	d, err := w.scorer.Score(ctx, &sm.Submission)
	if err != nil {
		w.recordFailure()
		w.logger.Error("async scoring failed",
			"request_id", requestID,
			"user_id", sm.Submission.UserID,
			"error", err,
		)
		return err
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	w.logger.Info("transaction scored",
		"request_id", requestID,
		"tx_id", d.TxID,
		"user_id", d.UserID,
		"final_risk", d.FinalRisk,
		"anomaly", d.Flagged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) recordFailure() {
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
}

// Stop unsubscribes and waits for in-flight scoring to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	w.wg.Wait()
	w.cancel()

	w.logger.Info("worker stopped")
	return nil
}

// Stats is a snapshot of worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
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
		Processed:         w.processed,
		Failed:            w.failed,
	}
}
