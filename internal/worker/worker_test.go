package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/ueba/internal/bus"
	"github.com/opensource-finance/ueba/internal/domain"
)

type fakeScorer struct {
	mu       sync.Mutex
	seen     []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeScorer) Score(ctx context.Context, sub *domain.Submission) (*domain.Decision, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	if sub.UserID == "ghost" {
		return nil, fmt.Errorf("%w: user ghost", domain.ErrNotFound)
	}

	f.mu.Lock()
	f.seen = append(f.seen, sub.UserID)
	f.mu.Unlock()
	return &domain.Decision{TxID: "tx-" + sub.UserID, UserID: sub.UserID, FinalRisk: 0.4}, nil
}

func publish(t *testing.T, b domain.EventBus, userID string) {
	t.Helper()
	payload, _ := json.Marshal(SubmissionMessage{
		RequestID:  "req-" + userID,
		Submission: domain.Submission{UserID: userID, Amount: 10, Type: domain.TxPayment},
	})
	if err := b.Publish(context.Background(), domain.TopicTransactionSubmitted, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func waitStats(t *testing.T, w *Worker, cond func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := w.GetStats(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout, stats: %+v", w.GetStats())
	return Stats{}
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, &fakeScorer{})
	if err := w.Start(Config{WorkerCount: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransactionSubmitted {
		t.Errorf("unexpected stats after start: %+v", stats)
	}
	if err := w.Start(Config{WorkerCount: 1}); err == nil {
		t.Error("expected error on double start")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if stats := w.GetStats(); stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerScoresSubmissions(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	scorer := &fakeScorer{delay: 10 * time.Millisecond}
	w := NewWorker(eventBus, scorer)
	if err := w.Start(Config{WorkerCount: 3}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 9; i++ {
		publish(t, eventBus, fmt.Sprintf("u-%d", i))
	}
	publish(t, eventBus, "ghost")

	stats := waitStats(t, w, func(s Stats) bool { return s.Processed+s.Failed == 10 })
	if stats.Processed != 9 || stats.Failed != 1 {
		t.Errorf("expected 9 processed and 1 failed, got %+v", stats)
	}
	if peak := scorer.peak.Load(); peak > 3 {
		t.Errorf("concurrency exceeded worker count: %d", peak)
	}
}

func TestWorkerRejectsMalformedPayload(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	w := NewWorker(eventBus, &fakeScorer{})
	if err := w.Start(Config{WorkerCount: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := eventBus.Publish(context.Background(), domain.TopicTransactionSubmitted, []byte("{not json")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitStats(t, w, func(s Stats) bool { return s.Failed == 1 })
}
