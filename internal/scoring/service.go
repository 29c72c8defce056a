// Package scoring runs the synchronous per-transaction pipeline: profile and
// context reads, feature construction, anomaly scoring, rule evaluation,
// fusion and the single insert that makes the result durable.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/ueba/internal/anomaly"
	"github.com/opensource-finance/ueba/internal/bus"
	"github.com/opensource-finance/ueba/internal/cache"
	"github.com/opensource-finance/ueba/internal/decision"
	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/features"
	"github.com/opensource-finance/ueba/internal/metrics"
	"github.com/opensource-finance/ueba/internal/rules"
	"github.com/opensource-finance/ueba/internal/signals"
)

// CountryResolver maps a network address to an ISO country code.
type CountryResolver interface {
	Country(ip string) (string, error)
}

// Service scores submissions. It holds no per-request state; every call opens
// its own store session.
type Service struct {
	store      domain.HistoryStore
	profiles   *cache.ProfileCache
	events     domain.EventBus
	geo        CountryResolver
	aggregator *signals.Aggregator
	builder    *features.Builder
	scorer     anomaly.Scorer
	engine     *rules.Engine
	processor  *decision.Processor
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// Option customizes a Service.
type Option func(*Service)

// WithProfileCache reads profiles through pc before the store.
func WithProfileCache(pc *cache.ProfileCache) Option {
	return func(s *Service) { s.profiles = pc }
}

// WithEventBus publishes scored and alert events after each insert.
func WithEventBus(b domain.EventBus) Option {
	return func(s *Service) { s.events = b }
}

// WithCountryResolver fills a missing country from the submission's IP.
func WithCountryResolver(r CountryResolver) Option {
	return func(s *Service) { s.geo = r }
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires the pipeline. The feature builder and the scorer must agree
// on dimensionality.
func NewService(store domain.HistoryStore, builder *features.Builder, scorer anomaly.Scorer, engine *rules.Engine, opts ...Option) (*Service, error) {
	if store == nil || builder == nil || scorer == nil || engine == nil {
		return nil, fmt.Errorf("%w: store, feature builder, scorer and rule engine are required", domain.ErrConfiguration)
	}
	if builder.Dimension() != scorer.Dimension() {
		return nil, fmt.Errorf("%w: feature builder produces %d features, scorer expects %d",
			domain.ErrConfiguration, builder.Dimension(), scorer.Dimension())
	}

	s := &Service{
		store:      store,
		aggregator: signals.NewAggregator(),
		builder:    builder,
		scorer:     scorer,
		engine:     engine,
		processor:  decision.NewProcessor(),
		tracer:     otel.Tracer("ueba-scoring"),
		logger:     slog.Default(),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score runs the pipeline for one submission. On success exactly one
// transaction row has been inserted; on any error nothing was written.
func (s *Service) Score(ctx context.Context, sub *domain.Submission) (*domain.Decision, error) {
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "scoring.Score",
		trace.WithAttributes(
			attribute.String("user.id", sub.UserID),
			attribute.String("tx.type", string(sub.Type)),
		),
	)
	defer span.End()

	d, tx, err := s.score(ctx, sub, start)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ScoredTotal.WithLabelValues(outcomeFor(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tx.id", d.TxID),
		attribute.Float64("risk.final", d.FinalRisk),
		attribute.Bool("risk.flagged", d.Flagged),
	)
	s.record(d)
	s.publish(ctx, tx, d)
	return d, nil
}

func (s *Service) score(ctx context.Context, sub *domain.Submission, start time.Time) (*domain.Decision, *domain.Transaction, error) {
	if err := sub.Validate(); err != nil {
		return nil, nil, err
	}

	now := signals.NormalizeUTC(s.now())
	tx := sub.ToTransaction(s.newID(), now)
	if tx.Country == "" && tx.IP != "" {
		tx.Country = s.resolveCountry(tx.IP)
	}

	session, err := s.store.Session(ctx)
	if err != nil {
		return nil, nil, storeErr("open session", err)
	}
	defer session.Close()

	profile, err := s.profile(ctx, session, tx.UserID)
	if err != nil {
		return nil, nil, err
	}

	vec, featureWarnings, err := s.builder.Build(ctx, session, features.Input{
		UserID:  tx.UserID,
		Amount:  tx.Amount,
		Hour:    now.Hour(),
		Type:    tx.Type,
		Country: tx.Country,
		Now:     now,
	})
	if err != nil {
		return nil, nil, storeErr("build features", err)
	}

	rawScore, err := s.scorer.Score(vec)
	if err != nil {
		return nil, nil, err
	}
	label, err := s.scorer.Classify(vec)
	if err != nil {
		return nil, nil, err
	}

	hc, err := s.aggregator.Collect(ctx, session, tx.UserID, tx.DeviceFingerprint, now)
	if err != nil {
		return nil, nil, storeErr("collect context", err)
	}

	ruleResult, err := s.engine.Evaluate(&rules.Input{
		Amount:    tx.Amount,
		Type:      tx.Type,
		Country:   tx.Country,
		Device:    tx.DeviceFingerprint,
		Timestamp: now,
		Profile:   profile,
		Context:   hc,
	})
	if err != nil {
		return nil, nil, err
	}

	d := s.processor.Process(&decision.Input{
		TxID:         tx.ID,
		UserID:       tx.UserID,
		Amount:       tx.Amount,
		Type:         tx.Type,
		Country:      tx.Country,
		Timestamp:    now,
		Profile:      profile,
		AnomalyScore: rawScore,
		AnomalyLabel: label,
		Rules:        ruleResult,
		Warnings:     featureWarnings,
		StartTime:    start,
	})

	tx.AnomalyScore = d.AnomalyScore
	tx.AnomalyLabel = d.AnomalyLabel
	tx.RulesScore = d.RulesScore
	tx.FinalRisk = d.FinalRisk
	tx.AnomalyFlag = d.Flagged
	tx.Explanations = d.Explanations

	if err := session.InsertTransaction(ctx, tx); err != nil {
		return nil, nil, storeErr("insert transaction", err)
	}

	for _, w := range d.Warnings {
		s.logger.Debug("data quality warning",
			"tx_id", tx.ID,
			"user_id", tx.UserID,
			"rule", w.Rule,
			"message", w.Message,
		)
	}
	return d, tx, nil
}

// profile reads through the cache. A missing user is ErrNotFound.
func (s *Service) profile(ctx context.Context, session domain.Session, userID string) (*domain.UserProfile, error) {
	if p, err := s.profiles.Get(ctx, userID); err != nil {
		s.logger.Warn("profile cache read failed", "user_id", userID, "error", err)
	} else if p != nil {
		return p, nil
	}

	p, err := session.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, storeErr("get user profile", err)
	}

	if err := s.profiles.Set(ctx, userID, p); err != nil {
		s.logger.Warn("profile cache write failed", "user_id", userID, "error", err)
	}
	return p, nil
}

func (s *Service) resolveCountry(ip string) string {
	if s.geo == nil {
		return ""
	}
	country, err := s.geo.Country(ip)
	if err != nil {
		s.logger.Debug("country resolution failed", "ip", ip, "error", err)
		return ""
	}
	return country
}

func (s *Service) record(d *domain.Decision) {
	outcome := "pass"
	if d.Flagged {
		outcome = "flagged"
	}
	metrics.ScoredTotal.WithLabelValues(outcome).Inc()
	metrics.FinalRisk.Observe(d.FinalRisk)
	for _, id := range d.FiredRules {
		metrics.RulesFiredTotal.WithLabelValues(id).Inc()
	}
	for _, w := range d.Warnings {
		metrics.DataQualityWarningsTotal.WithLabelValues(w.Rule).Inc()
	}
}

// publish is best effort: the row is already durable.
func (s *Service) publish(ctx context.Context, tx *domain.Transaction, d *domain.Decision) {
	if s.events == nil {
		return
	}

	event := domain.ScoredEvent{Transaction: tx, Decision: d}
	if err := bus.PublishJSON(ctx, s.events, domain.TopicTransactionScored, event); err != nil {
		s.logger.Warn("failed to publish scored event", "tx_id", tx.ID, "error", err)
	}
	if d.Flagged {
		if err := bus.PublishJSON(ctx, s.events, domain.TopicAlert, event); err != nil {
			s.logger.Warn("failed to publish alert", "tx_id", tx.ID, "error", err)
		}
	}
}

// storeErr classifies err as a transient store failure unless it already
// carries one of the domain sentinels.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrStore):
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStore, op, err)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration_error"
	default:
		return "store_error"
	}
}
