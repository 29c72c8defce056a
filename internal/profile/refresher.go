// Package profile recomputes per-user behavioral baselines from full
// transaction history. It runs out of band from scoring.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/ueba/internal/bus"
	"github.com/opensource-finance/ueba/internal/cache"
	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/metrics"
	"github.com/opensource-finance/ueba/internal/stats"
)

// UsualCountryCount is how many of the most frequent countries a profile keeps.
const UsualCountryCount = 3

// Refresher patches stored profiles with baselines derived from history.
type Refresher struct {
	store       domain.HistoryStore
	profiles    *cache.ProfileCache
	events      domain.EventBus
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// Option customizes a Refresher.
type Option func(*Refresher)

// WithProfileCache invalidates cached profiles after each patch.
func WithProfileCache(pc *cache.ProfileCache) Option {
	return func(r *Refresher) { r.profiles = pc }
}

// WithEventBus publishes a refreshed event per patched user.
func WithEventBus(b domain.EventBus) Option {
	return func(r *Refresher) { r.events = b }
}

// WithConcurrency bounds how many users RefreshAll processes at once.
func WithConcurrency(n int) Option {
	return func(r *Refresher) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides the clock used to stamp results and events.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// WithLogger sets the refresher logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

// NewRefresher creates a refresher over store.
func NewRefresher(store domain.HistoryStore, opts ...Option) *Refresher {
	r := &Refresher{
		store:       store,
		concurrency: 4,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result describes one user's refresh.
type Result struct {
	UserID      string              `json:"user_id"`
	TxCount     int                 `json:"tx_count"`
	Patched     bool                `json:"patched"`
	RefreshedAt time.Time           `json:"refreshed_at"`
	Profile     *domain.UserProfile `json:"profile,omitempty"`
}

// Summary aggregates a RefreshAll run.
type Summary struct {
	Users     int           `json:"users"`
	Refreshed int           `json:"refreshed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Baseline derives the profile fields a refresh owns from a user's history.
// It returns nil for an empty history.
func Baseline(history []*domain.Transaction) *domain.ProfilePatch {
	if len(history) == 0 {
		return nil
	}

	amounts := make([]float64, 0, len(history))
	countries := make(map[string]int)
	devices := make(map[string]struct{})
	byHour := make(map[int][]float64)

	for _, tx := range history {
		amounts = append(amounts, tx.Amount)
		if tx.Country != "" {
			countries[tx.Country]++
		}
		if tx.DeviceFingerprint != "" {
			devices[tx.DeviceFingerprint] = struct{}{}
		}
		hour := tx.Timestamp.UTC().Hour()
		byHour[hour] = append(byHour[hour], tx.Amount)
	}

	patch := &domain.ProfilePatch{
		UsualCountries: stats.TopK(countries, UsualCountryCount),
		UsualDevices:   make([]string, 0, len(devices)),
		HourlyMedian:   make(map[int]float64, len(byHour)),
	}

	if median, ok := stats.Median(amounts); ok {
		patch.AvgAmount = &median
	}
	for d := range devices {
		patch.UsualDevices = append(patch.UsualDevices, d)
	}
	sort.Strings(patch.UsualDevices)
	for hour, values := range byHour {
		if median, ok := stats.Median(values); ok {
			patch.HourlyMedian[hour] = median
		}
	}
	return patch
}

// RefreshUser recomputes one user's baseline. Users without history are left
// untouched. Running it twice over the same history yields the same profile.
func (r *Refresher) RefreshUser(ctx context.Context, userID string) (*Result, error) {
	session, err := r.store.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %w", domain.ErrStore, err)
	}
	defer session.Close()

	history, err := session.UserHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: read history for %s: %w", domain.ErrStore, userID, err)
	}

	res := &Result{UserID: userID, TxCount: len(history), RefreshedAt: r.now().UTC()}
	patch := Baseline(history)
	if patch == nil {
		profile, err := session.GetUserProfile(ctx, userID)
		if err != nil {
			return nil, refreshErr("read profile", userID, err)
		}
		res.Profile = profile
		metrics.ProfilesRefreshedTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}

	if err := session.PatchUserProfile(ctx, userID, *patch); err != nil {
		metrics.ProfilesRefreshedTotal.WithLabelValues("error").Inc()
		return nil, refreshErr("patch profile", userID, err)
	}

	profile, err := session.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, refreshErr("reload profile", userID, err)
	}
	res.Patched = true
	res.Profile = profile
	metrics.ProfilesRefreshedTotal.WithLabelValues("ok").Inc()

	if err := r.profiles.Invalidate(ctx, userID); err != nil {
		r.logger.Warn("profile cache invalidation failed", "user_id", userID, "error", err)
	}

	event := domain.ProfileRefreshedEvent{
		UserID:      userID,
		Profile:     *profile,
		TxCount:     res.TxCount,
		RefreshedAt: res.RefreshedAt,
	}
	if err := bus.PublishJSON(ctx, r.events, domain.TopicProfileRefreshed, event); err != nil {
		r.logger.Warn("failed to publish profile refresh", "user_id", userID, "error", err)
	}

	r.logger.Debug("profile refreshed",
		"user_id", userID,
		"tx_count", res.TxCount,
		"usual_countries", profile.UsualCountries,
	)
	return res, nil
}

// RefreshAll refreshes every user with at most the configured concurrency.
// A failing user is logged and counted; it does not stop the batch.
func (r *Refresher) RefreshAll(ctx context.Context) (*Summary, error) {
	start := time.Now()

	userIDs, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", domain.ErrStore, err)
	}

	var refreshed, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, id := range userIDs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.RefreshUser(gctx, id)
			switch {
			case err != nil:
				failed.Add(1)
				r.logger.Error("profile refresh failed", "user_id", id, "error", err)
			case res.Patched:
				refreshed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := &Summary{
		Users:     len(userIDs),
		Refreshed: int(refreshed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}

	r.logger.Info("profile refresh complete",
		"users", summary.Users,
		"refreshed", summary.Refreshed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	return summary, ctx.Err()
}

// Run calls RefreshAll immediately and then every interval until ctx ends.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: refresh interval must be positive", domain.ErrConfiguration)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("profile refresh run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// refreshErr keeps ErrNotFound visible and classifies the rest as store errors.
func refreshErr(op, userID string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s for %s: %w", domain.ErrStore, op, userID, err)
}
