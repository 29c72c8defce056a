// Package signals aggregates the per-request context a user's recent history
// contributes to scoring: previous transaction, velocity, transfer burst and
// device geography.
package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

// Lookback windows, all relative to the server clock at scoring time.
const (
	VelocityWindow     = 10 * time.Minute
	BurstWindow        = 30 * time.Minute
	DeviceWindow       = 90 * 24 * time.Hour
	DeviceCountryLimit = 20
)

// HistoryReader is the subset of a store session the aggregator needs.
type HistoryReader interface {
	LatestTransaction(ctx context.Context, userID string) (*domain.Transaction, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	SumByTypeSince(ctx context.Context, userID string, txType domain.TransactionType, since time.Time) (float64, error)
	DeviceCountriesSince(ctx context.Context, device string, since time.Time, limit int) ([]string, error)
}

// Aggregator builds a domain.HistoryContext from read-only queries.
type Aggregator struct{}

// NewAggregator creates a context aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Collect runs the context queries for one submission. device may be empty,
// in which case no device geography is looked up.
func (a *Aggregator) Collect(ctx context.Context, r HistoryReader, userID, device string, now time.Time) (*domain.HistoryContext, error) {
	now = NormalizeUTC(now)
	hc := &domain.HistoryContext{DeviceSeenCountries: []string{}}

	prev, err := r.LatestTransaction(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("latest transaction: %w", err)
	}
	if prev != nil {
		ts := NormalizeUTC(prev.Timestamp)
		hc.PrevTS = &ts
		hc.PrevCountry = prev.Country
	}

	hc.RecentCount10m, err = r.CountSince(ctx, userID, now.Add(-VelocityWindow))
	if err != nil {
		return nil, fmt.Errorf("velocity count: %w", err)
	}

	hc.RecentTransferSum30m, err = r.SumByTypeSince(ctx, userID, domain.TxTransfer, now.Add(-BurstWindow))
	if err != nil {
		return nil, fmt.Errorf("transfer burst: %w", err)
	}

	if device != "" {
		hc.DeviceSeenCountries, err = r.DeviceCountriesSince(ctx, device, now.Add(-DeviceWindow), DeviceCountryLimit)
		if err != nil {
			return nil, fmt.Errorf("device countries: %w", err)
		}
	}

	return hc, nil
}

// NormalizeUTC converts t to UTC so that timestamps arriving with different
// offsets compare and subtract consistently.
func NormalizeUTC(t time.Time) time.Time {
	return t.UTC()
}

// ElapsedHours returns the hours from prev to now after normalizing both.
// The result is negative under clock skew.
func ElapsedHours(prev, now time.Time) float64 {
	return NormalizeUTC(now).Sub(NormalizeUTC(prev)).Hours()
}
