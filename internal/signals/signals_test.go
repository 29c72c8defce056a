package signals

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

type fakeReader struct {
	latest    *domain.Transaction
	count     int
	sum       float64
	countries []string
	err       error

	gotCountSince  time.Time
	gotSumSince    time.Time
	gotDevice      string
	deviceLookedUp bool
}

func (f *fakeReader) LatestTransaction(ctx context.Context, userID string) (*domain.Transaction, error) {
	return f.latest, f.err
}

func (f *fakeReader) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	f.gotCountSince = since
	return f.count, nil
}

func (f *fakeReader) SumByTypeSince(ctx context.Context, userID string, txType domain.TransactionType, since time.Time) (float64, error) {
	if txType != domain.TxTransfer {
		return 0, errors.New("unexpected type")
	}
	f.gotSumSince = since
	return f.sum, nil
}

func (f *fakeReader) DeviceCountriesSince(ctx context.Context, device string, since time.Time, limit int) ([]string, error) {
	f.deviceLookedUp = true
	f.gotDevice = device
	if limit != DeviceCountryLimit {
		return nil, errors.New("unexpected limit")
	}
	return f.countries, nil
}

func TestCollect(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	agg := NewAggregator()

	t.Run("FirstTransaction", func(t *testing.T) {
		r := &fakeReader{}
		hc, err := agg.Collect(ctx, r, "u-1", "", now)
		if err != nil {
			t.Fatalf("Collect failed: %v", err)
		}
		if hc.PrevTS != nil || hc.PrevCountry != "" {
			t.Errorf("expected no previous transaction, got %+v", hc)
		}
		if r.deviceLookedUp {
			t.Error("device geography must not be queried without a fingerprint")
		}
		if hc.DeviceSeenCountries == nil || len(hc.DeviceSeenCountries) != 0 {
			t.Errorf("expected empty device countries, got %v", hc.DeviceSeenCountries)
		}
	})

	t.Run("WindowsAndDevice", func(t *testing.T) {
		ist := time.FixedZone("IST", 5*3600+1800)
		prevTS := time.Date(2026, 5, 10, 12, 30, 0, 0, ist) // 07:00 UTC
		r := &fakeReader{
			latest:    &domain.Transaction{Timestamp: prevTS, Country: "IN"},
			count:     6,
			sum:       900,
			countries: []string{"IN", "SG"},
		}

		hc, err := agg.Collect(ctx, r, "u-1", "dev-1", now)
		if err != nil {
			t.Fatalf("Collect failed: %v", err)
		}
		if hc.PrevTS == nil || hc.PrevTS.Location() != time.UTC || !hc.PrevTS.Equal(prevTS) {
			t.Errorf("prev_ts not normalized to UTC: %v", hc.PrevTS)
		}
		if hc.PrevCountry != "IN" || hc.RecentCount10m != 6 || hc.RecentTransferSum30m != 900 {
			t.Errorf("unexpected context: %+v", hc)
		}
		if !r.gotCountSince.Equal(now.Add(-10*time.Minute)) || !r.gotSumSince.Equal(now.Add(-30*time.Minute)) {
			t.Errorf("wrong windows: count=%v sum=%v", r.gotCountSince, r.gotSumSince)
		}
		if r.gotDevice != "dev-1" || len(hc.DeviceSeenCountries) != 2 {
			t.Errorf("device lookup not applied: %+v", hc)
		}
	})

	t.Run("StoreError", func(t *testing.T) {
		r := &fakeReader{err: errors.New("connection reset")}
		if _, err := agg.Collect(ctx, r, "u-1", "", now); err == nil {
			t.Error("expected store error to surface")
		}
	})
}

func TestElapsedHoursAcrossOffsets(t *testing.T) {
	ist := time.FixedZone("+05:30", 5*3600+1800)
	prev := time.Date(2026, 1, 1, 10, 30, 0, 0, ist) // 05:00 UTC
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.FixedZone("+00:00", 0))

	got := ElapsedHours(prev, now)
	if math.Abs(got-2.0) > 1e-9 {
		t.Errorf("ElapsedHours = %v, want 2", got)
	}

	if again := ElapsedHours(prev, now); again != got {
		t.Errorf("ElapsedHours not deterministic: %v vs %v", got, again)
	}

	if skew := ElapsedHours(now, prev); skew >= 0 {
		t.Errorf("expected negative elapsed under skew, got %v", skew)
	}
}
