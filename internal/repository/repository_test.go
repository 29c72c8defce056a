package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "ueba-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func scoredTx(id, userID string, ts time.Time, amount float64, txType domain.TransactionType, country, device string) *domain.Transaction {
	return &domain.Transaction{
		ID:                id,
		UserID:            userID,
		Timestamp:         ts,
		Amount:            amount,
		Type:              txType,
		Country:           country,
		DeviceFingerprint: device,
		AnomalyScore:      0.05,
		AnomalyLabel:      1,
		RulesScore:        0.1,
		FinalRisk:         0.3,
		Explanations:      []string{"Anomaly score 0.050 (IForest)"},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	user := &domain.User{ID: "u-1", Name: "Asha", Country: "IN", Profile: domain.DefaultProfile("IN")}
	if err := repo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("GetUser", func(t *testing.T) {
		got, err := repo.GetUser(ctx, "u-1")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if got.Name != "Asha" || len(got.Profile.UsualCountries) != 1 || got.Profile.UsualCountries[0] != "IN" {
			t.Errorf("unexpected user: %+v", got)
		}
		if got.Profile.AvgAmount != nil {
			t.Errorf("new profile should have no baseline, got %v", *got.Profile.AvgAmount)
		}
	})

	t.Run("GetUserNotFound", func(t *testing.T) {
		_, err := repo.GetUser(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	sess, err := repo.Session(ctx)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	defer sess.Close()

	t.Run("LatestTransactionEmpty", func(t *testing.T) {
		tx, err := sess.LatestTransaction(ctx, "u-1")
		if err != nil {
			t.Fatalf("LatestTransaction failed: %v", err)
		}
		if tx != nil {
			t.Errorf("expected no prior transaction, got %+v", tx)
		}
	})

	history := []*domain.Transaction{
		scoredTx("tx-1", "u-1", now.Add(-40*24*time.Hour), 1000, domain.TxPayment, "IN", "dev-a"),
		scoredTx("tx-2", "u-1", now.Add(-2*time.Hour), 10, domain.TxPayment, "IN", "dev-a"),
		scoredTx("tx-3", "u-1", now.Add(-20*time.Minute), 30, domain.TxTransfer, "US", "dev-a"),
		scoredTx("tx-4", "u-1", now.Add(-5*time.Minute), 20, domain.TxTransfer, "", "dev-b"),
	}
	for _, tx := range history {
		if err := sess.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("InsertTransaction(%s) failed: %v", tx.ID, err)
		}
	}

	t.Run("GetTransaction", func(t *testing.T) {
		got, err := repo.GetTransaction(ctx, "tx-3")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.Amount != 30 || got.Type != domain.TxTransfer || got.Country != "US" {
			t.Errorf("unexpected transaction: %+v", got)
		}
		if !got.Timestamp.Equal(now.Add(-20 * time.Minute)) {
			t.Errorf("timestamp round trip: got %v", got.Timestamp)
		}
		if len(got.Explanations) != 1 {
			t.Errorf("explanations not decoded: %v", got.Explanations)
		}
	})

	t.Run("LatestTransaction", func(t *testing.T) {
		tx, err := sess.LatestTransaction(ctx, "u-1")
		if err != nil {
			t.Fatalf("LatestTransaction failed: %v", err)
		}
		if tx == nil || tx.ID != "tx-4" {
			t.Errorf("expected tx-4, got %+v", tx)
		}
		if tx != nil && tx.Country != "" {
			t.Errorf("missing country should scan as empty, got %q", tx.Country)
		}
	})

	t.Run("CountSince", func(t *testing.T) {
		count, err := sess.CountSince(ctx, "u-1", now.Add(-10*time.Minute))
		if err != nil {
			t.Fatalf("CountSince failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 tx in 10m, got %d", count)
		}
	})

	t.Run("SumByTypeSince", func(t *testing.T) {
		sum, err := sess.SumByTypeSince(ctx, "u-1", domain.TxTransfer, now.Add(-30*time.Minute))
		if err != nil {
			t.Fatalf("SumByTypeSince failed: %v", err)
		}
		if sum != 50 {
			t.Errorf("expected transfer sum 50, got %v", sum)
		}

		none, err := sess.SumByTypeSince(ctx, "u-1", domain.TxDeposit, now.Add(-30*time.Minute))
		if err != nil {
			t.Fatalf("SumByTypeSince failed: %v", err)
		}
		if none != 0 {
			t.Errorf("expected 0 for no rows, got %v", none)
		}
	})

	t.Run("DeviceCountriesSince", func(t *testing.T) {
		countries, err := sess.DeviceCountriesSince(ctx, "dev-a", now.Add(-90*24*time.Hour), 20)
		if err != nil {
			t.Fatalf("DeviceCountriesSince failed: %v", err)
		}
		if len(countries) != 2 {
			t.Errorf("expected IN and US, got %v", countries)
		}

		countries, err = sess.DeviceCountriesSince(ctx, "dev-b", now.Add(-90*24*time.Hour), 20)
		if err != nil {
			t.Fatalf("DeviceCountriesSince failed: %v", err)
		}
		if len(countries) != 0 {
			t.Errorf("null countries must be excluded, got %v", countries)
		}
	})

	t.Run("MedianAmountSince", func(t *testing.T) {
		median, ok, err := sess.MedianAmountSince(ctx, "u-1", now.Add(-30*24*time.Hour))
		if err != nil {
			t.Fatalf("MedianAmountSince failed: %v", err)
		}
		if !ok || median != 20 {
			t.Errorf("expected median 20 over the last 30 days, got %v (%v)", median, ok)
		}

		_, ok, err = sess.MedianAmountSince(ctx, "nobody", now.Add(-30*24*time.Hour))
		if err != nil {
			t.Fatalf("MedianAmountSince failed: %v", err)
		}
		if ok {
			t.Error("expected no median for a user without history")
		}
	})

	t.Run("UserHistory", func(t *testing.T) {
		txs, err := sess.UserHistory(ctx, "u-1")
		if err != nil {
			t.Fatalf("UserHistory failed: %v", err)
		}
		if len(txs) != 4 || txs[0].ID != "tx-1" || txs[3].ID != "tx-4" {
			t.Errorf("expected oldest-first history, got %d rows", len(txs))
		}
	})

	t.Run("PatchUserProfile", func(t *testing.T) {
		if err := sess.PatchUserProfile(ctx, "u-1", domain.ProfilePatch{UsualDevices: []string{"dev-a"}}); err != nil {
			t.Fatalf("seed devices failed: %v", err)
		}

		avg := 20.0
		patch := domain.ProfilePatch{
			AvgAmount:      &avg,
			UsualCountries: []string{"IN", "US"},
			HourlyMedian:   map[int]float64{12: 10},
		}
		if err := sess.PatchUserProfile(ctx, "u-1", patch); err != nil {
			t.Fatalf("PatchUserProfile failed: %v", err)
		}

		p, err := sess.GetUserProfile(ctx, "u-1")
		if err != nil {
			t.Fatalf("GetUserProfile failed: %v", err)
		}
		if p.AvgAmount == nil || *p.AvgAmount != 20 {
			t.Errorf("avg_amount not patched: %v", p.AvgAmount)
		}
		if len(p.UsualDevices) != 1 || p.UsualDevices[0] != "dev-a" {
			t.Errorf("usual_devices must survive a patch that omits them, got %v", p.UsualDevices)
		}
		if p.HourlyMedian[12] != 10 {
			t.Errorf("hourly_median not patched: %v", p.HourlyMedian)
		}
	})

	t.Run("PatchUnknownUser", func(t *testing.T) {
		err := sess.PatchUserProfile(ctx, "missing", domain.ProfilePatch{})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SearchTransactions", func(t *testing.T) {
		rows, total, err := repo.SearchTransactions(ctx, domain.TransactionFilter{UserID: "u-1", Type: domain.TxTransfer, Limit: 1})
		if err != nil {
			t.Fatalf("SearchTransactions failed: %v", err)
		}
		if total != 2 || len(rows) != 1 || rows[0].ID != "tx-4" {
			t.Errorf("expected newest transfer of 2, got total=%d rows=%d", total, len(rows))
		}
	})

	t.Run("ListAnomalies", func(t *testing.T) {
		rows, err := repo.ListAnomalies(ctx, 0.5, 10)
		if err != nil {
			t.Fatalf("ListAnomalies failed: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("expected no rows above 0.5, got %d", len(rows))
		}
	})

	t.Run("Catalog", func(t *testing.T) {
		c, err := repo.Catalog(ctx)
		if err != nil {
			t.Fatalf("Catalog failed: %v", err)
		}
		if len(c.Countries) != 2 || len(c.Types) != 2 || len(c.Users) != 1 {
			t.Errorf("unexpected catalog: %+v", c)
		}
	})

	t.Run("Actions", func(t *testing.T) {
		for i, action := range []string{domain.ActionStepUp, domain.ActionLockAccount} {
			a := &domain.AnalystAction{
				ID:     fmt.Sprintf("act-%d", i),
				UserID: "u-1",
				TxID:   "tx-4",
				Action: action,
				Actor:  "analyst",
				At:     now.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.SaveAction(ctx, a); err != nil {
				t.Fatalf("SaveAction failed: %v", err)
			}
		}

		err := repo.SaveAction(ctx, &domain.AnalystAction{ID: "bad", UserID: "u-1", Action: "DELETE"})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for unknown action, got %v", err)
		}

		actions, err := repo.ListActions(ctx, "u-1", 10)
		if err != nil {
			t.Fatalf("ListActions failed: %v", err)
		}
		if len(actions) != 2 || actions[0].Action != domain.ActionLockAccount {
			t.Errorf("expected newest action first, got %+v", actions)
		}
	})
}

func TestRiskOverTime(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"u-1", "u-2"} {
		if err := repo.CreateUser(ctx, &domain.User{ID: id, Name: id, Profile: domain.DefaultProfile("")}); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}

	sess, err := repo.Session(ctx)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	rows := []struct {
		id     string
		user   string
		offset time.Duration
		risk   float64
	}{
		{"a", "u-1", -time.Hour, 1.0},
		{"b", "u-1", 1 * time.Minute, 0.2},
		{"c", "u-2", 4 * time.Minute, 0.4},
		{"d", "u-1", 6 * time.Minute, 0.9},
		{"e", "u-1", 14*time.Minute + 59*time.Second, 0.5},
	}
	for _, r := range rows {
		tx := scoredTx(r.id, r.user, base.Add(r.offset), 10, domain.TxPayment, "IN", "")
		tx.FinalRisk = r.risk
		if err := sess.InsertTransaction(ctx, tx); err != nil {
			t.Fatalf("insert %s: %v", r.id, err)
		}
	}
	sess.Close()

	t.Run("Buckets", func(t *testing.T) {
		points, err := repo.RiskOverTime(ctx, domain.TransactionFilter{}, base, 5*time.Minute)
		if err != nil {
			t.Fatalf("RiskOverTime failed: %v", err)
		}
		if len(points) != 3 {
			t.Fatalf("expected 3 buckets, got %+v", points)
		}
		want := []struct {
			start time.Time
			n     int
			avg   float64
		}{
			{base, 2, 0.3},
			{base.Add(5 * time.Minute), 1, 0.9},
			{base.Add(10 * time.Minute), 1, 0.5},
		}
		for i, w := range want {
			p := points[i]
			if !p.Bucket.Equal(w.start) || p.Count != w.n || math.Abs(p.AvgRisk-w.avg) > 1e-9 {
				t.Errorf("bucket %d: expected %v n=%d avg=%.2f, got %+v", i, w.start, w.n, w.avg, p)
			}
		}
	})

	t.Run("Filtered", func(t *testing.T) {
		points, err := repo.RiskOverTime(ctx, domain.TransactionFilter{UserID: "u-1", MinRisk: 0.5}, base, time.Hour)
		if err != nil {
			t.Fatalf("RiskOverTime failed: %v", err)
		}
		if len(points) != 1 || points[0].Count != 2 || math.Abs(points[0].AvgRisk-0.7) > 1e-9 {
			t.Errorf("unexpected points: %+v", points)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		points, err := repo.RiskOverTime(ctx, domain.TransactionFilter{UserID: "nobody"}, base, time.Minute)
		if err != nil {
			t.Fatalf("RiskOverTime failed: %v", err)
		}
		if points == nil || len(points) != 0 {
			t.Errorf("expected empty non-nil points, got %#v", points)
		}
	})

	t.Run("InvalidBucket", func(t *testing.T) {
		if _, err := repo.RiskOverTime(ctx, domain.TransactionFilter{}, base, 0); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		query  string
		want   string
	}{
		{"sqlite", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres", "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		if got := rebind(tt.driver, tt.query); got != tt.want {
			t.Errorf("rebind(%s) = %q, want %q", tt.driver, got, tt.want)
		}
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "mysql"})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
