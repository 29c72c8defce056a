package main

import (
	"slices"
	"testing"
)

func TestGenerator(t *testing.T) {
	users := []string{"u-1", "u-2", "u-3"}

	t.Run("Deterministic", func(t *testing.T) {
		a := NewGenerator(users, 0.5, 42)
		b := NewGenerator(users, 0.5, 42)
		for i := 0; i < 50; i++ {
			if x, y := a.Next(), b.Next(); x != y {
				t.Fatalf("step %d differs: %+v vs %+v", i, x, y)
			}
		}
	})

	t.Run("Labels", func(t *testing.T) {
		g := NewGenerator(users, 1.0, 7)
		for i := 0; i < 100; i++ {
			tx := g.Next()
			if !tx.HighRisk {
				t.Fatal("fraud rate 1 must always label high-risk")
			}
			if !slices.Contains(riskyCountries, tx.Country) {
				t.Errorf("high-risk tx in safe country %s", tx.Country)
			}
			if tx.Amount < g.base[tx.UserID]*6-0.01 {
				t.Errorf("high-risk amount %.2f below 6x base %.2f", tx.Amount, g.base[tx.UserID])
			}
		}

		g = NewGenerator(users, 0, 7)
		for i := 0; i < 100; i++ {
			tx := g.Next()
			if tx.HighRisk || !slices.Contains(safeCountries, tx.Country) {
				t.Fatalf("unexpected ordinary tx %+v", tx)
			}
		}
	})
}

func TestMetrics(t *testing.T) {
	m := &Metrics{}
	m.Record(true, true)
	m.Record(true, true)
	m.Record(true, false)
	m.Record(false, true)
	m.Record(false, false)

	if got := m.Precision(); got != 2.0/3.0 {
		t.Errorf("precision = %v, want 2/3", got)
	}
	if got := m.Recall(); got != 2.0/3.0 {
		t.Errorf("recall = %v, want 2/3", got)
	}
	if m.TrueNegatives.Load() != 1 {
		t.Errorf("expected one true negative")
	}

	empty := &Metrics{}
	if empty.Precision() != 0 || empty.Recall() != 0 {
		t.Error("empty metrics should report zero")
	}
}
