package anomaly

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/ueba/internal/domain"
)

func TestToProbability(t *testing.T) {
	if got := ToProbability(0); got != 0.5 {
		t.Errorf("ToProbability(0) = %v, want 0.5", got)
	}

	prev := ToProbability(-2)
	for s := -1.9; s <= 2; s += 0.1 {
		p := ToProbability(s)
		if p >= prev {
			t.Fatalf("not strictly decreasing at s=%.2f: %v >= %v", s, p, prev)
		}
		if p <= 0 || p >= 1 {
			t.Fatalf("probability out of (0,1) at s=%.2f: %v", s, p)
		}
		prev = p
	}

	if ToProbability(-5) < 0.99 {
		t.Error("very anomalous scores should approach 1")
	}
	if ToProbability(5) > 0.01 {
		t.Error("very normal scores should approach 0")
	}
}

func TestAveragePathLength(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 1.2073923577},
		{4, 1.8516559072},
	}
	for _, tt := range tests {
		if got := averagePathLength(tt.n); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("averagePathLength(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

// stumpForest isolates values <= 5 after one split, leaving three samples on
// the right.
func stumpForest() *IsolationForest {
	return &IsolationForest{
		NFeatures:  1,
		MaxSamples: 4,
		Offset:     -0.5,
		Trees: []Tree{{Nodes: []Node{
			{Feature: 0, Threshold: 5, Left: 1, Right: 2, NSamples: 4},
			{Left: -1, Right: -1, NSamples: 1},
			{Left: -1, Right: -1, NSamples: 3},
		}}},
	}
}

func TestIsolationForest(t *testing.T) {
	f := stumpForest()
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	t.Run("IsolatedPointIsOutlier", func(t *testing.T) {
		s, err := f.Score([]float64{1})
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		want := -math.Pow(2, -1/1.8516559072) + 0.5
		if math.Abs(s-want) > 1e-9 {
			t.Errorf("Score = %v, want %v", s, want)
		}
		label, _ := f.Classify([]float64{1})
		if label != -1 {
			t.Errorf("Classify = %d, want -1", label)
		}
	})

	t.Run("DensePointIsInlier", func(t *testing.T) {
		s, err := f.Score([]float64{9})
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if s <= 0 {
			t.Errorf("expected positive decision value, got %v", s)
		}
		label, _ := f.Classify([]float64{9})
		if label != 1 {
			t.Errorf("Classify = %d, want 1", label)
		}
	})

	t.Run("BoundaryGoesLeft", func(t *testing.T) {
		atThreshold, _ := f.Score([]float64{5})
		left, _ := f.Score([]float64{1})
		if atThreshold != left {
			t.Errorf("x == threshold must follow the left branch")
		}
	})

	t.Run("WrongDimension", func(t *testing.T) {
		_, err := f.Score([]float64{1, 2})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestValidateRejectsBadTrees(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *IsolationForest)
	}{
		{"no trees", func(f *IsolationForest) { f.Trees = nil }},
		{"child out of range", func(f *IsolationForest) { f.Trees[0].Nodes[0].Right = 7 }},
		{"back edge", func(f *IsolationForest) { f.Trees[0].Nodes[0].Left = 0 }},
		{"unknown feature", func(f *IsolationForest) { f.Trees[0].Nodes[0].Feature = 3 }},
		{"tiny sample size", func(f *IsolationForest) { f.MaxSamples = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := stumpForest()
			tt.mutate(f)
			if err := f.Validate(); !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestLoadIsolationForest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forest.json")
	artifact := `{
		"n_features": 1,
		"max_samples": 4,
		"trees": [{"nodes": [
			{"feature": 0, "threshold": 5, "left": 1, "right": 2, "n_samples": 4},
			{"left": -1, "right": -1, "n_samples": 1},
			{"left": -1, "right": -1, "n_samples": 3}
		]}]
	}`
	if err := os.WriteFile(path, []byte(artifact), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	f, err := LoadIsolationForest(path)
	if err != nil {
		t.Fatalf("LoadIsolationForest failed: %v", err)
	}
	if f.Offset != -0.5 {
		t.Errorf("missing offset should default to -0.5, got %v", f.Offset)
	}
	if f.Dimension() != 1 {
		t.Errorf("Dimension = %d, want 1", f.Dimension())
	}
}
