package stats

import (
	"reflect"
	"testing"
)

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
		ok     bool
	}{
		{"empty", nil, 0, false},
		{"single", []float64{42}, 42, true},
		{"odd", []float64{5, 1, 3}, 3, true},
		{"even averages middle pair", []float64{4, 1, 3, 2}, 2.5, true},
		{"duplicates", []float64{7, 7, 7, 100}, 7, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Median(tt.values)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Median(%v) = %v, %v; want %v, %v", tt.values, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	in := []float64{3, 1, 2}
	Median(in)
	if !reflect.DeepEqual(in, []float64{3, 1, 2}) {
		t.Errorf("input was reordered: %v", in)
	}
}

func TestTopK(t *testing.T) {
	counts := map[string]int{"IN": 5, "US": 3, "GB": 3, "SG": 1}

	got := TopK(counts, 3)
	want := []string{"IN", "GB", "US"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TopK = %v, want %v", got, want)
	}

	if got := TopK(map[string]int{"IN": 1}, 3); !reflect.DeepEqual(got, []string{"IN"}) {
		t.Errorf("TopK short input = %v", got)
	}
}
