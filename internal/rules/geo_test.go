package rules

import (
	"math"
	"testing"
	"time"
)

func TestHaversineKm(t *testing.T) {
	in, _ := Centroid("IN")
	if d := HaversineKm(in, in); d != 0 {
		t.Errorf("distance to self = %v", d)
	}

	gb, _ := Centroid("GB")
	fr, _ := Centroid("FR")
	d := HaversineKm(gb, fr)
	if d < 800 || d > 1000 {
		t.Errorf("GB-FR distance = %v km, expected roughly 880", d)
	}
	if back := HaversineKm(fr, gb); math.Abs(back-d) > 1e-9 {
		t.Errorf("distance not symmetric: %v vs %v", d, back)
	}
}

func TestTravelSpeedAcrossOffsets(t *testing.T) {
	ist := time.FixedZone("+05:30", 5*3600+1800)
	prev := time.Date(2026, 1, 1, 10, 30, 0, 0, ist) // 05:00 UTC
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)

	speed, outcome := travelSpeed("GB", &prev, "FR", now)
	if outcome != travelKnown {
		t.Fatalf("outcome = %v, want known", outcome)
	}

	gb, _ := Centroid("GB")
	fr, _ := Centroid("FR")
	want := HaversineKm(gb, fr) / 2
	if math.Abs(speed-want) > 1e-9 {
		t.Errorf("speed = %v, want %v", speed, want)
	}
}
