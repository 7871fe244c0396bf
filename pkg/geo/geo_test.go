package geo

import (
	"math"
	"testing"
)

func TestDistanceSymmetryAndZero(t *testing.T) {
	points := [][2]float64{
		{-23.5505, -46.6333},
		{-22.9068, -43.1729},
		{51.5074, -0.1278},
		{0, 0},
		{89.9, 179.9},
	}
	for _, a := range points {
		if d := DistanceKm(a[0], a[1], a[0], a[1]); d != 0 {
			t.Fatalf("distance to self should be 0, got %v", d)
		}
		for _, b := range points {
			ab := DistanceKm(a[0], a[1], b[0], b[1])
			ba := DistanceKm(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("asymmetric distance %v vs %v", ab, ba)
			}
		}
	}
}

func TestSaoPauloShortHop(t *testing.T) {
	d := DistanceKm(-23.5505, -46.6333, -23.5605, -46.6433)
	if d < 1.4 || d > 1.6 {
		t.Fatalf("expected roughly 1.5km, got %v", d)
	}
	eta := ETAMinutes(d, DefaultAverageSpeedKmh)
	if eta < 3.3 || eta > 3.9 {
		t.Fatalf("expected roughly 3.6 minutes, got %v", eta)
	}
}

func TestETAMinutes(t *testing.T) {
	if got := ETAMinutes(25, 25); got != 60 {
		t.Fatalf("expected 60 minutes, got %v", got)
	}
	if got := ETAMinutes(12.5, 50); got != 15 {
		t.Fatalf("expected 15 minutes, got %v", got)
	}
	if got := ETAMinutes(12.5, 0); !math.IsInf(got, 1) {
		t.Fatalf("zero speed must not be replaced by a default, got %v", got)
	}
}

func TestNaNPropagates(t *testing.T) {
	if d := DistanceKm(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Fatalf("expected NaN, got %v", d)
	}
	if Finite(math.NaN(), 1) || Finite(1, math.Inf(1)) {
		t.Fatalf("expected non-finite coordinates to be rejected")
	}
	if !Finite(-23.5, -46.6) {
		t.Fatalf("expected finite coordinates to pass")
	}
}
