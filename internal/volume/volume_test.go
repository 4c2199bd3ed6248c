package volume

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/priors-engine/internal/model"
)

func obs(volumes ...any) []model.VenueObservation {
	out := make([]model.VenueObservation, len(volumes))
	for i, v := range volumes {
		out[i].VenueID = string(rune('a' + i))
		if f, ok := v.(float64); ok {
			out[i].Volume = decimal.NewNullDecimal(decimal.NewFromFloat(f))
		}
	}
	return out
}

func TestWeights_MissingVolumeDisablesAll(t *testing.T) {
	w := NewWeigher(0.5, 3.0)
	got := w.Weights(obs(10_000_000.0, nil))
	if got.Applied {
		t.Error("weights should not be applied when a venue lacks volume")
	}
	for i, m := range got.Multipliers {
		if m != 1.0 {
			t.Errorf("multiplier %d should be 1.0, got %v", i, m)
		}
	}
	if got.ByVenue(obs(1.0, nil)) != nil {
		t.Error("ByVenue should be nil when not applied")
	}
}

func TestWeights_LogMeanNormalized(t *testing.T) {
	w := NewWeigher(0.5, 3.0)
	got := w.Weights(obs(10_000_000.0, 10_000.0))
	if !got.Applied {
		t.Fatal("expected weights to be applied")
	}
	ra, rb := math.Log1p(1e7), math.Log1p(1e4)
	mean := (ra + rb) / 2
	if math.Abs(got.Multipliers[0]-ra/mean) > 1e-12 {
		t.Errorf("expected %v, got %v", ra/mean, got.Multipliers[0])
	}
	if math.Abs(got.Multipliers[1]-rb/mean) > 1e-12 {
		t.Errorf("expected %v, got %v", rb/mean, got.Multipliers[1])
	}
	if got.Multipliers[0] <= got.Multipliers[1] {
		t.Error("higher volume should get the larger multiplier")
	}
}

func TestWeights_Clamped(t *testing.T) {
	w := NewWeigher(0.5, 3.0)
	// log1p(1e12) ≈ 27.6, log1p(1) ≈ 0.69, log1p(0) = 0; the last two fall below Min.
	got := w.Weights(obs(1e12, 1.0, 0.0))
	for i, m := range got.Multipliers {
		if m < 0.5 || m > 3.0 {
			t.Errorf("multiplier %d out of bounds: %v", i, m)
		}
	}
	if got.Multipliers[2] != 0.5 {
		t.Errorf("zero volume should clamp to 0.5, got %v", got.Multipliers[2])
	}
}

func TestWeights_AllZeroVolume(t *testing.T) {
	got := NewWeigher(0.5, 3.0).Weights(obs(0.0, 0.0))
	if got.Applied {
		t.Error("zero mean should disable weighting")
	}
}

func TestWeights_ManyVenues(t *testing.T) {
	got := NewWeigher(0.5, 3.0).Weights(obs(100.0, 1000.0, 10000.0, 100000.0))
	if !got.Applied || len(got.Multipliers) != 4 {
		t.Fatalf("unexpected weights %+v", got)
	}
	for i := 1; i < 4; i++ {
		if got.Multipliers[i] <= got.Multipliers[i-1] {
			t.Errorf("multipliers should increase with volume: %v", got.Multipliers)
		}
	}
}

func TestNewWeigher_InvalidBounds(t *testing.T) {
	w := NewWeigher(3, 1)
	if w.Min != DefaultMin || w.Max != DefaultMax {
		t.Errorf("expected default bounds, got [%v,%v]", w.Min, w.Max)
	}
}
