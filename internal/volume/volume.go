// Package volume turns notional trading volume into a per-venue confidence
// multiplier for the concentration parameter.
//
// Volume is only a proxy for how much money stands behind a quote, so the
// effect is deliberately damped: log1p compresses the scale, the result is
// normalized by the snapshot mean, and the multiplier is clamped to
// [Min, Max]. If any venue in the snapshot has no volume data, no venue is
// adjusted at all.
package volume

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/priors-engine/internal/model"
)

// Default multiplier bounds.
var (
	DefaultMin = 0.5
	DefaultMax = 3.0
)

// Weigher computes volume multipliers.
type Weigher struct {
	// Min and Max bound every multiplier.
	Min float64
	Max float64
}

// NewWeigher creates a weigher with the given clamp bounds. Bounds that are
// non-positive or inverted fall back to the defaults.
func NewWeigher(min, max float64) *Weigher {
	if min <= 0 || max <= 0 || min > max {
		min, max = DefaultMin, DefaultMax
	}
	return &Weigher{Min: min, Max: max}
}

// Weights holds one multiplier per observation, in observation order.
// Applied is false when every multiplier was forced to 1.
type Weights struct {
	Multipliers []float64
	Applied     bool
}

// ByVenue returns the multipliers keyed by venue id, or nil when no volume
// adjustment was applied.
func (w Weights) ByVenue(obs []model.VenueObservation) map[string]float64 {
	if !w.Applied {
		return nil
	}
	out := make(map[string]float64, len(obs))
	for i, o := range obs {
		out[o.VenueID] = w.Multipliers[i]
	}
	return out
}

// Weights computes the multipliers for a snapshot's observations.
//
//	raw_s  = log1p(volume_s)
//	mult_s = clamp(raw_s / mean(raw), Min, Max)
//
// The mean runs over the venues present in this snapshot only.
func (w *Weigher) Weights(obs []model.VenueObservation) Weights {
	out := Weights{Multipliers: ones(len(obs))}
	if len(obs) == 0 {
		return out
	}

	raw := make([]float64, len(obs))
	var total float64
	for i, o := range obs {
		if !o.Volume.Valid || o.Volume.Decimal.LessThan(decimal.Zero) {
			// Partial weighting would favour venues that happen to report volume.
			return out
		}
		raw[i] = math.Log1p(o.Volume.Decimal.InexactFloat64())
		total += raw[i]
	}
	mean := total / float64(len(raw))
	if mean <= 0 || math.IsInf(mean, 0) || math.IsNaN(mean) {
		return out
	}

	for i, r := range raw {
		out.Multipliers[i] = clamp(r/mean, w.Min, w.Max)
	}
	out.Applied = true
	return out
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
