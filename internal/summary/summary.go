// Package summary reduces posterior draws to the persisted per-bin and
// expected-value statistics, and builds the fallback average used when no
// sampling is performed.
package summary

import (
	"math"
	"sort"

	"github.com/atmx/priors-engine/internal/binning"
	"github.com/atmx/priors-engine/internal/model"
)

// Quantile levels reported as p10/p90.
const (
	Lower = 0.1
	Upper = 0.9
)

// Quantile returns the q-th quantile of an ascending slice, interpolating
// linearly between order statistics (h = (n-1)q). It returns NaN for an
// empty slice.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	h := float64(n-1) * q
	lo := int(math.Floor(h))
	if lo+1 >= n {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// band returns mean, p10 and p90 of xs, widening the band to contain the
// mean when skew would put it outside.
func band(xs []float64) (float64, float64, float64) {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	p10 := math.Min(Quantile(sorted, Lower), mean)
	p90 := math.Max(Quantile(sorted, Upper), mean)
	return mean, p10, p90
}

// Summarize computes posterior statistics over draws. weights is the
// applied volume weighting by venue, or nil.
func Summarize(grid *binning.Grid, draws []model.PosteriorDraw, weights map[string]float64) model.Posterior {
	k := len(grid.Bins)
	venues := grid.Venues()

	perBin := make([][]float64, k)
	for i := range perBin {
		perBin[i] = make([]float64, len(draws))
	}
	ev := make([]float64, len(draws))
	kappaSum := make([]float64, len(venues))

	for d, draw := range draws {
		for i, p := range draw.P {
			perBin[i][d] = p
			ev[d] += p * grid.Bins[i].Midpoint
		}
		for s, kap := range draw.Kappa {
			kappaSum[s] += kap
		}
	}

	post := model.Posterior{
		Bins:  make([]model.BinSummary, k),
		Kappa: make(map[string]float64, len(venues)),
		Model: model.ModelInfo{
			Name:          model.ModelHierarchical,
			VolumeWeights: weights,
			Sampled:       true,
			Sources:       venues,
			Quantiles:     []float64{Lower, Upper},
		},
	}
	for i, b := range grid.Bins {
		mean, p10, p90 := band(perBin[i])
		post.Bins[i] = model.BinSummary{
			Lower:    b.Lower,
			Upper:    b.Upper,
			Midpoint: b.Midpoint,
			Mean:     mean,
			P10:      model.F(p10),
			P90:      model.F(p90),
		}
	}
	mean, p10, p90 := band(ev)
	post.Expected = model.Interval{Mean: mean, P10: model.F(p10), P90: model.F(p90)}
	for s, v := range venues {
		post.Kappa[v] = kappaSum[s] / float64(len(draws))
	}
	return post
}

// Fallback averages the venues' aligned distributions weighted by their
// multipliers. A single venue is returned unchanged. No bands are reported.
func Fallback(grid *binning.Grid, multipliers []float64, weights map[string]float64, reason string) model.Posterior {
	k := len(grid.Bins)
	means := make([]float64, k)

	switch len(grid.Observations) {
	case 0:
	case 1:
		copy(means, grid.Observations[0].Probs)
	default:
		var total float64
		for s, o := range grid.Observations {
			w := 1.0
			if s < len(multipliers) {
				w = multipliers[s]
			}
			total += w
			for i, p := range o.Probs {
				means[i] += w * p
			}
		}
		for i := range means {
			means[i] /= total
		}
	}

	post := model.Posterior{
		Bins:  make([]model.BinSummary, k),
		Kappa: map[string]float64{},
		Model: model.ModelInfo{
			Name:          model.ModelFallback,
			VolumeWeights: weights,
			Sources:       grid.Venues(),
			Quantiles:     []float64{Lower, Upper},
			Error:         reason,
		},
	}
	var ev float64
	for i, b := range grid.Bins {
		post.Bins[i] = model.BinSummary{
			Lower:    b.Lower,
			Upper:    b.Upper,
			Midpoint: b.Midpoint,
			Mean:     means[i],
		}
		ev += means[i] * b.Midpoint
	}
	post.Expected = model.Interval{Mean: ev}
	return post
}
