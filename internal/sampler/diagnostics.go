package sampler

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RHatCap bounds reported R-hat values so they stay JSON-encodable when
// chains are stuck at different constants.
const RHatCap = 1e3

// SplitRHat computes the potential scale reduction factor for one scalar
// quantity after splitting each chain in half. It returns NaN when there
// are too few draws to split.
func SplitRHat(chains [][]float64) float64 {
	var halves [][]float64
	n := math.MaxInt
	for _, c := range chains {
		if len(c)/2 < n {
			n = len(c) / 2
		}
	}
	if n < 2 {
		return math.NaN()
	}
	for _, c := range chains {
		// Odd lengths drop the middle draw.
		halves = append(halves, c[:n], c[len(c)-n:])
	}

	means := make([]float64, len(halves))
	var w float64
	for i, h := range halves {
		m, v := stat.MeanVariance(h, nil)
		means[i] = m
		w += v
	}
	w /= float64(len(halves))
	b := float64(n) * stat.Variance(means, nil)

	if w == 0 {
		if b == 0 {
			return 1
		}
		return math.Inf(1)
	}
	varPlus := float64(n-1)/float64(n)*w + b/float64(n)
	return math.Sqrt(varPlus / w)
}

// MaxRHat evaluates fn on every draw and returns the largest split R-hat
// across the scalars it yields, capped at RHatCap. With too few draws it
// returns 1.
func (t *Trace) MaxRHat(fn func(theta []float64) []float64) float64 {
	if len(t.Chains) == 0 {
		return 1
	}
	// series[q][c] is scalar q of chain c across draws.
	var series [][][]float64
	for ci, c := range t.Chains {
		for _, d := range c.Draws {
			vals := fn(d)
			if series == nil {
				series = make([][][]float64, len(vals))
				for q := range series {
					series[q] = make([][]float64, len(t.Chains))
				}
			}
			for q, v := range vals {
				series[q][ci] = append(series[q][ci], v)
			}
		}
	}

	maxR := 1.0
	for _, s := range series {
		r := SplitRHat(s)
		if math.IsNaN(r) {
			continue
		}
		if r > maxR {
			maxR = r
		}
	}
	return math.Min(maxR, RHatCap)
}
