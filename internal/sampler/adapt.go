package sampler

import "math"

// Dual averaging constants (Hoffman & Gelman 2014).
const (
	daGamma = 0.05
	daT0    = 10.0
	daKappa = 0.75
)

// dualAveraging tunes the log step size so the running mean acceptance
// probability approaches delta.
type dualAveraging struct {
	mu        float64
	delta     float64
	t         int
	hBar      float64
	logEps    float64
	logEpsBar float64
}

func newDualAveraging(eps, delta float64) *dualAveraging {
	return &dualAveraging{
		mu:     math.Log(10 * eps),
		delta:  delta,
		logEps: math.Log(eps),
	}
}

// update records one acceptance probability and returns the next step size.
func (d *dualAveraging) update(accept float64) float64 {
	d.t++
	t := float64(d.t)
	eta := 1 / (t + daT0)
	d.hBar = (1-eta)*d.hBar + eta*(d.delta-accept)
	d.logEps = d.mu - math.Sqrt(t)/daGamma*d.hBar
	w := math.Pow(t, -daKappa)
	d.logEpsBar = w*d.logEps + (1-w)*d.logEpsBar
	return math.Exp(d.logEps)
}

// final is the averaged step size used after warm-up.
func (d *dualAveraging) final() float64 {
	if d.t == 0 {
		return math.Exp(d.logEps)
	}
	return math.Exp(d.logEpsBar)
}

// welford accumulates per-coordinate running mean and M2.
type welford struct {
	n    int
	mean []float64
	m2   []float64
}

func newWelford(dim int) *welford {
	return &welford{mean: make([]float64, dim), m2: make([]float64, dim)}
}

func (w *welford) add(x []float64) {
	w.n++
	for i, v := range x {
		delta := v - w.mean[i]
		w.mean[i] += delta / float64(w.n)
		w.m2[i] += delta * (v - w.mean[i])
	}
}

// variance is the unbiased sample variance per coordinate.
func (w *welford) variance() []float64 {
	out := make([]float64, len(w.m2))
	if w.n < 2 {
		return out
	}
	for i, m2 := range w.m2 {
		out[i] = m2 / float64(w.n-1)
	}
	return out
}

// regularizedVariance shrinks the estimate towards 1e-3 for short windows,
// keeping the inverse metric strictly positive.
func (w *welford) regularizedVariance() []float64 {
	n := float64(w.n)
	out := w.variance()
	for i, v := range out {
		out[i] = (n/(n+5))*v + 1e-3*(5/(n+5))
	}
	return out
}
