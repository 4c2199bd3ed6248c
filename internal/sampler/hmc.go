package sampler

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"
)

const (
	// maxEnergyError marks a transition as divergent.
	maxEnergyError = 1000.0
	// initJitter is the half-width of the uniform jitter around the start.
	initJitter = 0.5
	initAttempts = 20
	// ctxCheckEvery is how often (in iterations) a chain polls its context.
	ctxCheckEvery = 16
)

// HMC is a Hamiltonian Monte Carlo sampler with warm-up adaptation.
type HMC struct{}

// NewHMC creates an HMC sampler.
func NewHMC() *HMC {
	return &HMC{}
}

// Sample runs cfg.Chains chains in parallel. The first chain error cancels
// the rest.
func (h *HMC) Sample(ctx context.Context, target Target, cfg Config) (*Trace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if target.Dim() < 1 {
		return nil, fmt.Errorf("%w: target has dimension %d", ErrInvalidConfig, target.Dim())
	}

	trace := &Trace{Chains: make([]Chain, cfg.Chains)}
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < cfg.Chains; c++ {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: chain %d panicked: %v", ErrNumericalFailure, c, r)
				}
			}()
			ch, err := runChain(gctx, target, cfg, c)
			if err != nil {
				return err
			}
			trace.Chains[c] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if trace.Divergences() == trace.NumDraws() {
		return nil, fmt.Errorf("%w: every transition diverged", ErrNumericalFailure)
	}
	return trace, nil
}

// chainState is the mutable state of one chain.
type chainState struct {
	target  Target
	rng     *rand.Rand
	dim     int
	theta   []float64
	grad    []float64
	lp      float64
	invMass []float64
	eps     float64

	// scratch buffers for proposals
	q, g, r []float64
}

func runChain(ctx context.Context, target Target, cfg Config, chain int) (Chain, error) {
	st, err := newChainState(target, cfg.Seed, chain)
	if err != nil {
		return Chain{}, err
	}
	st.eps = st.reasonableStepSize(1.0)
	da := newDualAveraging(st.eps, cfg.TargetAccept)

	// Warm-up windows: step size only, then step size + mass matrix
	// estimation, then step size again against the new metric.
	massStart, massEnd := cfg.Tune, cfg.Tune
	if cfg.Tune >= 100 {
		massStart = cfg.Tune * 15 / 100
		massEnd = cfg.Tune * 75 / 100
	}
	w := newWelford(st.dim)

	out := Chain{Draws: make([][]float64, 0, cfg.Draws)}
	var acceptSum float64
	total := cfg.Tune + cfg.Draws

	for it := 0; it < total; it++ {
		if it%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Chain{}, err
			}
		}

		steps := 1 + st.rng.IntN(cfg.MaxLeapfrog)
		accept, divergent := st.transition(steps)

		if it < cfg.Tune {
			st.eps = da.update(accept)
			if it >= massStart && it < massEnd {
				w.add(st.theta)
			}
			if it == massEnd-1 && w.n > 2 {
				st.invMass = w.regularizedVariance()
				st.eps = st.reasonableStepSize(st.eps)
				da = newDualAveraging(st.eps, cfg.TargetAccept)
			}
			if it == cfg.Tune-1 {
				st.eps = da.final()
			}
			continue
		}

		acceptSum += accept
		if divergent {
			out.Divergences++
		}
		out.Draws = append(out.Draws, append([]float64(nil), st.theta...))
	}

	out.AcceptRate = acceptSum / float64(cfg.Draws)
	out.StepSize = st.eps
	return out, nil
}

func newChainState(target Target, seed uint64, chain int) (*chainState, error) {
	dim := target.Dim()
	st := &chainState{
		target:  target,
		rng:     rand.New(rand.NewPCG(seed, uint64(chain)+1)),
		dim:     dim,
		grad:    make([]float64, dim),
		invMass: make([]float64, dim),
		q:       make([]float64, dim),
		g:       make([]float64, dim),
		r:       make([]float64, dim),
	}
	for i := range st.invMass {
		st.invMass[i] = 1
	}

	start := make([]float64, dim)
	if init, ok := target.(Initializer); ok {
		if p := init.InitialPoint(); len(p) == dim {
			copy(start, p)
		}
	}

	st.theta = make([]float64, dim)
	for attempt := 0; attempt < initAttempts; attempt++ {
		for i := range st.theta {
			st.theta[i] = start[i] + initJitter*(2*st.rng.Float64()-1)
		}
		st.lp = target.LogDensity(st.theta, st.grad)
		if finite(st.lp) && allFinite(st.grad) {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: no finite starting point after %d attempts", ErrNumericalFailure, initAttempts)
}

func (st *chainState) kinetic(r []float64) float64 {
	var k float64
	for i, v := range r {
		k += st.invMass[i] * v * v
	}
	return 0.5 * k
}

// leapfrog integrates from the current state with momentum st.r for the
// given number of steps, leaving the end point in st.q/st.g. It returns the
// end log density; -Inf signals a numerical blow-up along the way.
func (st *chainState) leapfrog(eps float64, steps int) float64 {
	copy(st.q, st.theta)
	copy(st.g, st.grad)
	lp := st.lp
	for s := 0; s < steps; s++ {
		for i := range st.r {
			st.r[i] += 0.5 * eps * st.g[i]
		}
		for i := range st.q {
			st.q[i] += eps * st.invMass[i] * st.r[i]
		}
		lp = st.target.LogDensity(st.q, st.g)
		if !finite(lp) || !allFinite(st.g) {
			return math.Inf(-1)
		}
		for i := range st.r {
			st.r[i] += 0.5 * eps * st.g[i]
		}
	}
	return lp
}

func (st *chainState) sampleMomentum() {
	for i := range st.r {
		st.r[i] = st.rng.NormFloat64() / math.Sqrt(st.invMass[i])
	}
}

// transition performs one Metropolis-corrected trajectory. It returns the
// acceptance probability and whether the trajectory diverged.
func (st *chainState) transition(steps int) (float64, bool) {
	st.sampleMomentum()
	h0 := -st.lp + st.kinetic(st.r)

	lp := st.leapfrog(st.eps, steps)
	if !finite(lp) {
		return 0, true
	}
	dH := (-lp + st.kinetic(st.r)) - h0
	if math.IsNaN(dH) || dH > maxEnergyError {
		return 0, true
	}

	accept := math.Min(1, math.Exp(-dH))
	if st.rng.Float64() < accept {
		copy(st.theta, st.q)
		copy(st.grad, st.g)
		st.lp = lp
	}
	return accept, false
}

// reasonableStepSize doubles or halves eps until a single leapfrog step's
// acceptance probability crosses 0.5.
func (st *chainState) reasonableStepSize(eps float64) float64 {
	accept := func(e float64) float64 {
		st.sampleMomentum()
		h0 := -st.lp + st.kinetic(st.r)
		lp := st.leapfrog(e, 1)
		if !finite(lp) {
			return 0
		}
		a := math.Exp(h0 - (-lp + st.kinetic(st.r)))
		if math.IsNaN(a) {
			return 0
		}
		return a
	}

	a := accept(eps)
	dir := 1.0
	if a < 0.5 {
		dir = -1.0
	}
	for i := 0; i < 50; i++ {
		if dir > 0 && a < 0.5 || dir < 0 && a >= 0.5 {
			break
		}
		next := eps * math.Pow(2, dir)
		if next < 1e-10 || next > 1e3 {
			break
		}
		eps = next
		a = accept(eps)
	}
	return eps
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if !finite(x) {
			return false
		}
	}
	return true
}
