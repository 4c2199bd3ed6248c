// Package dirichlet defines the hierarchical observation model that
// reconciles several venues' quoted distributions.
//
// Generative model, for K outcome bins and M venues:
//
//	p            ~ Dirichlet(alpha, ..., alpha)
//	kappa_base_s ~ KappaPrior
//	kappa_s      = kappa_base_s × multiplier_s
//	y_s          ~ Dirichlet(kappa_s × p)
//
// Each venue's quote y_s is a noisy draw centred on the latent distribution
// p. Larger kappa_s means the venue is trusted to sit closer to p. The volume
// multiplier scales the learnable base concentration rather than replacing it.
//
// The sampler works in an unconstrained space:
//
//	p     = softmax(z_1, ..., z_{K-1}, 0)    (additive log-ratio; |J| = Π p_k)
//	eta_s = log(kappa_base_s)                (absent when the prior is Fixed)
//
// Log density and gradient are computed analytically. The log-sum-exp trick
// keeps the softmax finite for large logits.
package dirichlet

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atmx/priors-engine/internal/model"
)

// Epsilon is added to every observed probability before renormalizing, so
// log(y) stays finite on bins a venue does not cover.
const Epsilon = 1e-6

var (
	// ErrDegenerate is returned for fewer than two venues: one observation
	// cannot separate p from kappa.
	ErrDegenerate = errors.New("dirichlet: at least two venues are required")

	// ErrDimension is returned when observations disagree on bin count or
	// have fewer than two bins.
	ErrDimension = errors.New("dirichlet: observations must share a bin count of at least 2")

	// ErrInvalidPrior is returned for non-positive prior parameters or an
	// unknown kappa prior kind.
	ErrInvalidPrior = errors.New("dirichlet: invalid prior")
)

// KappaPriorKind names the prior on kappa_base.
type KappaPriorKind string

const (
	// Exponential with mean Scale.
	Exponential KappaPriorKind = "exponential"
	// HalfNormal with scale Scale.
	HalfNormal KappaPriorKind = "half_normal"
	// LogNormal with median Scale and log-space sigma LogSigma.
	LogNormal KappaPriorKind = "lognormal"
	// Fixed pins kappa_base to Scale; it is not sampled.
	Fixed KappaPriorKind = "fixed"
)

// KappaPrior is the weak positive prior on each venue's base concentration.
type KappaPrior struct {
	Kind     KappaPriorKind
	Scale    float64
	LogSigma float64
}

// Priors holds the model's configuration constants. They are passed into
// NewModel explicitly.
type Priors struct {
	// Alpha is the symmetric Dirichlet concentration on p.
	Alpha float64
	Kappa KappaPrior
}

// DefaultPriors returns Dirichlet(1,...,1) on p and an exponential prior with
// mean 25 on kappa_base.
func DefaultPriors() Priors {
	return Priors{
		Alpha: 1.0,
		Kappa: KappaPrior{Kind: Exponential, Scale: 25.0, LogSigma: 1.0},
	}
}

// Validate checks prior parameters.
func (p Priors) Validate() error {
	if !(p.Alpha > 0) {
		return fmt.Errorf("%w: alpha must be positive, got %v", ErrInvalidPrior, p.Alpha)
	}
	if !(p.Kappa.Scale > 0) {
		return fmt.Errorf("%w: kappa scale must be positive, got %v", ErrInvalidPrior, p.Kappa.Scale)
	}
	switch p.Kappa.Kind {
	case Exponential, HalfNormal, Fixed:
	case LogNormal:
		if !(p.Kappa.LogSigma > 0) {
			return fmt.Errorf("%w: lognormal sigma must be positive, got %v", ErrInvalidPrior, p.Kappa.LogSigma)
		}
	default:
		return fmt.Errorf("%w: unknown kappa prior %q", ErrInvalidPrior, p.Kappa.Kind)
	}
	return nil
}

// Model is the posterior over (z, eta) for one snapshot. It is read-only
// after construction and safe for concurrent use by parallel chains.
type Model struct {
	k, m   int
	logY   [][]float64
	mult   []float64
	priors Priors
	init   []float64
}

// NewModel builds the model from grid-aligned observations (one row per
// venue, each summing to 1) and the per-venue volume multipliers.
func NewModel(obs [][]float64, multipliers []float64, priors Priors) (*Model, error) {
	if err := priors.Validate(); err != nil {
		return nil, err
	}
	if len(obs) < 2 {
		return nil, ErrDegenerate
	}
	if len(multipliers) != len(obs) {
		return nil, fmt.Errorf("dirichlet: %d multipliers for %d venues", len(multipliers), len(obs))
	}
	k := len(obs[0])
	if k < 2 {
		return nil, ErrDimension
	}

	m := &Model{k: k, m: len(obs), mult: append([]float64(nil), multipliers...), priors: priors}
	mean := make([]float64, k)
	for _, y := range obs {
		if len(y) != k {
			return nil, ErrDimension
		}
		sm := Smooth(y)
		logY := make([]float64, k)
		for i, v := range sm {
			logY[i] = math.Log(v)
			mean[i] += v / float64(len(obs))
		}
		m.logY = append(m.logY, logY)
	}
	for _, w := range m.mult {
		if !(w > 0) {
			return nil, fmt.Errorf("dirichlet: multiplier must be positive, got %v", w)
		}
	}

	m.init = make([]float64, m.Dim())
	for j := 0; j < k-1; j++ {
		m.init[j] = math.Log(mean[j] / mean[k-1])
	}
	if m.sampled() {
		for s := 0; s < m.m; s++ {
			m.init[k-1+s] = math.Log(priors.Kappa.Scale)
		}
	}
	return m, nil
}

// Smooth adds Epsilon to every entry and renormalizes.
func Smooth(y []float64) []float64 {
	out := make([]float64, len(y))
	var total float64
	for i, v := range y {
		out[i] = v + Epsilon
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

// Bins returns the number of outcome bins K.
func (m *Model) Bins() int { return m.k }

// Venues returns the number of venues M.
func (m *Model) Venues() int { return m.m }

func (m *Model) sampled() bool { return m.priors.Kappa.Kind != Fixed }

// Dim is the length of the unconstrained parameter vector.
func (m *Model) Dim() int {
	if m.sampled() {
		return m.k - 1 + m.m
	}
	return m.k - 1
}

// InitialPoint starts p at the venues' average and kappa_base at the prior
// scale.
func (m *Model) InitialPoint() []float64 {
	return append([]float64(nil), m.init...)
}

// Constrain maps an unconstrained point to a posterior draw.
func (m *Model) Constrain(theta []float64) model.PosteriorDraw {
	logP := m.logSimplex(theta)
	p := make([]float64, m.k)
	for i, lp := range logP {
		p[i] = math.Exp(lp)
	}
	kappa := make([]float64, m.m)
	for s := range kappa {
		kappa[s] = m.base(theta, s) * m.mult[s]
	}
	return model.PosteriorDraw{P: p, Kappa: kappa}
}

func (m *Model) base(theta []float64, s int) float64 {
	if !m.sampled() {
		return m.priors.Kappa.Scale
	}
	return math.Exp(theta[m.k-1+s])
}

// logSimplex returns log p for the additive log-ratio parameterization.
func (m *Model) logSimplex(theta []float64) []float64 {
	logits := make([]float64, m.k)
	copy(logits, theta[:m.k-1])
	lse := logSumExp(logits)
	for i := range logits {
		logits[i] -= lse
	}
	return logits
}

// LogDensity returns the unnormalized log posterior at theta, including the
// Jacobians of both transforms. When grad is non-nil it receives the
// gradient. Non-finite densities come back as -Inf.
func (m *Model) LogDensity(theta, grad []float64) float64 {
	k := m.k
	alpha := m.priors.Alpha
	logP := m.logSimplex(theta)
	p := make([]float64, k)
	for i, lp := range logP {
		p[i] = math.Exp(lp)
	}

	// Dirichlet(alpha) prior on p plus log|J| = Σ log p_k.
	var lp float64
	for _, l := range logP {
		lp += alpha * l
	}

	// dL/dp_k from the likelihood terms.
	var gp []float64
	if grad != nil {
		gp = make([]float64, k)
	}

	for s := 0; s < m.m; s++ {
		kappa := m.base(theta, s) * m.mult[s]
		lgK, _ := math.Lgamma(kappa)
		lp += lgK

		var dKappa float64
		if grad != nil {
			dKappa = mathext.Digamma(kappa)
		}
		for i := 0; i < k; i++ {
			a := kappa * p[i]
			lgA, _ := math.Lgamma(a)
			lp += (a-1)*m.logY[s][i] - lgA
			if grad != nil {
				psiA := mathext.Digamma(a)
				gp[i] += kappa * (m.logY[s][i] - psiA)
				dKappa += p[i] * (m.logY[s][i] - psiA)
			}
		}

		if m.sampled() {
			eta := theta[k-1+s]
			lp += m.etaLogPrior(eta)
			if grad != nil {
				grad[k-1+s] = kappa*dKappa + m.etaPriorGrad(eta)
			}
		}
	}

	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return math.Inf(-1)
	}

	if grad != nil {
		var pg float64
		for i := 0; i < k; i++ {
			pg += p[i] * gp[i]
		}
		kAlpha := float64(k) * alpha
		for j := 0; j < k-1; j++ {
			grad[j] = alpha - kAlpha*p[j] + p[j]*(gp[j]-pg)
		}
	}
	return lp
}

// etaLogPrior is the log density of eta = log(kappa_base), Jacobian included.
func (m *Model) etaLogPrior(eta float64) float64 {
	pr := m.priors.Kappa
	b := math.Exp(eta)
	switch pr.Kind {
	case HalfNormal:
		return distuv.Normal{Mu: 0, Sigma: pr.Scale}.LogProb(b) + math.Ln2 + eta
	case LogNormal:
		return distuv.Normal{Mu: math.Log(pr.Scale), Sigma: pr.LogSigma}.LogProb(eta)
	default:
		return distuv.Exponential{Rate: 1 / pr.Scale}.LogProb(b) + eta
	}
}

func (m *Model) etaPriorGrad(eta float64) float64 {
	pr := m.priors.Kappa
	b := math.Exp(eta)
	switch pr.Kind {
	case HalfNormal:
		return 1 - b*b/(pr.Scale*pr.Scale)
	case LogNormal:
		return -(eta - math.Log(pr.Scale)) / (pr.LogSigma * pr.LogSigma)
	default:
		return 1 - b/pr.Scale
	}
}

// logSumExp computes ln(Σ exp(x_i)) without overflow:
//
//	LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, 0) {
		return maxVal
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}
