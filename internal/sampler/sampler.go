// Package sampler draws posterior samples from a differentiable log density.
//
// Sampler is the contract the reconciliation pipeline depends on; any MCMC
// backend that returns independent chains of draws satisfies it. The shipped
// backend is HMC: jittered-length leapfrog trajectories, a diagonal mass
// matrix estimated during warm-up, and dual-averaging step-size adaptation
// towards Config.TargetAccept.
//
// Chains are embarrassingly parallel. They share nothing while sampling and
// only meet again for convergence diagnostics (split R-hat).
package sampler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned for unusable sampler settings.
	ErrInvalidConfig = errors.New("sampler: invalid config")

	// ErrNumericalFailure is returned when the target cannot be evaluated:
	// a non-finite log density at every starting point, a panic inside a
	// chain, or a chain where every transition diverged.
	ErrNumericalFailure = errors.New("sampler: numerical failure")
)

// Target is a log density over an unconstrained R^Dim.
type Target interface {
	Dim() int
	// LogDensity returns log π(theta) up to a constant and, when grad is
	// non-nil, writes the gradient into it. Out-of-support points return -Inf.
	LogDensity(theta, grad []float64) float64
}

// Initializer is implemented by targets that know a sensible starting point.
type Initializer interface {
	InitialPoint() []float64
}

// Sampler draws posterior samples. Sample blocks until every chain finishes
// or ctx is done.
type Sampler interface {
	Sample(ctx context.Context, target Target, cfg Config) (*Trace, error)
}

// Config holds the recognized sampling options.
type Config struct {
	// Draws is the number of post-warm-up samples per chain.
	Draws int
	// Tune is the number of warm-up (adaptation) iterations per chain.
	Tune int
	// Chains is the number of independent chains.
	Chains int
	// TargetAccept is the mean acceptance probability step-size adaptation aims for.
	TargetAccept float64
	// MaxLeapfrog bounds the jittered number of leapfrog steps per transition.
	MaxLeapfrog int
	// Seed makes runs reproducible. Chain c uses stream c of the seed.
	Seed uint64
}

// DefaultConfig mirrors the settings the priors pipeline has always used.
func DefaultConfig() Config {
	return Config{
		Draws:        800,
		Tune:         800,
		Chains:       2,
		TargetAccept: 0.9,
		MaxLeapfrog:  16,
		Seed:         1,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	switch {
	case c.Draws < 1:
		return fmt.Errorf("%w: draws must be at least 1, got %d", ErrInvalidConfig, c.Draws)
	case c.Tune < 0:
		return fmt.Errorf("%w: tune must not be negative, got %d", ErrInvalidConfig, c.Tune)
	case c.Chains < 1:
		return fmt.Errorf("%w: chains must be at least 1, got %d", ErrInvalidConfig, c.Chains)
	case !(c.TargetAccept > 0 && c.TargetAccept < 1):
		return fmt.Errorf("%w: target_accept must be in (0,1), got %v", ErrInvalidConfig, c.TargetAccept)
	case c.MaxLeapfrog < 1:
		return fmt.Errorf("%w: max_leapfrog must be at least 1, got %d", ErrInvalidConfig, c.MaxLeapfrog)
	}
	return nil
}

// Chain is the output of one chain.
type Chain struct {
	// Draws holds one unconstrained point per post-warm-up iteration.
	Draws       [][]float64
	AcceptRate  float64
	Divergences int
	StepSize    float64
}

// Trace is the pooled output of all chains.
type Trace struct {
	Chains []Chain
}

// NumDraws is the total number of draws across chains.
func (t *Trace) NumDraws() int {
	n := 0
	for _, c := range t.Chains {
		n += len(c.Draws)
	}
	return n
}

// Divergences is the total number of divergent post-warm-up transitions.
func (t *Trace) Divergences() int {
	n := 0
	for _, c := range t.Chains {
		n += c.Divergences
	}
	return n
}

// AcceptRate is the mean acceptance probability across chains.
func (t *Trace) AcceptRate() float64 {
	if len(t.Chains) == 0 {
		return 0
	}
	var sum float64
	for _, c := range t.Chains {
		sum += c.AcceptRate
	}
	return sum / float64(len(t.Chains))
}

// StepSize is the mean adapted step size across chains.
func (t *Trace) StepSize() float64 {
	if len(t.Chains) == 0 {
		return 0
	}
	var sum float64
	for _, c := range t.Chains {
		sum += c.StepSize
	}
	return sum / float64(len(t.Chains))
}

// Each calls fn for every draw, chain by chain.
func (t *Trace) Each(fn func(chain int, theta []float64)) {
	for ci, c := range t.Chains {
		for _, d := range c.Draws {
			fn(ci, d)
		}
	}
}
