// Package reconcile runs the per-snapshot pipeline: normalize the venues
// onto one grid, weight them by volume, fit the hierarchical model (or fall
// back to a weighted average), summarize, and append to the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/priors-engine/internal/binning"
	"github.com/atmx/priors-engine/internal/dirichlet"
	"github.com/atmx/priors-engine/internal/metrics"
	"github.com/atmx/priors-engine/internal/model"
	"github.com/atmx/priors-engine/internal/sampler"
	"github.com/atmx/priors-engine/internal/store"
	"github.com/atmx/priors-engine/internal/summary"
	"github.com/atmx/priors-engine/internal/volume"
)

// BudgetExceeded is recorded as model.error when sampling runs out of time.
const BudgetExceeded = "sampling budget exceeded"

// Options configures an Engine.
type Options struct {
	Sampler sampler.Config
	Priors  dirichlet.Priors
	Binning binning.Options

	// VolumeMin and VolumeMax clamp the volume multiplier.
	VolumeMin, VolumeMax float64

	// A fit is low confidence when the max split R-hat exceeds RHatThreshold
	// or the divergence rate exceeds MaxDivergenceRate.
	RHatThreshold     float64
	MaxDivergenceRate float64

	// Budget bounds sampling wall-clock time per snapshot. Zero disables it.
	Budget time.Duration
	// Workers bounds concurrent snapshot jobs in RunBatch.
	Workers int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Sampler:           sampler.DefaultConfig(),
		Priors:            dirichlet.DefaultPriors(),
		VolumeMin:         volume.DefaultMin,
		VolumeMax:         volume.DefaultMax,
		RHatThreshold:     1.05,
		MaxDivergenceRate: 0.05,
		Budget:            30 * time.Second,
		Workers:           4,
	}
}

// Engine reconciles snapshots. It is safe for concurrent use; the store is
// the only shared resource.
type Engine struct {
	opts    Options
	sampler sampler.Sampler
	weigher *volume.Weigher
	store   store.Store
	logger  *slog.Logger

	mu        sync.RWMutex
	observers []func(*model.Record)
}

// New creates an engine. st may be nil when records are only returned,
// never persisted.
func New(s sampler.Sampler, st store.Store, opts Options, logger *slog.Logger) (*Engine, error) {
	if err := opts.Sampler.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Priors.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{
		opts:    opts,
		sampler: s,
		weigher: volume.NewWeigher(opts.VolumeMin, opts.VolumeMax),
		store:   st,
		logger:  logger,
	}, nil
}

// OnRecord registers fn to be called with every record Process stores.
func (e *Engine) OnRecord(fn func(*model.Record)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Fit reconciles one snapshot into a record without persisting it.
func (e *Engine) Fit(ctx context.Context, snap *model.Snapshot) (*model.Record, error) {
	start := time.Now()
	if err := snap.Validate(); err != nil {
		return nil, newFitError(ErrInvalidSnapshot, snap.EventID, snap.AsOf, err)
	}
	log := e.logger.With("event_id", snap.EventID, "as_of", snap.AsOf)

	grid, err := binning.Normalize(snap, e.opts.Binning)
	if err != nil {
		return nil, newFitError(ErrInsufficientData, snap.EventID, snap.AsOf, err)
	}
	for _, v := range grid.Dropped {
		log.Warn("venue dropped: no usable probability mass", "venue", v)
	}

	weights := e.weigher.Weights(grid.Observations)
	byVenue := weights.ByVenue(grid.Observations)

	var post model.Posterior
	switch {
	case len(grid.Observations) < 2:
		post = summary.Fallback(grid, weights.Multipliers, byVenue, "")
	case len(grid.Bins) < 2:
		post = summary.Fallback(grid, weights.Multipliers, byVenue, "fewer than two outcome bins")
	default:
		post, err = e.sample(ctx, grid, weights, byVenue, log)
		if err != nil {
			return nil, newFitError(ErrSamplerFailure, snap.EventID, snap.AsOf, err)
		}
	}

	rec := &model.Record{
		RunID:     uuid.NewString(),
		EventID:   snap.EventID,
		AsOf:      snap.AsOf,
		Sources:   snap.Sources,
		Posterior: post,
		CreatedAt: time.Now().UTC(),
	}

	outcome := "ok"
	switch {
	case post.Model.Name == model.ModelFallback:
		outcome = "fallback"
	case post.Model.LowConfidence:
		outcome = "low_confidence"
	}
	metrics.FitsTotal.WithLabelValues(post.Model.Name, outcome).Inc()
	metrics.FitLatency.WithLabelValues(post.Model.Name).Observe(time.Since(start).Seconds())

	log.Info("snapshot reconciled",
		"run_id", rec.RunID,
		"model", post.Model.Name,
		"venues", len(grid.Observations),
		"bins", len(grid.Bins),
		"low_confidence", post.Model.LowConfidence,
		"duration", time.Since(start),
	)
	return rec, nil
}

// sample fits the hierarchical model. A blown budget degrades to the
// fallback average; any other sampler error is returned.
func (e *Engine) sample(ctx context.Context, grid *binning.Grid, weights volume.Weights, byVenue map[string]float64, log *slog.Logger) (model.Posterior, error) {
	obs := make([][]float64, len(grid.Observations))
	for i, o := range grid.Observations {
		obs[i] = o.Probs
	}
	m, err := dirichlet.NewModel(obs, weights.Multipliers, e.opts.Priors)
	if err != nil {
		return model.Posterior{}, err
	}

	sctx := ctx
	if e.opts.Budget > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.opts.Budget)
		defer cancel()
	}

	trace, err := e.sampler.Sample(sctx, m, e.opts.Sampler)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn("sampling budget exceeded, using fallback average", "budget", e.opts.Budget)
			return summary.Fallback(grid, weights.Multipliers, byVenue, BudgetExceeded), nil
		}
		return model.Posterior{}, err
	}

	draws := make([]model.PosteriorDraw, 0, trace.NumDraws())
	trace.Each(func(_ int, theta []float64) {
		draws = append(draws, m.Constrain(theta))
	})
	post := summary.Summarize(grid, draws, byVenue)

	rhat := trace.MaxRHat(func(theta []float64) []float64 {
		d := m.Constrain(theta)
		return append(d.P, d.Kappa...)
	})
	divRate := float64(trace.Divergences()) / float64(trace.NumDraws())

	post.Model.Diagnostics = &model.Diagnostics{
		Chains:      e.opts.Sampler.Chains,
		Draws:       e.opts.Sampler.Draws,
		Tune:        e.opts.Sampler.Tune,
		RHatMax:     rhat,
		Divergences: trace.Divergences(),
		AcceptRate:  trace.AcceptRate(),
		StepSize:    trace.StepSize(),
	}
	metrics.RHat.Observe(rhat)
	metrics.SamplerDivergences.Add(float64(trace.Divergences()))

	if rhat > e.opts.RHatThreshold || divRate > e.opts.MaxDivergenceRate {
		post.Model.LowConfidence = true
		log.Warn(ErrSamplerNonConvergence.Error(),
			"rhat", rhat,
			"divergences", trace.Divergences(),
			"divergence_rate", divRate,
		)
	}
	return post, nil
}

// Process fits a snapshot, appends the record to the store and notifies
// observers.
func (e *Engine) Process(ctx context.Context, snap *model.Snapshot) (*model.Record, error) {
	rec, err := e.Fit(ctx, snap)
	if err != nil {
		metrics.SkippedSnapshots.WithLabelValues(skipReason(err)).Inc()
		e.logger.Warn("snapshot skipped", "event_id", snap.EventID, "as_of", snap.AsOf, "err", err)
		return nil, err
	}
	if e.store != nil {
		if err := e.store.Append(ctx, rec); err != nil {
			metrics.SkippedSnapshots.WithLabelValues("store").Inc()
			return nil, fmt.Errorf("store record %s: %w", rec.RunID, err)
		}
		metrics.StoredRecords.Inc()
	}

	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()
	for _, fn := range observers {
		fn(rec)
	}
	return rec, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSnapshot):
		return "invalid"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrSamplerFailure):
		return "sampler_failure"
	default:
		return "other"
	}
}
