// Package model defines the core domain types shared across the priors engine:
// the per-venue snapshot the producer hands us, the canonical bin grid, and the
// posterior record that gets appended to an event's history.
//
// Notional volume is money and uses shopspring/decimal. Probabilities and
// posterior statistics are float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Posterior model names. The presentation layer keys off these to tell a
// calibrated posterior apart from a plain average.
const (
	ModelHierarchical = "dirichlet_hierarchical"
	ModelFallback     = "fallback_average"
)

// Bracket is one venue quote: probability mass on [Lower, Upper).
// A nil bound is unbounded.
type Bracket struct {
	Lower  *float64            `json:"lower"`
	Upper  *float64            `json:"upper"`
	Prob   float64             `json:"prob"`
	Volume decimal.NullDecimal `json:"volume"`
}

// SourceMeta carries per-venue metadata that is not attached to a single
// bracket. Volume here takes precedence over summed bracket volumes.
type SourceMeta struct {
	Volume decimal.NullDecimal `json:"volume"`
}

// Snapshot is the input record: every venue's quoted distribution for one
// event at one point in time.
type Snapshot struct {
	EventID    string                `json:"event_id"`
	AsOf       time.Time             `json:"as_of"`
	Sources    map[string][]Bracket  `json:"sources"`
	SourceMeta map[string]SourceMeta `json:"source_meta,omitempty"`
}

// OutcomeBin is one interval of the canonical grid. Open ends carry a
// synthetic width for midpoint and overlap computations.
type OutcomeBin struct {
	Lower    *float64 `json:"lower"`
	Upper    *float64 `json:"upper"`
	Midpoint float64  `json:"midpoint"`
}

// Closed reports whether both bounds are finite.
func (b OutcomeBin) Closed() bool {
	return b.Lower != nil && b.Upper != nil
}

// VenueObservation is one venue's distribution after alignment to the grid.
// Probs has one entry per grid bin and sums to 1.
type VenueObservation struct {
	VenueID string              `json:"venue_id"`
	Probs   []float64           `json:"probs"`
	Volume  decimal.NullDecimal `json:"volume"`
}

// ConcentrationWeight is the per-venue confidence scalar.
// VolumeMultiplier is always within [0.5, 3.0].
type ConcentrationWeight struct {
	VenueID          string  `json:"venue_id"`
	KappaBase        float64 `json:"kappa_base"`
	VolumeMultiplier float64 `json:"volume_multiplier"`
}

// PosteriorDraw is a single sample of the latent distribution and each
// venue's concentration (kappa_base * multiplier).
type PosteriorDraw struct {
	P     []float64
	Kappa []float64
}

// BinSummary is the persisted statistics for one grid bin. P10 and P90 are
// nil when no sampling was performed.
type BinSummary struct {
	Lower    *float64 `json:"lower"`
	Upper    *float64 `json:"upper"`
	Midpoint float64  `json:"midpoint"`
	Mean     float64  `json:"mean"`
	P10      *float64 `json:"p10"`
	P90      *float64 `json:"p90"`
}

// Interval is a mean with an optional 10/90 band.
type Interval struct {
	Mean float64  `json:"mean"`
	P10  *float64 `json:"p10"`
	P90  *float64 `json:"p90"`
}

// Diagnostics summarizes sampler health for a hierarchical fit.
type Diagnostics struct {
	Chains      int     `json:"chains"`
	Draws       int     `json:"draws"`
	Tune        int     `json:"tune"`
	RHatMax     float64 `json:"rhat_max"`
	Divergences int     `json:"divergences"`
	AcceptRate  float64 `json:"accept_rate"`
	StepSize    float64 `json:"step_size"`
}

// ModelInfo describes how a posterior was produced. VolumeWeights is nil
// when no volume adjustment was applied.
type ModelInfo struct {
	Name          string             `json:"name"`
	VolumeWeights map[string]float64 `json:"volume_weights"`
	LowConfidence bool               `json:"low_confidence"`
	Sampled       bool               `json:"sampled"`
	Sources       []string           `json:"sources"`
	Quantiles     []float64          `json:"quantiles"`
	Diagnostics   *Diagnostics       `json:"diagnostics,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Posterior is the summarized result for one snapshot.
type Posterior struct {
	Bins     []BinSummary       `json:"bins"`
	Expected Interval           `json:"expected"`
	Kappa    map[string]float64 `json:"kappa"`
	Model    ModelInfo          `json:"model"`
}

// Record is an immutable entry in an event's history.
type Record struct {
	RunID     string               `json:"run_id"`
	EventID   string               `json:"event_id"`
	AsOf      time.Time            `json:"as_of"`
	Sources   map[string][]Bracket `json:"sources"`
	Posterior Posterior            `json:"posterior"`
	CreatedAt time.Time            `json:"created_at"`
}

// EventHistory is the ordered time series of records for one event.
type EventHistory struct {
	EventID   string   `json:"event_id"`
	Snapshots []Record `json:"snapshots"`
}

// F returns a pointer to v. Bounds and quantiles are optional floats.
func F(v float64) *float64 {
	return &v
}
