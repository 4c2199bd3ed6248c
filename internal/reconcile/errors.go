package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidSnapshot is returned for snapshots that fail validation.
	ErrInvalidSnapshot = errors.New("reconcile: invalid snapshot")

	// ErrInsufficientData means no venue had usable probability mass. The
	// snapshot is skipped and nothing is written.
	ErrInsufficientData = errors.New("reconcile: insufficient data")

	// ErrSamplerNonConvergence marks a fit whose chains did not mix. It is
	// never returned from Fit; the record is written with low_confidence set
	// and the batch outcome carries it as a warning.
	ErrSamplerNonConvergence = errors.New("reconcile: sampler did not converge")

	// ErrSamplerFailure means the sampler could not produce usable draws.
	// The snapshot is skipped.
	ErrSamplerFailure = errors.New("reconcile: sampler failure")
)

// FitError scopes a failure to one snapshot. Kind is one of the sentinels
// above; errors.Is matches both Kind and the underlying cause.
type FitError struct {
	Kind    error
	EventID string
	AsOf    time.Time
	Err     error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("%v: event %s at %s: %v", e.Kind, e.EventID, e.AsOf.Format(time.RFC3339), e.Err)
}

func (e *FitError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func newFitError(kind error, eventID string, asOf time.Time, err error) *FitError {
	return &FitError{Kind: kind, EventID: eventID, AsOf: asOf, Err: err}
}
