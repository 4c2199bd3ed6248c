package reconcile

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/priors-engine/internal/model"
)

// Batch outcome statuses.
const (
	StatusStored  = "stored"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Outcome is the result of one snapshot in a batch.
type Outcome struct {
	EventID       string        `json:"event_id"`
	AsOf          time.Time     `json:"as_of"`
	Status        string        `json:"status"`
	RunID         string        `json:"run_id,omitempty"`
	Model         string        `json:"model,omitempty"`
	LowConfidence bool          `json:"low_confidence,omitempty"`
	Warning       string        `json:"warning,omitempty"`
	Error         string        `json:"error,omitempty"`
	Record        *model.Record `json:"-"`
}

// BatchReport collects per-snapshot outcomes in input order.
type BatchReport struct {
	Outcomes []Outcome `json:"outcomes"`
	Stored   int       `json:"stored"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
}

// RunBatch processes snapshots with at most workers jobs in flight (the
// engine default when workers < 1). A failure is scoped to its snapshot;
// the batch always runs to completion unless ctx is cancelled.
func (e *Engine) RunBatch(ctx context.Context, snaps []*model.Snapshot, workers int) *BatchReport {
	if workers < 1 {
		workers = e.opts.Workers
	}
	report := &BatchReport{Outcomes: make([]Outcome, len(snaps))}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, snap := range snaps {
		g.Go(func() error {
			report.Outcomes[i] = e.runOne(ctx, snap)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range report.Outcomes {
		switch o.Status {
		case StatusStored:
			report.Stored++
		case StatusSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	e.logger.Info("batch complete",
		"snapshots", len(snaps),
		"stored", report.Stored,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report
}

func (e *Engine) runOne(ctx context.Context, snap *model.Snapshot) Outcome {
	out := Outcome{EventID: snap.EventID, AsOf: snap.AsOf}
	if err := ctx.Err(); err != nil {
		out.Status, out.Error = StatusFailed, err.Error()
		return out
	}

	rec, err := e.Process(ctx, snap)
	if err != nil {
		out.Status = StatusFailed
		if errors.Is(err, ErrInvalidSnapshot) || errors.Is(err, ErrInsufficientData) {
			out.Status = StatusSkipped
		}
		out.Error = err.Error()
		return out
	}

	out.Status = StatusStored
	out.RunID = rec.RunID
	out.Model = rec.Posterior.Model.Name
	out.LowConfidence = rec.Posterior.Model.LowConfidence
	out.Record = rec
	if out.LowConfidence {
		out.Warning = ErrSamplerNonConvergence.Error()
	}
	return out
}
