// Package store defines the persistence interface for posterior records.
// Implementations include PostgreSQL (shared deployments), SQLite (single
// node), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/priors-engine/internal/model"
)

// ErrNotFound is returned when an event has no records.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Records are keyed by (event_id, as_of);
// they are never pruned.
type Store interface {
	// Append persists a record. A record with the same (event_id, as_of)
	// replaces the existing one so reruns do not duplicate history.
	Append(ctx context.Context, rec *model.Record) error

	// Latest returns the record with the greatest as_of for an event.
	Latest(ctx context.Context, eventID string) (*model.Record, error)

	// History returns every record for an event, ordered by as_of ascending.
	History(ctx context.Context, eventID string) (*model.EventHistory, error)

	// ListEvents returns the ids of all events with at least one record.
	ListEvents(ctx context.Context) ([]string, error)

	// Close releases underlying resources.
	Close() error
}
