package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/priors-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]model.Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]model.Record),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec *model.Record) error {
	// Store a deep copy to avoid external mutation.
	stored, err := clone(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.events[rec.EventID]
	i := sort.Search(len(recs), func(i int) bool { return !recs[i].AsOf.Before(rec.AsOf) })
	if i < len(recs) && recs[i].AsOf.Equal(rec.AsOf) {
		recs[i] = *stored
		return nil
	}
	recs = append(recs, model.Record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = *stored
	s.events[rec.EventID] = recs
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, eventID string) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.events[eventID]
	if len(recs) == 0 {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return clone(&recs[len(recs)-1])
}

func (s *MemoryStore) History(_ context.Context, eventID string) (*model.EventHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.events[eventID]
	if len(recs) == 0 {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	h := &model.EventHistory{EventID: eventID, Snapshots: make([]model.Record, 0, len(recs))}
	for i := range recs {
		c, err := clone(&recs[i])
		if err != nil {
			return nil, err
		}
		h.Snapshots = append(h.Snapshots, *c)
	}
	return h, nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

// clone deep-copies a record through its JSON form, the same representation
// the persistent stores use.
func clone(rec *model.Record) (*model.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var out model.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &out, nil
}
