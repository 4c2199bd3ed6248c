package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/priors-engine/internal/metrics"
	"github.com/atmx/priors-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache of each
// event's latest record and history. Writes go to the primary store and
// invalidate the event's keys; reads check Redis first then fall back to
// the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Append(ctx context.Context, rec *model.Record) error {
	if err := s.primary.Append(ctx, rec); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, latestKey(rec.EventID), historyKey(rec.EventID), eventsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Latest(ctx context.Context, eventID string) (*model.Record, error) {
	var rec model.Record
	if s.get(ctx, latestKey(eventID), &rec) {
		return &rec, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.Latest(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, latestKey(eventID), got)
	return got, nil
}

func (s *CachedStore) History(ctx context.Context, eventID string) (*model.EventHistory, error) {
	var h model.EventHistory
	if s.get(ctx, historyKey(eventID), &h) {
		return &h, nil
	}

	got, err := s.primary.History(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, historyKey(eventID), got)
	return got, nil
}

func (s *CachedStore) ListEvents(ctx context.Context) ([]string, error) {
	var ids []string
	if s.get(ctx, eventsKey, &ids) {
		return ids, nil
	}

	ids, err := s.primary.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, eventsKey, ids)
	return ids, nil
}

// Close closes the primary store and the Redis client.
func (s *CachedStore) Close() error {
	err := s.primary.Close()
	if cerr := s.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, dst) == nil {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return true
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()
	return false
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const eventsKey = "priors:events"

func latestKey(eventID string) string  { return fmt.Sprintf("priors:latest:%s", eventID) }
func historyKey(eventID string) string { return fmt.Sprintf("priors:history:%s", eventID) }
