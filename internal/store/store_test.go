package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/priors-engine/internal/model"
)

func record(eventID string, asOf time.Time, mean float64) *model.Record {
	return &model.Record{
		RunID:   uuid.NewString(),
		EventID: eventID,
		AsOf:    asOf,
		Sources: map[string][]model.Bracket{
			"kalshi": {{Lower: model.F(0), Upper: nil, Prob: 1}},
		},
		Posterior: model.Posterior{
			Bins: []model.BinSummary{
				{Lower: model.F(0), Midpoint: 0.5, Mean: mean},
			},
			Expected: model.Interval{Mean: mean},
			Kappa:    map[string]float64{},
			Model:    model.ModelInfo{Name: model.ModelFallback, Sources: []string{"kalshi"}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

// testStore runs the Store contract against an implementation.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	if _, err := s.Latest(ctx, "gdp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}
	if _, err := s.History(ctx, "gdp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty history, got %v", err)
	}

	// Out-of-order appends.
	for _, rec := range []*model.Record{
		record("gdp", t0.Add(2*time.Hour), 0.3),
		record("gdp", t0, 0.1),
		record("gdp", t0.Add(time.Hour), 0.2),
		record("cpi", t0, 0.9),
	} {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	h, err := s.History(ctx, "gdp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.Snapshots) != 3 {
		t.Fatalf("expected 3 records, got %d", len(h.Snapshots))
	}
	for i := 1; i < len(h.Snapshots); i++ {
		if !h.Snapshots[i-1].AsOf.Before(h.Snapshots[i].AsOf) {
			t.Errorf("history not ordered by as_of at %d", i)
		}
	}

	latest, err := s.Latest(ctx, "gdp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest.Posterior.Bins[0].Mean != 0.3 {
		t.Errorf("expected latest mean 0.3, got %v", latest.Posterior.Bins[0].Mean)
	}

	// Same (event_id, as_of) replaces rather than duplicates.
	rerun := record("gdp", t0.Add(time.Hour), 0.25)
	if err := s.Append(ctx, rerun); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, _ = s.History(ctx, "gdp")
	if len(h.Snapshots) != 3 {
		t.Fatalf("rerun should replace, got %d records", len(h.Snapshots))
	}
	if h.Snapshots[1].Posterior.Bins[0].Mean != 0.25 || h.Snapshots[1].RunID != rerun.RunID {
		t.Errorf("rerun did not replace the stored record: %+v", h.Snapshots[1])
	}

	ids, err := s.ListEvents(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != "cpi" || ids[1] != "gdp" {
		t.Errorf("expected [cpi gdp], got %v", ids)
	}

	// Null bounds survive the round trip.
	if latest.Posterior.Bins[0].Upper != nil || latest.Sources["kalshi"][0].Upper != nil {
		t.Error("open upper bound should stay null")
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesOnAppend(t *testing.T) {
	s := NewMemoryStore()
	rec := record("gdp", time.Unix(100, 0).UTC(), 0.5)
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec.Posterior.Bins[0].Mean = 0.9

	got, _ := s.Latest(context.Background(), "gdp")
	if got.Posterior.Bins[0].Mean != 0.5 {
		t.Error("stored record should not alias the caller's record")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteStore_File(t *testing.T) {
	path := t.TempDir() + "/data/priors.db"
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := record("gdp", time.Unix(100, 0).UTC(), 0.5)
	if err := s.Append(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Close()

	// Reopen: the record persisted.
	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()
	got, err := s.Latest(context.Background(), "gdp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.RunID != rec.RunID {
		t.Errorf("expected run %s, got %s", rec.RunID, got.RunID)
	}
}

// An unreachable Redis degrades to the primary store on every call.
func TestCachedStore_UnreachableRedisFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	testStore(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute))
}

func TestCacheKeys(t *testing.T) {
	if got := latestKey("gdp-q1"); got != "priors:latest:gdp-q1" {
		t.Errorf("unexpected latest key %q", got)
	}
	if got := historyKey("gdp-q1"); got != "priors:history:gdp-q1" {
		t.Errorf("unexpected history key %q", got)
	}
}
