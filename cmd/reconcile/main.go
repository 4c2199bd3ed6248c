// Command reconcile fits a posterior for every snapshot in a priors file and
// writes the file back with a posterior block attached to each snapshot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atmx/priors-engine/internal/config"
	"github.com/atmx/priors-engine/internal/logger"
	"github.com/atmx/priors-engine/internal/model"
	"github.com/atmx/priors-engine/internal/reconcile"
	"github.com/atmx/priors-engine/internal/sampler"
	"github.com/atmx/priors-engine/internal/store"
)

// priorsFile keeps unknown fields so the output round-trips the input.
type priorsFile struct {
	Events []map[string]json.RawMessage `json:"events"`
}

type eventHeader struct {
	ID        string                       `json:"id"`
	Snapshots []map[string]json.RawMessage `json:"snapshots"`
}

type slot struct {
	event, snap int
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	inPath := flag.String("in", "data/market_priors.json", "input priors file")
	outPath := flag.String("out", "data/market_priors_bayes.json", "output priors file")
	persist := flag.Bool("store", false, "also append records to the configured store")
	workers := flag.Int("workers", 0, "parallel snapshot jobs (0 = engine.workers)")
	flag.Parse()

	if err := run(*configPath, *inPath, *outPath, *persist, *workers); err != nil {
		slog.Error("reconcile failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, inPath, outPath string, persist bool, workers int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	raw, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var in priorsFile
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}

	events := make([]eventHeader, len(in.Events))
	var (
		snaps []*model.Snapshot
		slots []slot
	)
	for i, ev := range in.Events {
		if err := decodeEvent(ev, &events[i]); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		for j, s := range events[i].Snapshots {
			snap, err := decodeSnapshot(events[i].ID, s)
			if err != nil {
				slog.Warn("snapshot skipped", "event_id", events[i].ID, "index", j, "err", err)
				s["posterior"] = json.RawMessage("null")
				continue
			}
			snaps = append(snaps, snap)
			slots = append(slots, slot{i, j})
		}
	}

	var st store.Store = store.NewMemoryStore()
	if persist {
		st, err = store.Open(ctx, store.Options{
			Driver:     cfg.Store.Driver,
			DSN:        cfg.Store.DSN,
			SQLitePath: cfg.Store.SQLitePath,
			RedisURL:   cfg.Redis.URL,
			RedisTTL:   cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
	}
	defer st.Close()

	engine, err := reconcile.New(sampler.NewHMC(), st, cfg.EngineOptions(), log)
	if err != nil {
		return err
	}

	start := time.Now()
	report := engine.RunBatch(ctx, snaps, workers)
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, o := range report.Outcomes {
		var post *model.Posterior
		if o.Record != nil {
			post = &o.Record.Posterior
		}
		b, err := json.Marshal(post)
		if err != nil {
			return fmt.Errorf("encode posterior for %s: %w", o.EventID, err)
		}
		s := slots[i]
		events[s.event].Snapshots[s.snap]["posterior"] = b
	}

	for i := range in.Events {
		if events[i].Snapshots == nil {
			continue
		}
		b, err := json.Marshal(events[i].Snapshots)
		if err != nil {
			return err
		}
		in.Events[i]["snapshots"] = b
	}

	out, err := json.MarshalIndent(map[string]any{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"events":     in.Events,
		"model": map[string]string{
			"kind":  "dirichlet",
			"notes": "Hierarchical Dirichlet consensus across venues; per-venue concentration scaled by relative log volume.",
		},
	}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	slog.Info("wrote priors file",
		"path", outPath,
		"snapshots", len(snaps),
		"stored", report.Stored,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func decodeEvent(raw map[string]json.RawMessage, ev *eventHeader) error {
	if b, ok := raw["id"]; ok {
		if err := json.Unmarshal(b, &ev.ID); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
	}
	if b, ok := raw["snapshots"]; ok {
		if err := json.Unmarshal(b, &ev.Snapshots); err != nil {
			return fmt.Errorf("decode snapshots: %w", err)
		}
	}
	return nil
}

// decodeSnapshot reads one snapshot, taking the event id from the enclosing
// event when the snapshot does not carry its own.
func decodeSnapshot(eventID string, raw map[string]json.RawMessage) (*model.Snapshot, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, err
	}
	if snap.EventID == "" {
		snap.EventID = eventID
	}
	return &snap, nil
}
