package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/priors-engine/internal/api"
	"github.com/atmx/priors-engine/internal/model"
	"github.com/atmx/priors-engine/internal/reconcile"
	"github.com/atmx/priors-engine/internal/sampler"
	"github.com/atmx/priors-engine/internal/store"
)

var asOf = time.Date(2026, 11, 6, 13, 30, 0, 0, time.UTC)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*reconcile.Engine, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	opts := reconcile.DefaultOptions()
	opts.Sampler.Draws, opts.Sampler.Tune = 200, 200
	engine, err := reconcile.New(sampler.NewHMC(), ms, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc := api.NewService(engine, ms)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return engine, ms, r
}

func twoBins(p0, p1 float64) []model.Bracket {
	return []model.Bracket{
		{Lower: model.F(0), Upper: model.F(50000), Prob: p0},
		{Lower: model.F(50000), Upper: nil, Prob: p1},
	}
}

func snapshot(eventID string, at time.Time) *model.Snapshot {
	return &model.Snapshot{
		EventID: eventID,
		AsOf:    at,
		Sources: map[string][]model.Bracket{
			"kalshi":     twoBins(0.3, 0.7),
			"polymarket": twoBins(0.5, 0.5),
		},
	}
}

func post(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	default:
		data, _ = json.Marshal(b)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router chi.Router, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIngestSnapshot_Created(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := post(t, router, "/api/v1/snapshots", snapshot("payrolls-2026-11", asOf))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var rec model.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if rec.Posterior.Model.Name != model.ModelHierarchical {
		t.Errorf("expected hierarchical model, got %s", rec.Posterior.Model.Name)
	}
	if len(rec.Posterior.Bins) != 2 {
		t.Errorf("expected 2 bins, got %d", len(rec.Posterior.Bins))
	}
}

func TestIngestSnapshot_WireFormat(t *testing.T) {
	_, _, router := newTestEnv(t)
	body := `{
		"event_id": "cpi-2026-10",
		"as_of": "2026-10-15T12:00:00Z",
		"sources": {"kalshi": [
			{"lower": null, "upper": 2.5, "prob": 0.4, "volume": null},
			{"lower": 2.5, "upper": null, "prob": 0.6, "volume": null}
		]}
	}`
	w := post(t, router, "/api/v1/snapshots", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	posterior := raw["posterior"].(map[string]any)
	bins := posterior["bins"].([]any)
	first := bins[0].(map[string]any)
	if first["lower"] != nil || first["p10"] != nil || first["p90"] != nil {
		t.Errorf("open bound and fallback quantiles should be null, got %v", first)
	}
	if first["mean"].(float64) != 0.4 {
		t.Errorf("expected mean 0.4, got %v", first["mean"])
	}
	m := posterior["model"].(map[string]any)
	if m["name"] != model.ModelFallback || m["volume_weights"] != nil {
		t.Errorf("unexpected model block %v", m)
	}
}

func TestIngestSnapshot_StatusMapping(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", "{not json", http.StatusBadRequest},
		{"bad event id", &model.Snapshot{EventID: "bad id!", AsOf: asOf, Sources: snapshot("x", asOf).Sources}, http.StatusBadRequest},
		{"missing as_of", &model.Snapshot{EventID: "gdp", Sources: snapshot("x", asOf).Sources}, http.StatusBadRequest},
		{"no usable mass", &model.Snapshot{
			EventID: "gdp",
			AsOf:    asOf,
			Sources: map[string][]model.Bracket{"kalshi": {{Lower: model.F(0), Upper: model.F(1), Prob: 0}}},
		}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, router, "/api/v1/snapshots", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var resp map[string]string
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}

func TestIngestBatch(t *testing.T) {
	_, ms, router := newTestEnv(t)

	empty := &model.Snapshot{
		EventID: "empty",
		AsOf:    asOf,
		Sources: map[string][]model.Bracket{"kalshi": {}},
	}
	w := post(t, router, "/api/v1/snapshots/batch", api.BatchRequest{
		Snapshots: []*model.Snapshot{
			snapshot("payrolls-2026-11", asOf),
			empty,
			snapshot("payrolls-2026-11", asOf.Add(time.Hour)),
		},
		Workers: 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var report reconcile.BatchReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Stored != 2 || report.Skipped != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Outcomes[1].Status != reconcile.StatusSkipped {
		t.Errorf("expected empty snapshot skipped, got %+v", report.Outcomes[1])
	}

	h, err := ms.History(context.Background(), "payrolls-2026-11")
	if err != nil || len(h.Snapshots) != 2 {
		t.Errorf("expected 2 stored records, got %v (err %v)", h, err)
	}
}

func TestIngestBatch_Empty(t *testing.T) {
	_, _, router := newTestEnv(t)
	if w := post(t, router, "/api/v1/snapshots/batch", `{"snapshots": []}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestQueries(t *testing.T) {
	_, _, router := newTestEnv(t)
	for _, at := range []time.Time{asOf.Add(time.Hour), asOf} {
		if w := post(t, router, "/api/v1/snapshots", snapshot("payrolls-2026-11", at)); w.Code != http.StatusCreated {
			t.Fatalf("seed failed: %d %s", w.Code, w.Body.String())
		}
	}

	w := get(router, "/api/v1/events")
	var events map[string][]string
	json.NewDecoder(w.Body).Decode(&events)
	if len(events["events"]) != 1 || events["events"][0] != "payrolls-2026-11" {
		t.Errorf("unexpected events %v", events)
	}

	w = get(router, "/api/v1/events/payrolls-2026-11/latest")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var latest model.Record
	json.NewDecoder(w.Body).Decode(&latest)
	if !latest.AsOf.Equal(asOf.Add(time.Hour)) {
		t.Errorf("latest should be the newest as_of, got %v", latest.AsOf)
	}

	w = get(router, "/api/v1/events/payrolls-2026-11/history")
	var h model.EventHistory
	json.NewDecoder(w.Body).Decode(&h)
	if len(h.Snapshots) != 2 || !h.Snapshots[0].AsOf.Equal(asOf) {
		t.Errorf("history should be ordered ascending, got %+v", h.Snapshots)
	}

	for _, path := range []string{"/api/v1/events/unknown/latest", "/api/v1/events/unknown/history"} {
		if w := get(router, path); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestWSHub_BroadcastsStoredPosterior(t *testing.T) {
	engine, _, router := newTestEnv(t)
	hub := api.NewWSHub()
	engine.OnRecord(hub.Publish)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Get("/api/v1/ws", hub.HandleWS)
	r.Mount("/", router)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if w := post(t, router, "/api/v1/snapshots", snapshot("payrolls-2026-11", asOf)); w.Code != http.StatusCreated {
		t.Fatalf("ingest failed: %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != "posterior_updated" || msg.EventID != "payrolls-2026-11" || msg.Model != model.ModelHierarchical {
		t.Errorf("unexpected message %+v", msg)
	}
	if !(msg.ExpectedMean > 50000 && msg.ExpectedMean < 60000) {
		t.Errorf("expected mean between 50000 and 60000, got %v", msg.ExpectedMean)
	}
}
