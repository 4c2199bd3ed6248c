// Package api provides the HTTP handlers for ingesting venue snapshots and
// querying each event's posterior history, plus the WebSocket hub that
// pushes new posteriors to the presentation layer.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/priors-engine/internal/model"
	"github.com/atmx/priors-engine/internal/reconcile"
	"github.com/atmx/priors-engine/internal/store"
)

// maxBodyBytes bounds request bodies. A batch of a few hundred snapshots
// fits comfortably.
const maxBodyBytes = 16 << 20

// Service handles snapshot ingestion and history queries.
type Service struct {
	engine *reconcile.Engine
	store  store.Store
}

// NewService creates a new API service. The engine should be wired to the
// same store so ingested records are visible to queries.
func NewService(engine *reconcile.Engine, st store.Store) *Service {
	return &Service{engine: engine, store: st}
}

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/snapshots", s.IngestSnapshot)
	r.Post("/snapshots/batch", s.IngestBatch)
	r.Get("/events", s.ListEvents)
	r.Get("/events/{eventID}/latest", s.GetLatest)
	r.Get("/events/{eventID}/history", s.GetHistory)
}

// --- Request types ---

// BatchRequest is the JSON body for POST /snapshots/batch.
type BatchRequest struct {
	Snapshots []*model.Snapshot `json:"snapshots"`
	Workers   int               `json:"workers"` // 0 → engine default
}

// --- HTTP Handlers ---

// IngestSnapshot handles POST /api/v1/snapshots
func (s *Service) IngestSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap model.Snapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&snap); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.engine.Process(r.Context(), &snap)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// IngestBatch handles POST /api/v1/snapshots/batch. Per-snapshot failures
// are reported in the body; the request itself succeeds.
func (s *Service) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Snapshots) == 0 {
		writeError(w, "snapshots must not be empty", http.StatusBadRequest)
		return
	}
	for _, snap := range req.Snapshots {
		if snap == nil {
			writeError(w, "snapshots must not contain null", http.StatusBadRequest)
			return
		}
	}

	report := s.engine.RunBatch(r.Context(), req.Snapshots, req.Workers)
	slog.Info("batch ingested",
		"snapshots", len(req.Snapshots),
		"stored", report.Stored,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	writeJSON(w, http.StatusOK, report)
}

// ListEvents handles GET /api/v1/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListEvents(r.Context())
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"events": ids})
}

// GetLatest handles GET /api/v1/events/{eventID}/latest
func (s *Service) GetLatest(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	rec, err := s.store.Latest(r.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetHistory handles GET /api/v1/events/{eventID}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	h, err := s.store.History(r.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load event history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// statusFor maps pipeline errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrInvalidSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
