package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/telemetry"
)

// HandleIngestRuns lists recent ingest run reports, newest first.
func (h *Handlers) HandleIngestRuns(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	limit, err := parseIntQuery(r, "limit", 20)
	if err != nil || limit < 1 || limit > db.MaxLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	runs, err := h.store.ListIngestRuns(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list ingest runs failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if runs == nil {
		runs = []ingest.Report{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleIngestRun returns one run report by id: /ingest/runs/{id}.
func (h *Handlers) HandleIngestRun(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ingest/runs/"), "/")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	rep, err := h.store.GetIngestRun(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("get ingest run failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// HandleParseFailures lists recorded parse failures, optionally for one run.
func (h *Handlers) HandleParseFailures(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	var runID uuid.UUID
	if raw := r.URL.Query().Get("run_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid run_id")
			return
		}
		runID = id
	}
	limit, err := parseIntQuery(r, "limit", db.DefaultLimit)
	if err != nil || limit < 1 || limit > db.MaxLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	failures, err := h.store.ListParseFailures(r.Context(), runID, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list parse failures failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if failures == nil {
		failures = []ingest.ParseFailure{}
	}
	writeJSON(w, http.StatusOK, failures)
}
