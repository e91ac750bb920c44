package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/telemetry"
)

// HandleAdminIngest ingests a raw chat log posted as the request body and
// returns the run report. A missing or malformed header and a tripped
// no-match threshold answer 422; storage failures answer 500 with the
// partial report.
func (h *Handlers) HandleAdminIngest(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	q := r.URL.Query()
	channel := strings.TrimSpace(q.Get("channel_name"))
	if channel == "" {
		channel = h.defaultChannel
	}
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel_name is required")
		return
	}
	source := q.Get("source")
	if source == "" {
		source = "upload"
	}

	body := http.MaxBytesReader(w, r.Body, h.maxUpload)
	defer body.Close()

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"), slog.String("channel", channel))
	rep, err := h.ingester.IngestReader(r.Context(), body, source, channel)
	if err == nil {
		writeJSON(w, http.StatusOK, rep)
		return
	}

	var (
		fe      *chatlog.FormatError
		tooBig  *http.MaxBytesError
		storage *ingest.StorageError
	)
	switch {
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "log exceeds upload limit")
	case errors.As(err, &fe):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ingest.ErrFormatDrift):
		writeJSON(w, http.StatusUnprocessableEntity, rep)
	case errors.As(err, &storage):
		log.Error("ingest upload storage failure", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, rep)
	default:
		log.Error("ingest upload failed", slog.Any("err", err))
		if rep != nil {
			writeJSON(w, http.StatusInternalServerError, rep)
			return
		}
		writeError(w, http.StatusInternalServerError, "ingest failed")
	}
}

// HandleAdminResetChats bulk-deletes stored events for channel_name, or all
// events when channel_name is absent.
func (h *Handlers) HandleAdminResetChats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodDelete) {
		return
	}
	channel := r.URL.Query().Get("channel_name")
	n, err := h.store.DeleteChatEvents(r.Context(), channel)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("reset chat events failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("chat events reset", slog.String("component", "http"),
		slog.String("channel", channel), slog.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "channel_name": channel})
}
