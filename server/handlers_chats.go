package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/telemetry"
)

// HandleRoot answers GET / and 404s everything else the mux falls through to.
func (h *Handlers) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"Hello": "World"})
}

// HandleChats lists stored events matching the query parameters
// channel_name, username, message_type, since, until, sort, order, offset
// and limit.
func (h *Handlers) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chats" && r.URL.Path != "/chats/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.store.QueryChatEvents(r.Context(), f)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("query chat events failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if rows == nil {
		rows = []db.ChatRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// parseFilter builds a normalized filter from the query string. Limits above
// db.MaxLimit are rejected rather than clamped.
func parseFilter(r *http.Request) (db.Filter, error) {
	q := r.URL.Query()
	f := db.Filter{
		Channel:  q.Get("channel_name"),
		Username: q.Get("username"),
		Sort:     q.Get("sort"),
	}
	if mt := q.Get("message_type"); mt != "" {
		typ, err := chatlog.ParseEventType(mt)
		if err != nil {
			return f, err
		}
		f.EventType = typ
	}

	var err error
	if f.Since, err = parseTimeQuery(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeQuery(r, "until"); err != nil {
		return f, err
	}

	switch order := strings.ToLower(q.Get("order")); order {
	case "", "asc":
	case "desc":
		f.Desc = true
	default:
		return f, fmt.Errorf("invalid order %q (want asc or desc)", order)
	}

	if f.Offset, err = parseIntQuery(r, "offset", 0); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntQuery(r, "limit", db.DefaultLimit); err != nil {
		return f, err
	}
	if f.Limit > db.MaxLimit {
		return f, fmt.Errorf("limit %d exceeds maximum %d", f.Limit, db.MaxLimit)
	}
	return f.Normalize()
}

// HandleChatStats returns per-type event counts, optionally for one channel.
func (h *Handlers) HandleChatStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	channel := r.URL.Query().Get("channel_name")
	counts, err := h.store.CountByType(r.Context(), channel)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("count chat events failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_name": channel,
		"counts":       counts,
		"total":        total,
	})
}
