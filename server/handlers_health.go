package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const probeTimeout = 2 * time.Second

type readinessCheck struct {
	name string
	run  func(context.Context) error
}

func (h *Handlers) readinessChecks() []readinessCheck {
	return []readinessCheck{
		{"database", h.store.Ping},
		{"patterns", func(context.Context) error {
			if h.ingester.Classifier().Registry().Len() == 0 {
				return errors.New("pattern registry is empty")
			}
			return nil
		}},
	}
}

// HandleHealthz is the liveness probe. It answers plain "ok" while the
// database answers a ping.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := h.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and names the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	for _, c := range h.readinessChecks() {
		if err := c.run(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
