// Package server exposes the HTTP API over stored chat events: filtered
// queries, per-type stats, ingest run history, log upload and bulk reset.
// Every request gets a correlation id and a span; /admin routes sit behind
// auth and a per-IP rate limit.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/telemetry"
)

// Store is the persistence surface the API reads and writes. *db.Store
// satisfies it.
type Store interface {
	ingest.Store
	Ping(ctx context.Context) error
	QueryChatEvents(ctx context.Context, f db.Filter) ([]db.ChatRow, error)
	CountByType(ctx context.Context, channel string) (map[string]int, error)
	DeleteChatEvents(ctx context.Context, channel string) (int64, error)
	ListIngestRuns(ctx context.Context, limit int) ([]ingest.Report, error)
	GetIngestRun(ctx context.Context, runID uuid.UUID) (*ingest.Report, error)
	ListParseFailures(ctx context.Context, runID uuid.UUID, limit int) ([]ingest.ParseFailure, error)
}

// Options tunes the API.
type Options struct {
	// DefaultChannel is used by /admin/ingest when channel_name is absent.
	DefaultChannel string
	// MaxUploadBytes caps /admin/ingest bodies. Zero means 64 MiB.
	MaxUploadBytes int64
}

// NewMux returns the HTTP handler with all routes. ctx bounds background
// goroutines such as rate limiter cleanup.
func NewMux(ctx context.Context, store Store, ing *ingest.Ingester, opts Options) http.Handler {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	h := NewHandlers(store, ing, opts)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/", h.HandleRoot)

	mux.HandleFunc("/chats", h.HandleChats)
	mux.HandleFunc("/chats/", h.HandleChats)
	mux.HandleFunc("/chats/stats", h.HandleChatStats)
	mux.HandleFunc("/ingest/runs", h.HandleIngestRuns)
	mux.HandleFunc("/ingest/runs/", h.HandleIngestRun)
	mux.HandleFunc("/parse-failures", h.HandleParseFailures)

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/ingest", h.HandleAdminIngest)
	admin.HandleFunc("/admin/chats", h.HandleAdminResetChats)
	mux.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, limiter), authCfg))

	return withCORSConfig(withRequestContext(mux), corsCfg)
}

// withRequestContext attaches a correlation id, a server span and a
// correlation-aware access log to every request.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+routeOf(r.URL.Path),
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(routeOf(r.URL.Path)),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 && rec.statusCode < 500 {
			telemetry.ErrorStatus(span, fmt.Sprintf("HTTP %d", rec.statusCode))
		}
		telemetry.LoggerWithCorr(ctx).Debug("request",
			slog.String("component", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("took", time.Since(start)),
		)
	})
}

// routeOf collapses path parameters so span names stay low-cardinality.
func routeOf(path string) string {
	if rest, ok := strings.CutPrefix(path, "/ingest/runs/"); ok && rest != "" {
		return "/ingest/runs/{id}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start serves the API on addr until ctx is canceled, then shuts down gracefully.
func Start(ctx context.Context, store Store, ing *ingest.Ingester, opts Options, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, store, ing, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.String("component", "http"), slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.String("component", "http"), slog.Any("err", err))
		return err
	}
	return nil
}
