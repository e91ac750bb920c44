// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	LinesClassified *prometheus.CounterVec // by event_type, no_match included
	TimestampErrors prometheus.Counter
	EventsStored    prometheus.Counter
	StorageErrors   prometheus.Counter
	IngestRuns      *prometheus.CounterVec // by status
	LiveLines       *prometheus.CounterVec // by source (irc, tail)
	RetentionPurged *prometheus.CounterVec // by table

	// Histograms (seconds)
	IngestDuration   prometheus.Observer
	ClassifyDuration prometheus.Observer

	// Gauges
	LastRunLines    prometheus.Gauge
	LastRunNoMatch  prometheus.Gauge
	RecorderRunning prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		LinesClassified = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tlc_lines_classified_total", Help: "Log lines classified, by event type"}, []string{"event_type"})
		TimestampErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "tlc_timestamp_errors_total", Help: "Lines whose timestamp could not be combined with the stream date"})
		EventsStored = promauto.NewCounter(prometheus.CounterOpts{Name: "tlc_events_stored_total", Help: "Chat events persisted"})
		StorageErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "tlc_storage_errors_total", Help: "Chat events that failed to persist"})
		IngestRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tlc_ingest_runs_total", Help: "Ingest runs by final status"}, []string{"status"})
		LiveLines = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tlc_live_lines_total", Help: "Lines received from live sources"}, []string{"source"})
		RetentionPurged = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tlc_retention_purged_total", Help: "Diagnostic rows removed by retention, by table"}, []string{"table"})
		IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tlc_ingest_duration_seconds", Help: "Whole-file ingest duration seconds", Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300}})
		ClassifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tlc_classify_duration_seconds", Help: "Classification pass duration seconds", Buckets: prometheus.DefBuckets})
		LastRunLines = promauto.NewGauge(prometheus.GaugeOpts{Name: "tlc_last_run_lines", Help: "Lines processed by the most recent ingest run"})
		LastRunNoMatch = promauto.NewGauge(prometheus.GaugeOpts{Name: "tlc_last_run_no_match", Help: "Unmatched lines in the most recent ingest run"})
		RecorderRunning = promauto.NewGauge(prometheus.GaugeOpts{Name: "tlc_recorder_connected", Help: "Live chat recorder connected=1 disconnected=0"})
	})
}

// RecordClassified counts one classified line under its event type.
func RecordClassified(eventType string) {
	if LinesClassified != nil {
		LinesClassified.WithLabelValues(eventType).Inc()
	}
}

// RecordTimestampError counts one bad timestamp.
func RecordTimestampError() {
	if TimestampErrors != nil {
		TimestampErrors.Inc()
	}
}

// RecordStored adds n persisted events.
func RecordStored(n int) {
	if EventsStored != nil && n > 0 {
		EventsStored.Add(float64(n))
	}
}

// RecordStorageErrors adds n events that failed to persist.
func RecordStorageErrors(n int) {
	if StorageErrors != nil && n > 0 {
		StorageErrors.Add(float64(n))
	}
}

// RecordRun records the outcome of a whole-file run.
func RecordRun(status string, d time.Duration, lines, noMatch int) {
	if IngestRuns != nil {
		IngestRuns.WithLabelValues(status).Inc()
	}
	if IngestDuration != nil {
		IngestDuration.Observe(d.Seconds())
	}
	if LastRunLines != nil {
		LastRunLines.Set(float64(lines))
	}
	if LastRunNoMatch != nil {
		LastRunNoMatch.Set(float64(noMatch))
	}
}

// RecordLiveLine counts one line from a live source.
func RecordLiveLine(source string) {
	if LiveLines != nil {
		LiveLines.WithLabelValues(source).Inc()
	}
}

// RecordPurged adds n rows removed from table by retention.
func RecordPurged(table string, n int64) {
	if RetentionPurged != nil && n > 0 {
		RetentionPurged.WithLabelValues(table).Add(float64(n))
	}
}

// SetRecorderConnected sets gauge to 1 if connected else 0.
func SetRecorderConnected(up bool) {
	if RecorderRunning == nil {
		return
	}
	if up {
		RecorderRunning.Set(1)
	} else {
		RecorderRunning.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
