package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not re-register

	if LinesClassified == nil || IngestRuns == nil || LiveLines == nil {
		t.Fatal("counter vectors not initialized")
	}
	if IngestDuration == nil || ClassifyDuration == nil {
		t.Fatal("histograms not initialized")
	}
	if LastRunLines == nil || RecorderRunning == nil {
		t.Fatal("gauges not initialized")
	}
}

func TestRecordClassifiedByType(t *testing.T) {
	Init()

	before := promtest.ToFloat64(LinesClassified.WithLabelValues("raid"))
	RecordClassified("raid")
	RecordClassified("raid")
	if got := promtest.ToFloat64(LinesClassified.WithLabelValues("raid")) - before; got != 2 {
		t.Errorf("raid delta = %v, want 2", got)
	}
}

func TestRecordStoredIgnoresNonPositive(t *testing.T) {
	Init()

	before := promtest.ToFloat64(EventsStored)
	RecordStored(0)
	RecordStored(-3)
	RecordStored(5)
	if got := promtest.ToFloat64(EventsStored) - before; got != 5 {
		t.Errorf("stored delta = %v, want 5", got)
	}
}

func TestRecordRunSetsGauges(t *testing.T) {
	Init()

	RecordRun("ok", 2*time.Second, 120, 7)
	if got := promtest.ToFloat64(LastRunLines); got != 120 {
		t.Errorf("last run lines = %v, want 120", got)
	}
	if got := promtest.ToFloat64(LastRunNoMatch); got != 7 {
		t.Errorf("last run no match = %v, want 7", got)
	}
}

func TestSetRecorderConnected(t *testing.T) {
	Init()

	SetRecorderConnected(true)
	if got := promtest.ToFloat64(RecorderRunning); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
	SetRecorderConnected(false)
	if got := promtest.ToFloat64(RecorderRunning); got != 0 {
		t.Errorf("gauge = %v, want 0", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() != 1 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestTimeFuncNilObserver(t *testing.T) {
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context corr = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("corr = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
