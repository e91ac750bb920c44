package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusAborted = "aborted"
	StatusFailed  = "failed"
	StatusDryRun  = "dry_run"
)

// Report is the outcome of one ingest run. Every processed line lands in
// exactly one of Stored, NoMatch, TimestampErrors, StorageErrors or Skipped.
type Report struct {
	RunID      uuid.UUID `json:"run_id"`
	Channel    string    `json:"channel_name"`
	Source     string    `json:"source"`
	StreamDate time.Time `json:"stream_date"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`

	Total           int `json:"total"`
	Blank           int `json:"blank"`
	Stored          int `json:"stored"`
	NoMatch         int `json:"no_match"`
	TimestampErrors int `json:"timestamp_errors"`
	StorageErrors   int `json:"storage_errors"`
	// Skipped counts matched events never handed to the store: dry runs and
	// runs aborted before or during persistence.
	Skipped int `json:"skipped"`

	PatternCounts map[string]int `json:"pattern_counts"`

	Started  time.Time `json:"started_at"`
	Finished time.Time `json:"finished_at"`
}

// Matched returns the number of lines that produced an event.
func (r *Report) Matched() int {
	return r.Total - r.NoMatch - r.TimestampErrors
}

// NoMatchRatio returns NoMatch/Total, 0 for an empty run.
func (r *Report) NoMatchRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.NoMatch) / float64(r.Total)
}

// Duration returns Finished-Started.
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Check verifies that the outcome buckets and the pattern counts both add up to Total.
func (r *Report) Check() error {
	if got := r.Stored + r.NoMatch + r.TimestampErrors + r.StorageErrors + r.Skipped; got != r.Total {
		return fmt.Errorf("outcome buckets sum to %d, total is %d", got, r.Total)
	}
	sum := 0
	for _, n := range r.PatternCounts {
		sum += n
	}
	if sum != r.Total {
		return fmt.Errorf("pattern counts sum to %d, total is %d", sum, r.Total)
	}
	return nil
}
