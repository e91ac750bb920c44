// Package retention periodically purges old ingest diagnostics: run reports
// and parse failures. Stored chat events are never removed.
package retention

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/telemetry"
)

// Policy decides which diagnostics are old enough to purge.
type Policy struct {
	// KeepDays: diagnostics older than this many days are eligible (0 = disabled)
	KeepDays int
	// KeepRuns: the N most recent run reports survive regardless of age
	KeepRuns int
	// DryRun: count what would be purged without deleting
	DryRun bool
	// Interval between purge cycles
	Interval time.Duration
}

// Enabled reports whether the policy would purge anything.
func (p Policy) Enabled() bool { return p.KeepDays > 0 }

// LoadPolicy reads the policy from the environment. Invalid values are
// ignored in favor of defaults.
func LoadPolicy() Policy {
	policy := Policy{
		KeepRuns: 50,
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_RUNS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepRuns = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// Store removes diagnostics. *db.Store satisfies it.
type Store interface {
	PurgeDiagnostics(ctx context.Context, cutoff time.Time, keepRuns int, dryRun bool) (db.Purged, error)
}

// Job runs purge cycles for one policy.
type Job struct {
	store  Store
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewJob returns a job purging through store.
func NewJob(store Store, policy Policy, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		store:  store,
		policy: policy,
		logger: logger.With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run purges once immediately and then every Interval until ctx is done.
// A disabled policy returns at once.
func (j *Job) Run(ctx context.Context) {
	if !j.policy.Enabled() {
		j.logger.Info("retention job disabled (no policy configured)")
		return
	}
	j.logger.Info("retention job starting",
		slog.Int("keep_days", j.policy.KeepDays),
		slog.Int("keep_runs", j.policy.KeepRuns),
		slog.Duration("interval", j.policy.Interval))

	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(j.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("retention job stopped")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

// RunOnce performs a single purge cycle.
func (j *Job) RunOnce(ctx context.Context) (db.Purged, error) {
	cutoff := j.now().AddDate(0, 0, -j.policy.KeepDays)
	p, err := j.store.PurgeDiagnostics(ctx, cutoff, j.policy.KeepRuns, j.policy.DryRun)
	if err != nil {
		return p, err
	}
	mode := "cleanup"
	if j.policy.DryRun {
		mode = "dry-run"
	} else {
		telemetry.RecordPurged("ingest_runs", p.Runs)
		telemetry.RecordPurged("parse_failures", p.Failures)
	}
	j.logger.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Time("cutoff", cutoff),
		slog.Int64("runs", p.Runs),
		slog.Int64("failures", p.Failures))
	return p, nil
}
