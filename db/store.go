package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/ingest"
)

// ChatRow is one stored chat event.
type ChatRow struct {
	ID          uuid.UUID         `json:"id"`
	Seq         int64             `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	Timestamp   time.Time         `json:"timestamp"`
	ChannelName string            `json:"channel_name"`
	Username    *string           `json:"username"`
	MessageText string            `json:"message_text"`
	MessageType string            `json:"message_type"`
	Details     map[string]string `json:"details"`
	LineNo      int               `json:"line_no,omitempty"`
	RunID       *uuid.UUID        `json:"run_id,omitempty"`
}

// Store persists chat events, parse failures and ingest runs in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const insertChatSQL = `INSERT INTO chat_messages
	(id, created_at, "timestamp", channel_name, username, message_text, message_type, details, line_no, run_id)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// InsertChatEvents appends events in one transaction; either every row lands or none.
func (s *Store) InsertChatEvents(ctx context.Context, runID uuid.UUID, events []chatlog.ChatEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert chat events: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertChatSQL)
	if err != nil {
		return fmt.Errorf("prepare insert chat events: %w", err)
	}
	defer stmt.Close()

	var run any
	if runID != uuid.Nil {
		run = runID
	}
	for _, ev := range events {
		details, err := marshalDetails(ev.Details)
		if err != nil {
			return err
		}
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var lineNo any
		if ev.LineNo > 0 {
			lineNo = ev.LineNo
		}
		if _, err = stmt.ExecContext(ctx, uuid.New(), createdAt, ev.Timestamp, ev.ChannelName,
			ev.Username, ev.MessageText, string(ev.EventType), details, lineNo, run); err != nil {
			return fmt.Errorf("insert chat event (line %d): %w", ev.LineNo, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit chat events: %w", err)
	}
	return nil
}

func marshalDetails(d map[string]string) (any, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}

// DeleteChatEvents removes all rows for channel, or every row when channel is empty.
func (s *Store) DeleteChatEvents(ctx context.Context, channel string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if channel == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM chat_messages`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE channel_name = $1`, channel)
	}
	if err != nil {
		return 0, fmt.Errorf("delete chat events: %w", err)
	}
	return res.RowsAffected()
}

// QueryChatEvents returns the page of rows selected by f.
func (s *Store) QueryChatEvents(ctx context.Context, f Filter) ([]ChatRow, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	where, args := f.whereClause()
	q := `SELECT id, seq, created_at, "timestamp", channel_name, username, message_text, message_type,
		details, line_no, run_id FROM chat_messages` + where + f.orderClause() +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat events: %w", err)
	}
	defer rows.Close()

	out := []ChatRow{}
	for rows.Next() {
		var (
			r        ChatRow
			username sql.NullString
			details  []byte
			lineNo   sql.NullInt64
			runID    uuid.NullUUID
		)
		if err := rows.Scan(&r.ID, &r.Seq, &r.CreatedAt, &r.Timestamp, &r.ChannelName, &username,
			&r.MessageText, &r.MessageType, &details, &lineNo, &runID); err != nil {
			return nil, fmt.Errorf("scan chat event: %w", err)
		}
		if username.Valid {
			r.Username = &username.String
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &r.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		r.LineNo = int(lineNo.Int64)
		if runID.Valid {
			r.RunID = &runID.UUID
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByType returns stored row counts per message type, for one channel or all.
func (s *Store) CountByType(ctx context.Context, channel string) (map[string]int, error) {
	q := `SELECT message_type, COUNT(*) FROM chat_messages`
	var args []any
	if channel != "" {
		q += ` WHERE channel_name = $1`
		args = append(args, channel)
	}
	q += ` GROUP BY message_type`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("count chat events: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// InsertParseFailures records lines that did not become events.
func (s *Store) InsertParseFailures(ctx context.Context, failures []ingest.ParseFailure) (err error) {
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert parse failures: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO parse_failures
		(run_id, channel_name, line_no, raw_line, reason, event_type, error, created_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8)`)
	if err != nil {
		return fmt.Errorf("prepare insert parse failures: %w", err)
	}
	defer stmt.Close()
	for _, f := range failures {
		if _, err = stmt.ExecContext(ctx, f.RunID, f.ChannelName, f.LineNo, f.RawLine, f.Reason, f.EventType, f.Error, f.CreatedAt); err != nil {
			return fmt.Errorf("insert parse failure (line %d): %w", f.LineNo, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit parse failures: %w", err)
	}
	return nil
}

// ListParseFailures returns up to limit failures, newest run first, for one run
// when runID is not uuid.Nil.
func (s *Store) ListParseFailures(ctx context.Context, runID uuid.UUID, limit int) ([]ingest.ParseFailure, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	q := `SELECT run_id, COALESCE(channel_name,''), COALESCE(line_no,0), raw_line, reason,
		COALESCE(event_type,''), COALESCE(error,''), created_at FROM parse_failures`
	args := []any{}
	if runID != uuid.Nil {
		q += ` WHERE run_id = $1`
		args = append(args, runID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, line_no ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query parse failures: %w", err)
	}
	defer rows.Close()
	out := []ingest.ParseFailure{}
	for rows.Next() {
		var f ingest.ParseFailure
		var run uuid.NullUUID
		if err := rows.Scan(&run, &f.ChannelName, &f.LineNo, &f.RawLine, &f.Reason, &f.EventType, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan parse failure: %w", err)
		}
		f.RunID = run.UUID
		out = append(out, f)
	}
	return out, rows.Err()
}

// SaveIngestRun upserts a run report.
func (s *Store) SaveIngestRun(ctx context.Context, r *ingest.Report) error {
	counts, err := json.Marshal(r.PatternCounts)
	if err != nil {
		return fmt.Errorf("marshal pattern counts: %w", err)
	}
	var streamDate any
	if !r.StreamDate.IsZero() {
		streamDate = r.StreamDate
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO ingest_runs
		(run_id, channel_name, source, stream_date, status, error, total, blank, stored, no_match,
		 timestamp_errors, storage_errors, skipped, pattern_counts, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT(run_id) DO UPDATE SET
		  status=EXCLUDED.status,
		  error=EXCLUDED.error,
		  stored=EXCLUDED.stored,
		  storage_errors=EXCLUDED.storage_errors,
		  skipped=EXCLUDED.skipped,
		  finished_at=EXCLUDED.finished_at`,
		r.RunID, r.Channel, r.Source, streamDate, r.Status, r.Error, r.Total, r.Blank, r.Stored, r.NoMatch,
		r.TimestampErrors, r.StorageErrors, r.Skipped, string(counts), r.Started, r.Finished)
	if err != nil {
		return fmt.Errorf("save ingest run: %w", err)
	}
	return nil
}

const runColumns = `run_id, channel_name, COALESCE(source,''), stream_date, status,
	COALESCE(error,''), total, blank, stored, no_match, timestamp_errors, storage_errors, skipped,
	pattern_counts, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (ingest.Report, error) {
	var (
		r          ingest.Report
		streamDate sql.NullTime
		counts     []byte
		started    sql.NullTime
		finished   sql.NullTime
	)
	if err := sc.Scan(&r.RunID, &r.Channel, &r.Source, &streamDate, &r.Status, &r.Error,
		&r.Total, &r.Blank, &r.Stored, &r.NoMatch, &r.TimestampErrors, &r.StorageErrors, &r.Skipped,
		&counts, &started, &finished); err != nil {
		return r, err
	}
	r.StreamDate = streamDate.Time
	r.Started = started.Time
	r.Finished = finished.Time
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &r.PatternCounts); err != nil {
			return r, fmt.Errorf("decode pattern counts: %w", err)
		}
	}
	return r, nil
}

// ListIngestRuns returns the most recent runs, newest first.
func (s *Store) ListIngestRuns(ctx context.Context, limit int) ([]ingest.Report, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM ingest_runs ORDER BY started_at DESC NULLS LAST LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingest runs: %w", err)
	}
	defer rows.Close()
	out := []ingest.Report{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ingest run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// GetIngestRun returns one run report or ErrNotFound.
func (s *Store) GetIngestRun(ctx context.Context, runID uuid.UUID) (*ingest.Report, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingest_runs WHERE run_id = $1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ingest run: %w", err)
	}
	return &r, nil
}

// Purged counts diagnostic rows removed by PurgeDiagnostics.
type Purged struct {
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
}

// PurgeDiagnostics deletes ingest runs that started before cutoff and are not
// among the keepRuns most recent, then parse failures older than cutoff whose
// run record is gone. Chat events are never touched. With dryRun the deletes
// run and roll back, so the counts show what a real purge would remove.
func (s *Store) PurgeDiagnostics(ctx context.Context, cutoff time.Time, keepRuns int, dryRun bool) (p Purged, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return p, fmt.Errorf("begin purge: %w", err)
	}
	defer func() {
		if err != nil || dryRun {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM ingest_runs
		WHERE started_at < $1
		AND run_id NOT IN (SELECT run_id FROM ingest_runs ORDER BY started_at DESC NULLS LAST LIMIT $2)`,
		cutoff, max(keepRuns, 0))
	if err != nil {
		return p, fmt.Errorf("purge ingest runs: %w", err)
	}
	if p.Runs, err = res.RowsAffected(); err != nil {
		return p, fmt.Errorf("purge ingest runs: %w", err)
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM parse_failures pf
		WHERE pf.created_at < $1
		AND NOT EXISTS (SELECT 1 FROM ingest_runs r WHERE r.run_id = pf.run_id)`, cutoff)
	if err != nil {
		return p, fmt.Errorf("purge parse failures: %w", err)
	}
	if p.Failures, err = res.RowsAffected(); err != nil {
		return p, fmt.Errorf("purge parse failures: %w", err)
	}

	if dryRun {
		return p, nil
	}
	if err = tx.Commit(); err != nil {
		return p, fmt.Errorf("commit purge: %w", err)
	}
	return p, nil
}
