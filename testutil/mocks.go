package testutil

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/ingest"
)

// MemStore is an in-memory stand-in for db.Store. It records every call and
// orders query results the way the Postgres store does.
type MemStore struct {
	mu       sync.Mutex
	seq      int64
	rows     []db.ChatRow
	failures []ingest.ParseFailure
	runs     map[uuid.UUID]ingest.Report

	// InsertCalls counts InsertChatEvents invocations.
	InsertCalls int
	// FailInsert, when set, is consulted before each InsertChatEvents call;
	// a non-nil result rejects the whole call.
	FailInsert func(events []chatlog.ChatEvent) error
	// PingErr is returned by Ping.
	PingErr error
	// PurgeErr is returned by PurgeDiagnostics.
	PurgeErr error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[uuid.UUID]ingest.Report)}
}

// Ping returns PingErr.
func (m *MemStore) Ping(context.Context) error { return m.PingErr }

// InsertChatEvents appends events unless FailInsert rejects them.
func (m *MemStore) InsertChatEvents(_ context.Context, runID uuid.UUID, events []chatlog.ChatEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.FailInsert != nil {
		if err := m.FailInsert(events); err != nil {
			return err
		}
	}
	for _, ev := range events {
		m.seq++
		row := db.ChatRow{
			ID:          uuid.New(),
			Seq:         m.seq,
			CreatedAt:   ev.CreatedAt,
			Timestamp:   ev.Timestamp,
			ChannelName: ev.ChannelName,
			Username:    ev.Username,
			MessageText: ev.MessageText,
			MessageType: string(ev.EventType),
			Details:     maps.Clone(ev.Details),
			LineNo:      ev.LineNo,
		}
		if runID != uuid.Nil {
			id := runID
			row.RunID = &id
		}
		m.rows = append(m.rows, row)
	}
	return nil
}

// Rows returns a copy of every stored row in insertion order.
func (m *MemStore) Rows() []db.ChatRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}

// DeleteChatEvents removes rows for channel, or all rows when channel is empty.
func (m *MemStore) DeleteChatEvents(_ context.Context, channel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.rows)
	m.rows = slices.DeleteFunc(m.rows, func(r db.ChatRow) bool {
		return channel == "" || r.ChannelName == channel
	})
	return int64(before - len(m.rows)), nil
}

// QueryChatEvents applies f with the same semantics as the SQL store.
func (m *MemStore) QueryChatEvents(_ context.Context, f db.Filter) ([]db.ChatRow, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	matched := slices.DeleteFunc(slices.Clone(m.rows), func(r db.ChatRow) bool {
		switch {
		case f.Channel != "" && r.ChannelName != f.Channel:
		case f.Username != "" && (r.Username == nil || *r.Username != f.Username):
		case f.EventType != "" && r.MessageType != string(f.EventType):
		case !f.Since.IsZero() && r.Timestamp.Before(f.Since):
		case !f.Until.IsZero() && !r.Timestamp.Before(f.Until):
		default:
			return false
		}
		return true
	})
	m.mu.Unlock()

	slices.SortStableFunc(matched, func(a, b db.ChatRow) int {
		if c := compareKey(a, b, f.Sort); c != 0 {
			if isNullKey(a, f.Sort) || isNullKey(b, f.Sort) {
				return c // NULLS LAST in both directions
			}
			if f.Desc {
				return -c
			}
			return c
		}
		if f.Desc {
			return int(b.Seq - a.Seq)
		}
		return int(a.Seq - b.Seq)
	})

	if f.Offset >= len(matched) {
		return []db.ChatRow{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func isNullKey(r db.ChatRow, key string) bool {
	return key == "username" && r.Username == nil
}

func compareKey(a, b db.ChatRow, key string) int {
	switch key {
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "username":
		switch {
		case a.Username == nil && b.Username == nil:
			return 0
		case a.Username == nil:
			return 1
		case b.Username == nil:
			return -1
		}
		return strings.Compare(*a.Username, *b.Username)
	case "message_type":
		return strings.Compare(a.MessageType, b.MessageType)
	case "channel_name":
		return strings.Compare(a.ChannelName, b.ChannelName)
	default:
		return a.Timestamp.Compare(b.Timestamp)
	}
}

// CountByType counts rows per message type.
func (m *MemStore) CountByType(_ context.Context, channel string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, r := range m.rows {
		if channel == "" || r.ChannelName == channel {
			out[r.MessageType]++
		}
	}
	return out, nil
}

// InsertParseFailures records failures.
func (m *MemStore) InsertParseFailures(_ context.Context, failures []ingest.ParseFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, failures...)
	return nil
}

// ListParseFailures returns failures for runID (all when uuid.Nil) in line order.
func (m *MemStore) ListParseFailures(_ context.Context, runID uuid.UUID, limit int) ([]ingest.ParseFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > db.MaxLimit {
		limit = db.MaxLimit
	}
	out := []ingest.ParseFailure{}
	for _, f := range m.failures {
		if runID != uuid.Nil && f.RunID != runID {
			continue
		}
		out = append(out, f)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveIngestRun stores a copy of r.
func (m *MemStore) SaveIngestRun(_ context.Context, r *ingest.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.PatternCounts = maps.Clone(r.PatternCounts)
	m.runs[r.RunID] = cp
	return nil
}

// GetIngestRun returns a saved run or db.ErrNotFound.
func (m *MemStore) GetIngestRun(_ context.Context, runID uuid.UUID) (*ingest.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &r, nil
}

// ListIngestRuns returns saved runs, newest first.
func (m *MemStore) ListIngestRuns(_ context.Context, limit int) ([]ingest.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Values(m.runs))
	slices.SortFunc(out, func(a, b ingest.Report) int { return b.Started.Compare(a.Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeDiagnostics mirrors db.Store.PurgeDiagnostics.
func (m *MemStore) PurgeDiagnostics(_ context.Context, cutoff time.Time, keepRuns int, dryRun bool) (db.Purged, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p db.Purged
	if m.PurgeErr != nil {
		return p, m.PurgeErr
	}

	newest := slices.Collect(maps.Values(m.runs))
	slices.SortFunc(newest, func(a, b ingest.Report) int { return b.Started.Compare(a.Started) })
	keep := make(map[uuid.UUID]bool)
	for i, r := range newest {
		if i < keepRuns || !r.Started.Before(cutoff) {
			keep[r.RunID] = true
		}
	}
	runs := make(map[uuid.UUID]ingest.Report, len(keep))
	for id, r := range m.runs {
		if keep[id] {
			runs[id] = r
		} else {
			p.Runs++
		}
	}

	failures := make([]ingest.ParseFailure, 0, len(m.failures))
	for _, f := range m.failures {
		if _, ok := runs[f.RunID]; !ok && f.CreatedAt.Before(cutoff) {
			p.Failures++
			continue
		}
		failures = append(failures, f)
	}

	if !dryRun {
		m.runs, m.failures = runs, failures
	}
	return p, nil
}

// Fixed returns a clock that always reports t.
func Fixed(t time.Time) ingest.Clock { return fixedClock(t) }

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }
