package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/ingest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range schemaTables {
		if _, err := db.ExecContext(ctx, `TRUNCATE `+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return NewStore(db)
}

func strPtr(s string) *string { return &s }

func sampleEvents(channel string) []chatlog.ChatEvent {
	base := time.Date(2023, 5, 1, 19, 0, 0, 0, time.UTC)
	return []chatlog.ChatEvent{
		{Timestamp: base, ChannelName: channel, Username: strPtr("foo"), MessageText: "hello", EventType: chatlog.ChatMessage, LineNo: 2},
		{Timestamp: base.Add(time.Minute), ChannelName: channel, Username: strPtr("bar"), MessageText: "bar subscribed at Tier 1.", EventType: chatlog.SubBasic, Details: map[string]string{"tier": "1"}, LineNo: 3},
		{Timestamp: base.Add(2 * time.Minute), ChannelName: channel, MessageText: "This room is now in slow mode.", EventType: chatlog.RoomModeOn, LineNo: 4},
		{Timestamp: base.Add(2 * time.Minute), ChannelName: channel, Username: strPtr("foo"), MessageText: "again", EventType: chatlog.ChatMessage, LineNo: 5},
	}
}

func TestStoreInsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := uuid.New()

	if err := s.InsertChatEvents(ctx, run, sampleEvents("soda")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertChatEvents(ctx, run, sampleEvents("other")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := s.QueryChatEvents(ctx, Filter{Channel: "soda"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	// Equal timestamps keep insertion order.
	if rows[2].MessageType != "room_mode_on" || rows[3].MessageText != "again" {
		t.Errorf("unexpected order: %+v", rows)
	}
	if rows[2].Username != nil {
		t.Errorf("room mode username = %v, want nil", *rows[2].Username)
	}
	if rows[1].Details["tier"] != "1" {
		t.Errorf("details = %v", rows[1].Details)
	}
	if rows[0].RunID == nil || *rows[0].RunID != run {
		t.Errorf("run id = %v, want %v", rows[0].RunID, run)
	}

	rows, err = s.QueryChatEvents(ctx, Filter{Channel: "soda", Username: "foo", Desc: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 || rows[0].MessageText != "again" {
		t.Errorf("desc by user: %+v", rows)
	}

	rows, err = s.QueryChatEvents(ctx, Filter{EventType: chatlog.ChatMessage, Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("paged rows = %d, want 2", len(rows))
	}

	since := time.Date(2023, 5, 1, 19, 1, 0, 0, time.UTC)
	rows, err = s.QueryChatEvents(ctx, Filter{Channel: "soda", Since: since, Until: since.Add(time.Minute)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].MessageType != "sub_basic" {
		t.Errorf("range rows = %+v", rows)
	}

	counts, err := s.CountByType(ctx, "soda")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["chat_message"] != 2 || counts["sub_basic"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestStoreInsertIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	events := sampleEvents("soda")
	events[2].MessageText = "bad\x00byte" // postgres rejects NUL in text

	if err := s.InsertChatEvents(ctx, uuid.New(), events); err == nil {
		t.Fatal("expected insert error")
	}
	counts, err := s.CountByType(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("rows survived a failed batch: %v", counts)
	}
}

func TestStoreDeleteChatEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.InsertChatEvents(ctx, uuid.Nil, sampleEvents("a"))
	_ = s.InsertChatEvents(ctx, uuid.Nil, sampleEvents("b"))

	n, err := s.DeleteChatEvents(ctx, "a")
	if err != nil || n != 4 {
		t.Fatalf("delete a = %d, %v", n, err)
	}
	n, err = s.DeleteChatEvents(ctx, "")
	if err != nil || n != 4 {
		t.Fatalf("delete all = %d, %v", n, err)
	}
}

func TestStoreRunsAndFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	rep := &ingest.Report{
		RunID: run, Channel: "soda", Source: "log.txt", StreamDate: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
		Status: ingest.StatusOK, Total: 3, Stored: 2, NoMatch: 1,
		PatternCounts: map[string]int{"chat_message": 2, "no_match": 1},
		Started:       now, Finished: now.Add(time.Second),
	}
	if err := s.SaveIngestRun(ctx, rep); err != nil {
		t.Fatalf("save run: %v", err)
	}
	rep.Status = ingest.StatusFailed
	if err := s.SaveIngestRun(ctx, rep); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	got, err := s.GetIngestRun(ctx, run)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != ingest.StatusFailed || got.PatternCounts["no_match"] != 1 {
		t.Errorf("run = %+v", got)
	}
	if _, err := s.GetIngestRun(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run err = %v", err)
	}
	runs, err := s.ListIngestRuns(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs = %v, %v", runs, err)
	}

	failures := []ingest.ParseFailure{
		{RunID: run, ChannelName: "soda", LineNo: 7, RawLine: "[x] ???", Reason: ingest.ReasonNoMatch, CreatedAt: now},
		{RunID: run, ChannelName: "soda", LineNo: 9, RawLine: "[25:00:00] foo: hi", Reason: ingest.ReasonTimestampError, EventType: "chat_message", Error: "bad", CreatedAt: now},
	}
	if err := s.InsertParseFailures(ctx, failures); err != nil {
		t.Fatalf("insert failures: %v", err)
	}
	list, err := s.ListParseFailures(ctx, run, 0)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(list) != 2 || list[0].LineNo != 7 || list[1].EventType != "chat_message" {
		t.Errorf("failures = %+v", list)
	}
}

func TestStorePurgeDiagnostics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -30)

	ages := []int{90, 60, 45, 10}
	runs := make([]uuid.UUID, len(ages))
	for i, days := range ages {
		runs[i] = uuid.New()
		started := now.AddDate(0, 0, -days)
		rep := &ingest.Report{RunID: runs[i], Channel: "soda", Status: ingest.StatusOK, Started: started, Finished: started}
		if err := s.SaveIngestRun(ctx, rep); err != nil {
			t.Fatalf("save run: %v", err)
		}
		f := ingest.ParseFailure{RunID: runs[i], ChannelName: "soda", LineNo: 2, RawLine: "???", Reason: ingest.ReasonNoMatch, CreatedAt: started}
		if err := s.InsertParseFailures(ctx, []ingest.ParseFailure{f}); err != nil {
			t.Fatalf("insert failure: %v", err)
		}
	}
	if err := s.InsertChatEvents(ctx, runs[0], sampleEvents("soda")); err != nil {
		t.Fatalf("insert events: %v", err)
	}

	dry, err := s.PurgeDiagnostics(ctx, cutoff, 2, true)
	if err != nil {
		t.Fatalf("dry purge: %v", err)
	}
	if dry != (Purged{Runs: 2, Failures: 2}) {
		t.Errorf("dry purge = %+v", dry)
	}
	if all, _ := s.ListIngestRuns(ctx, 10); len(all) != 4 {
		t.Fatalf("dry run deleted runs: %d left", len(all))
	}

	got, err := s.PurgeDiagnostics(ctx, cutoff, 2, false)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if got != dry {
		t.Errorf("purge = %+v, want %+v", got, dry)
	}
	left, err := s.ListIngestRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 || left[0].RunID != runs[3] || left[1].RunID != runs[2] {
		t.Errorf("remaining runs = %+v", left)
	}
	failures, err := s.ListParseFailures(ctx, uuid.Nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 2 {
		t.Errorf("remaining failures = %d, want 2", len(failures))
	}
	rows, err := s.QueryChatEvents(ctx, Filter{Channel: "soda"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("chat events touched: %d rows", len(rows))
	}
}
