package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/testutil"
)

var now = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

const sampleLog = `# Start logging at 2023-05-01 19:00:00 Eastern Daylight Time
[19:22:05] Kappa123 is live!
[19:22:10] foo: hello world

[19:23:00] ??? something odd
[25:61:00] foo: bad clock
[19:24:00] bar subscribed at Tier 1.
[19:25:00] foo: a: b: c
`

func newIngester(store ingest.Store, opts ...ingest.Option) *ingest.Ingester {
	return ingest.New(store, append([]ingest.Option{ingest.WithClock(testutil.Fixed(now))}, opts...)...)
}

func TestIngestReaderBuckets(t *testing.T) {
	store := testutil.NewMemStore()
	var side bytes.Buffer
	ing := newIngester(store, ingest.WithUnmatchedWriter(&side))

	rep, err := ing.IngestReader(context.Background(), strings.NewReader(sampleLog), "sample.log", "soda")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := rep.Check(); err != nil {
		t.Errorf("report check: %v", err)
	}
	if rep.Status != ingest.StatusOK {
		t.Errorf("status = %q", rep.Status)
	}
	if rep.Total != 6 || rep.Blank != 1 || rep.Stored != 4 || rep.NoMatch != 1 || rep.TimestampErrors != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.PatternCounts["chat_message"] != 3 || rep.PatternCounts["no_match"] != 1 || rep.PatternCounts["stream_live"] != 1 {
		t.Errorf("pattern counts = %v", rep.PatternCounts)
	}
	if rep.PatternCounts["raid"] != 0 {
		t.Errorf("raid = %d, want seeded 0", rep.PatternCounts["raid"])
	}
	if !rep.StreamDate.Equal(time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("stream date = %s", rep.StreamDate)
	}

	rows := store.Rows()
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
	wantTypes := []string{"stream_live", "chat_message", "sub_basic", "chat_message"}
	wantLines := []int{2, 3, 7, 8}
	for i, r := range rows {
		if r.MessageType != wantTypes[i] {
			t.Errorf("row %d type = %s, want %s", i, r.MessageType, wantTypes[i])
		}
		if r.LineNo != wantLines[i] {
			t.Errorf("row %d line = %d, want %d", i, r.LineNo, wantLines[i])
		}
		if r.ChannelName != "soda" || !r.CreatedAt.Equal(now) {
			t.Errorf("row %d not stamped: %+v", i, r)
		}
		if r.RunID == nil || *r.RunID != rep.RunID {
			t.Errorf("row %d run id = %v", i, r.RunID)
		}
	}
	if rows[3].MessageText != "a: b: c" {
		t.Errorf("message = %q", rows[3].MessageText)
	}

	if got, want := side.String(), "[19:23:00] ??? something odd\n[25:61:00] foo: bad clock\n"; got != want {
		t.Errorf("side file = %q, want %q", got, want)
	}

	failures, _ := store.ListParseFailures(context.Background(), rep.RunID, 0)
	if len(failures) != 2 {
		t.Fatalf("failures = %+v", failures)
	}
	if failures[0].Reason != ingest.ReasonNoMatch || failures[0].LineNo != 5 {
		t.Errorf("failure 0 = %+v", failures[0])
	}
	if failures[1].Reason != ingest.ReasonTimestampError || failures[1].EventType != "chat_message" {
		t.Errorf("failure 1 = %+v", failures[1])
	}

	saved, err := store.GetIngestRun(context.Background(), rep.RunID)
	if err != nil {
		t.Fatalf("run not saved: %v", err)
	}
	if saved.Stored != 4 || saved.Status != ingest.StatusOK {
		t.Errorf("saved run = %+v", saved)
	}
}

func TestIngestReaderHeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no date", "Log of chat\n[19:22:05] foo: hi\n"},
		{"bad date", "Log started at 2023-02-30\n[19:22:05] foo: hi\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemStore()
			rep, err := newIngester(store).IngestReader(context.Background(), strings.NewReader(tt.input), "x", "soda")
			var fe *chatlog.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FormatError", err)
			}
			if rep != nil {
				t.Errorf("report = %+v, want nil", rep)
			}
			if ingest.ClassifyError(err) != ingest.ErrorClassFatal {
				t.Errorf("format error not fatal")
			}
			if store.InsertCalls != 0 {
				t.Errorf("store touched %d times", store.InsertCalls)
			}
		})
	}
}

func TestIngestReaderHeaderOnly(t *testing.T) {
	store := testutil.NewMemStore()
	rep, err := newIngester(store).IngestReader(context.Background(), strings.NewReader("Log started at 2023-05-01\n"), "x", "soda")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rep.Total != 0 || rep.Check() != nil {
		t.Errorf("report = %+v", rep)
	}
}

func TestIngestReaderBOMAndCRLF(t *testing.T) {
	store := testutil.NewMemStore()
	input := "\ufeffLog started at 2023-05-01\r\n[10:00:00] foo: hi\r\n"
	rep, err := newIngester(store).IngestReader(context.Background(), strings.NewReader(input), "x", "soda")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rows := store.Rows()
	if rep.Stored != 1 || rows[0].MessageText != "hi" {
		t.Errorf("rows = %+v", rows)
	}
}

func bigLog(n int) string {
	var b strings.Builder
	b.WriteString("# Start logging at 2023-05-01 00:00:00\n")
	for i := 0; i < n; i++ {
		ts := fmt.Sprintf("[%02d:%02d:%02d]", (i/3600)%24, (i/60)%60, i%60)
		switch i % 5 {
		case 0:
			fmt.Fprintf(&b, "%s user%d: message %d\n", ts, i, i)
		case 1:
			fmt.Fprintf(&b, "%s user%d subscribed at Tier 1.\n", ts, i)
		case 2:
			fmt.Fprintf(&b, "%s %d raiders from chan%d have joined!\n", ts, i, i)
		case 3:
			fmt.Fprintf(&b, "%s ~~~ garbage %d\n", ts, i)
		default:
			fmt.Fprintf(&b, "%s user%d has been timed out for 10m.\n", ts, i)
		}
	}
	return b.String()
}

func TestParallelClassificationKeepsOrder(t *testing.T) {
	input := bigLog(5000)

	serial := testutil.NewMemStore()
	repS, err := newIngester(serial).IngestReader(context.Background(), strings.NewReader(input), "x", "c")
	if err != nil {
		t.Fatal(err)
	}
	parallel := testutil.NewMemStore()
	repP, err := newIngester(parallel, ingest.WithWorkers(8), ingest.WithBatchSize(128)).
		IngestReader(context.Background(), strings.NewReader(input), "x", "c")
	if err != nil {
		t.Fatal(err)
	}

	if repS.Stored != repP.Stored || repS.NoMatch != repP.NoMatch || repP.NoMatch != 1000 {
		t.Fatalf("serial %+v vs parallel %+v", repS, repP)
	}
	a, b := serial.Rows(), parallel.Rows()
	for i := range a {
		if a[i].LineNo != b[i].LineNo || a[i].MessageText != b[i].MessageText || a[i].MessageType != b[i].MessageType {
			t.Fatalf("row %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
	if err := repP.Check(); err != nil {
		t.Error(err)
	}
}

func TestNoMatchThreshold(t *testing.T) {
	input := bigLog(100) // 20% unmatched

	t.Run("aborts above ratio", func(t *testing.T) {
		store := testutil.NewMemStore()
		var side bytes.Buffer
		rep, err := newIngester(store, ingest.WithNoMatchThreshold(0.10, 50), ingest.WithUnmatchedWriter(&side)).
			IngestReader(context.Background(), strings.NewReader(input), "x", "c")
		if !errors.Is(err, ingest.ErrFormatDrift) {
			t.Fatalf("err = %v, want ErrFormatDrift", err)
		}
		if rep == nil || rep.Status != ingest.StatusAborted || rep.Stored != 0 || rep.Skipped != 80 {
			t.Fatalf("report = %+v", rep)
		}
		if err := rep.Check(); err != nil {
			t.Error(err)
		}
		if store.InsertCalls != 0 {
			t.Errorf("events persisted after drift abort")
		}
		if strings.Count(side.String(), "\n") != 20 {
			t.Errorf("side lines = %d", strings.Count(side.String(), "\n"))
		}
		saved, err := store.GetIngestRun(context.Background(), rep.RunID)
		if err != nil || saved.Status != ingest.StatusAborted {
			t.Errorf("saved run = %+v, %v", saved, err)
		}
	})

	t.Run("below min lines", func(t *testing.T) {
		store := testutil.NewMemStore()
		rep, err := newIngester(store, ingest.WithNoMatchThreshold(0.10, 1000)).
			IngestReader(context.Background(), strings.NewReader(input), "x", "c")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rep.Stored != 80 {
			t.Errorf("stored = %d", rep.Stored)
		}
	})

	t.Run("within ratio", func(t *testing.T) {
		_, err := newIngester(testutil.NewMemStore(), ingest.WithNoMatchThreshold(0.25, 10)).
			IngestReader(context.Background(), strings.NewReader(input), "x", "c")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// poison rejects any batch containing the event from line.
func poison(line int) func([]chatlog.ChatEvent) error {
	return func(events []chatlog.ChatEvent) error {
		for _, ev := range events {
			if ev.LineNo == line {
				return fmt.Errorf("constraint violation on line %d", line)
			}
		}
		return nil
	}
}

func TestStoragePolicyFailBatch(t *testing.T) {
	store := testutil.NewMemStore()
	store.FailInsert = poison(7) // sub_basic, third event
	rep, err := newIngester(store, ingest.WithBatchSize(2)).
		IngestReader(context.Background(), strings.NewReader(sampleLog), "x", "soda")

	var se *ingest.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StorageError", err)
	}
	if se.Rows != 2 || se.FirstLine != 7 || se.LastLine != 8 {
		t.Errorf("storage error = %+v", se)
	}
	if rep.Status != ingest.StatusFailed || rep.Stored != 2 || rep.StorageErrors != 2 || rep.Skipped != 0 {
		t.Errorf("report = %+v", rep)
	}
	if err := rep.Check(); err != nil {
		t.Error(err)
	}
	if ingest.ClassifyError(err) != ingest.ErrorClassFatal {
		t.Error("storage error under fail policy must be fatal")
	}
}

func TestStoragePolicySkipAndCount(t *testing.T) {
	store := testutil.NewMemStore()
	store.FailInsert = poison(7)
	rep, err := newIngester(store, ingest.WithBatchSize(3), ingest.WithStoragePolicy(ingest.SkipAndCount)).
		IngestReader(context.Background(), strings.NewReader(sampleLog), "x", "soda")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Stored != 3 || rep.StorageErrors != 1 {
		t.Errorf("report = %+v", rep)
	}
	if err := rep.Check(); err != nil {
		t.Error(err)
	}
	failures, _ := store.ListParseFailures(context.Background(), rep.RunID, 0)
	var storageFailures int
	for _, f := range failures {
		if f.Reason == ingest.ReasonStorageError {
			storageFailures++
			if f.LineNo != 7 {
				t.Errorf("storage failure line = %d", f.LineNo)
			}
		}
	}
	if storageFailures != 1 {
		t.Errorf("storage failures = %d, want 1", storageFailures)
	}
}

func TestDryRun(t *testing.T) {
	rep, err := newIngester(nil).IngestReader(context.Background(), strings.NewReader(sampleLog), "x", "soda")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if rep.Status != ingest.StatusDryRun || rep.Stored != 0 || rep.Skipped != 4 {
		t.Errorf("report = %+v", rep)
	}
	if err := rep.Check(); err != nil {
		t.Error(err)
	}
}

func TestIngestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := newIngester(testutil.NewMemStore()).IngestReader(ctx, strings.NewReader(sampleLog), "x", "soda")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !ingest.IsCanceled(err) || rep.Status != ingest.StatusFailed {
		t.Errorf("report = %+v", rep)
	}
}

func TestIngestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.log")
	if err := os.WriteFile(path, []byte(sampleLog), 0o600); err != nil {
		t.Fatal(err)
	}
	store := testutil.NewMemStore()
	rep, err := newIngester(store).IngestFile(context.Background(), path, "soda")
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	if rep.Source != path || rep.Stored != 4 {
		t.Errorf("report = %+v", rep)
	}

	if _, err := newIngester(store).IngestFile(context.Background(), path+".missing", "soda"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ingest.ErrorClass
	}{
		{"nil", nil, ingest.ErrorClassUnknown},
		{"no match", chatlog.ErrNoMatch, ingest.ErrorClassLine},
		{"timestamp", &chatlog.TimestampError{Value: "25:00:00", Err: errors.New("out of range")}, ingest.ErrorClassLine},
		{"wrapped timestamp", fmt.Errorf("line 4: %w", &chatlog.TimestampError{Value: "x"}), ingest.ErrorClassLine},
		{"format", &chatlog.FormatError{Header: "x", Err: chatlog.ErrMissingDate}, ingest.ErrorClassFatal},
		{"drift", ingest.ErrFormatDrift, ingest.ErrorClassFatal},
		{"storage", &ingest.StorageError{Rows: 1, Err: errors.New("boom")}, ingest.ErrorClassFatal},
		{"io", errors.New("read: connection reset"), ingest.ErrorClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ingest.ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStoragePolicy(t *testing.T) {
	for in, want := range map[string]ingest.StoragePolicy{"": ingest.FailBatch, "fail": ingest.FailBatch, "SKIP": ingest.SkipAndCount} {
		got, err := ingest.ParseStoragePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseStoragePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ingest.ParseStoragePolicy("retry"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
