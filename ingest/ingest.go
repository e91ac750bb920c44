// Package ingest drives whole-file and live ingestion of exported Twitch chat
// logs: header parsing, classification, threshold and storage policies, and
// the per-run report.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/telemetry"
)

const (
	defaultBatchSize = 500
	maxLineSize      = 1 << 20
	tracerName       = "tlc/ingest"
)

// Parse failure reasons.
const (
	ReasonNoMatch        = "no_match"
	ReasonTimestampError = "timestamp_error"
	ReasonStorageError   = "storage_error"
)

// Store defines the persistence operations needed by Ingester.
type Store interface {
	// InsertChatEvents stores events atomically: all rows or none.
	InsertChatEvents(ctx context.Context, runID uuid.UUID, events []chatlog.ChatEvent) error
	InsertParseFailures(ctx context.Context, failures []ParseFailure) error
	SaveIngestRun(ctx context.Context, r *Report) error
}

// ParseFailure is a line that did not become a stored event.
type ParseFailure struct {
	RunID       uuid.UUID `json:"run_id"`
	ChannelName string    `json:"channel_name"`
	LineNo      int       `json:"line_no"`
	RawLine     string    `json:"raw_line"`
	Reason      string    `json:"reason"`
	EventType   string    `json:"event_type,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StoragePolicy selects what happens when the store rejects a batch.
type StoragePolicy int

const (
	// FailBatch aborts the run on the first rejected batch.
	FailBatch StoragePolicy = iota
	// SkipAndCount retries the rejected batch row by row and counts each
	// rejected row as a storage error.
	SkipAndCount
)

func (p StoragePolicy) String() string {
	if p == SkipAndCount {
		return "skip"
	}
	return "fail"
}

// ParseStoragePolicy maps "fail" and "skip" to a policy.
func ParseStoragePolicy(s string) (StoragePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return FailBatch, nil
	case "skip":
		return SkipAndCount, nil
	}
	return FailBatch, fmt.Errorf("unknown storage error policy %q", s)
}

// Clock provides time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// DefaultClock is used unless WithClock overrides it.
var DefaultClock Clock = realClock{}

// Ingester classifies chat logs and hands the results to a Store.
// A nil store turns every run into a dry run.
type Ingester struct {
	store      Store
	classifier *chatlog.Classifier
	logger     *slog.Logger
	clock      Clock
	workers    int
	batchSize  int
	policy     StoragePolicy

	noMatchRatio    float64
	noMatchMinLines int

	sideMu    sync.Mutex
	unmatched io.Writer
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger for the Ingester.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingester) { i.logger = logger }
}

// WithClock sets the clock used for CreatedAt stamps (for testing).
func WithClock(clock Clock) Option {
	return func(i *Ingester) { i.clock = clock }
}

// WithWorkers sets the number of classification goroutines. Values below 2
// classify on the calling goroutine.
func WithWorkers(n int) Option {
	return func(i *Ingester) { i.workers = n }
}

// WithBatchSize sets how many events go into one store call.
func WithBatchSize(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithUnmatchedWriter receives every unmatched or bad-timestamp line, one per line.
func WithUnmatchedWriter(w io.Writer) Option {
	return func(i *Ingester) { i.unmatched = w }
}

// WithNoMatchThreshold aborts runs of at least minLines lines whose unmatched
// share exceeds ratio. A ratio of 0 disables the check.
func WithNoMatchThreshold(ratio float64, minLines int) Option {
	return func(i *Ingester) {
		i.noMatchRatio = ratio
		i.noMatchMinLines = minLines
	}
}

// WithStoragePolicy sets the rejected-batch policy.
func WithStoragePolicy(p StoragePolicy) Option {
	return func(i *Ingester) { i.policy = p }
}

// WithRegistry replaces the default rule set.
func WithRegistry(r *chatlog.Registry) Option {
	return func(i *Ingester) { i.classifier = chatlog.NewClassifier(r) }
}

// New creates a new Ingester.
func New(store Store, opts ...Option) *Ingester {
	i := &Ingester{
		store:      store,
		classifier: chatlog.NewClassifier(nil),
		logger:     slog.Default(),
		clock:      DefaultClock,
		workers:    1,
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Classifier returns the classifier in use.
func (i *Ingester) Classifier() *chatlog.Classifier { return i.classifier }

type rawLine struct {
	no   int
	text string
}

// IngestFile ingests the log at path.
func (i *Ingester) IngestFile(ctx context.Context, path, channel string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}
	defer f.Close()
	return i.IngestReader(ctx, f, path, channel)
}

// IngestReader ingests a log read from r. source names the input in the report.
// The returned report is non-nil whenever the header parsed, including when
// err is non-nil.
func (i *Ingester) IngestReader(ctx context.Context, r io.Reader, source, channel string) (*Report, error) {
	runID := uuid.New()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "ingest.run",
		telemetry.RunIDAttr(runID.String()),
		telemetry.ChannelAttr(channel),
		telemetry.SourceAttr(source),
	)
	defer span.End()
	log := i.logger.With(slog.String("component", "ingest"), slog.String("run_id", runID.String()), slog.String("channel", channel))

	header, lines, blank, err := readLog(r)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	streamDate, err := chatlog.ParseStreamDate(header)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	rep := &Report{
		RunID:      runID,
		Channel:    channel,
		Source:     source,
		StreamDate: streamDate,
		Blank:      blank,
		Total:      len(lines),
		Started:    i.clock.Now(),
	}
	span.SetAttributes(telemetry.LinesAttr(rep.Total))
	log.Info("ingest started", slog.String("source", source), slog.String("stream_date", streamDate.Format(time.DateOnly)), slog.Int("lines", rep.Total))

	var outcomes []chatlog.Outcome
	var classifyErr error
	telemetry.TimeFunc(telemetry.ClassifyDuration, func() {
		outcomes, classifyErr = i.classifyAll(ctx, lines, streamDate)
	})
	if classifyErr != nil {
		rep.Skipped = rep.Total
		return i.finish(ctx, span, log, rep, StatusFailed, classifyErr)
	}

	tally := chatlog.NewTally(i.classifier.Registry())
	events := make([]chatlog.ChatEvent, 0, len(outcomes))
	var failures []ParseFailure
	now := i.clock.Now()
	for idx, o := range outcomes {
		lineNo := lines[idx].no
		tally.Add(o.Type)
		telemetry.RecordClassified(string(o.Type))
		switch o.Kind {
		case chatlog.Matched:
			ev := *o.Event
			ev.ChannelName = channel
			ev.CreatedAt = now
			ev.LineNo = lineNo
			events = append(events, ev)
		case chatlog.Unmatched:
			rep.NoMatch++
			log.Debug("line matched no pattern", slog.Int("line", lineNo))
			i.writeUnmatched(log, o.Line)
			failures = append(failures, i.failure(runID, channel, lineNo, o, ReasonNoMatch))
		case chatlog.BadTimestamp:
			rep.TimestampErrors++
			telemetry.RecordTimestampError()
			log.Debug("bad timestamp", slog.Int("line", lineNo), slog.String("type", string(o.Type)), slog.Any("err", o.Err))
			i.writeUnmatched(log, o.Line)
			failures = append(failures, i.failure(runID, channel, lineNo, o, ReasonTimestampError))
		}
	}
	rep.PatternCounts = tally.Counts()

	if i.noMatchRatio > 0 && rep.Total >= i.noMatchMinLines && rep.NoMatchRatio() > i.noMatchRatio {
		rep.Skipped = len(events)
		err := fmt.Errorf("%w: %d of %d lines (%.1f%% > %.1f%%)", ErrFormatDrift,
			rep.NoMatch, rep.Total, 100*rep.NoMatchRatio(), 100*i.noMatchRatio)
		i.recordFailures(ctx, log, failures)
		return i.finish(ctx, span, log, rep, StatusAborted, err)
	}

	if i.store == nil {
		rep.Skipped = len(events)
		return i.finish(ctx, span, log, rep, StatusDryRun, nil)
	}

	storeFailures, err := i.persist(ctx, log, runID, events, rep)
	failures = append(failures, storeFailures...)
	i.recordFailures(ctx, log, failures)
	if err != nil {
		return i.finish(ctx, span, log, rep, StatusFailed, err)
	}
	return i.finish(ctx, span, log, rep, StatusOK, nil)
}

// readLog splits r into the header and the non-blank event lines, numbered
// from 2. Blank lines are counted, not returned.
func readLog(r io.Reader) (header string, lines []rawLine, blank int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", nil, 0, fmt.Errorf("read chat log header: %w", err)
		}
		return "", nil, 0, &chatlog.FormatError{Header: "", Err: errors.New("empty log")}
	}
	header = trimBOM(sc.Text())
	no := 1
	for sc.Scan() {
		no++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			blank++
			continue
		}
		lines = append(lines, rawLine{no: no, text: text})
	}
	if err := sc.Err(); err != nil {
		return "", nil, 0, fmt.Errorf("read chat log line %d: %w", no+1, err)
	}
	return header, lines, blank, nil
}

func trimBOM(s string) string { return strings.TrimPrefix(s, "\ufeff") }

// classifyAll returns one outcome per line, in input order.
func (i *Ingester) classifyAll(ctx context.Context, lines []rawLine, streamDate time.Time) ([]chatlog.Outcome, error) {
	out := make([]chatlog.Outcome, len(lines))
	if i.workers < 2 || len(lines) < 2*i.workers {
		for idx, l := range lines {
			if idx%4096 == 0 && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out[idx] = i.classifier.Classify(l.text, streamDate)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	chunk := (len(lines) + i.workers - 1) / i.workers
	for start := 0; start < len(lines); start += chunk {
		end := min(start+chunk, len(lines))
		g.Go(func() error {
			for idx := start; idx < end; idx++ {
				if (idx-start)%4096 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				out[idx] = i.classifier.Classify(lines[idx].text, streamDate)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// persist stores events in order, batch by batch, applying the storage policy.
// It returns parse-failure records for rows rejected under SkipAndCount.
func (i *Ingester) persist(ctx context.Context, log *slog.Logger, runID uuid.UUID, events []chatlog.ChatEvent, rep *Report) ([]ParseFailure, error) {
	var rejected []ParseFailure
	for start := 0; start < len(events); start += i.batchSize {
		end := min(start+i.batchSize, len(events))
		batch := events[start:end]
		err := i.store.InsertChatEvents(ctx, runID, batch)
		if err == nil {
			rep.Stored += len(batch)
			telemetry.RecordStored(len(batch))
			continue
		}
		if ctx.Err() != nil {
			rep.Skipped += len(events) - start
			return rejected, ctx.Err()
		}
		if i.policy == FailBatch {
			rep.StorageErrors += len(batch)
			rep.Skipped += len(events) - end
			telemetry.RecordStorageErrors(len(batch))
			return rejected, &StorageError{FirstLine: batch[0].LineNo, LastLine: batch[len(batch)-1].LineNo, Rows: len(batch), Err: err}
		}

		log.Warn("batch rejected, retrying row by row", slog.Int("first_line", batch[0].LineNo), slog.Int("rows", len(batch)), slog.Any("err", err))
		for _, ev := range batch {
			if err := i.store.InsertChatEvents(ctx, runID, []chatlog.ChatEvent{ev}); err != nil {
				rep.StorageErrors++
				telemetry.RecordStorageErrors(1)
				log.Debug("row rejected", slog.Int("line", ev.LineNo), slog.Any("err", err))
				rejected = append(rejected, ParseFailure{
					RunID:       runID,
					ChannelName: ev.ChannelName,
					LineNo:      ev.LineNo,
					RawLine:     ev.MessageText,
					Reason:      ReasonStorageError,
					EventType:   string(ev.EventType),
					Error:       err.Error(),
					CreatedAt:   ev.CreatedAt,
				})
				continue
			}
			rep.Stored++
			telemetry.RecordStored(1)
		}
	}
	return rejected, nil
}

func (i *Ingester) failure(runID uuid.UUID, channel string, lineNo int, o chatlog.Outcome, reason string) ParseFailure {
	f := ParseFailure{
		RunID:       runID,
		ChannelName: channel,
		LineNo:      lineNo,
		RawLine:     o.Line,
		Reason:      reason,
		CreatedAt:   i.clock.Now(),
	}
	if o.Type != chatlog.NoMatch {
		f.EventType = string(o.Type)
	}
	if o.Err != nil {
		f.Error = o.Err.Error()
	}
	return f
}

func (i *Ingester) recordFailures(ctx context.Context, log *slog.Logger, failures []ParseFailure) {
	if i.store == nil || len(failures) == 0 {
		return
	}
	if err := i.store.InsertParseFailures(ctx, failures); err != nil {
		log.Warn("failed to record parse failures", slog.Int("count", len(failures)), slog.Any("err", err))
	}
}

func (i *Ingester) writeUnmatched(log *slog.Logger, line string) {
	if i.unmatched == nil {
		return
	}
	i.sideMu.Lock()
	defer i.sideMu.Unlock()
	if _, err := io.WriteString(i.unmatched, line+"\n"); err != nil {
		log.Warn("failed to write unmatched line", slog.Any("err", err))
	}
}

// finish stamps the report, records metrics and the run record, and returns
// the report together with err.
func (i *Ingester) finish(ctx context.Context, span trace.Span, log *slog.Logger, rep *Report, status string, err error) (*Report, error) {
	rep.Status = status
	rep.Finished = i.clock.Now()
	if err != nil {
		rep.Error = err.Error()
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	telemetry.RecordRun(status, rep.Duration(), rep.Total, rep.NoMatch)

	if i.store != nil {
		// The run record survives a canceled request context.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := i.store.SaveIngestRun(saveCtx, rep); serr != nil {
			log.Warn("failed to save ingest run", slog.Any("err", serr))
		}
	}

	attrs := []any{
		slog.String("status", status),
		slog.Int("total", rep.Total),
		slog.Int("stored", rep.Stored),
		slog.Int("no_match", rep.NoMatch),
		slog.Int("timestamp_errors", rep.TimestampErrors),
		slog.Int("storage_errors", rep.StorageErrors),
		slog.Int("skipped", rep.Skipped),
		slog.Duration("took", rep.Duration()),
	}
	if err != nil {
		log.Error("ingest finished with error", append(attrs, slog.Any("err", err))...)
	} else {
		log.Info("ingest finished", attrs...)
	}
	return rep, err
}
