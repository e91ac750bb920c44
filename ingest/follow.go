package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/nxadm/tail"

	"github.com/onnwee/tlc/backend/chatlog"
	"github.com/onnwee/tlc/backend/telemetry"
)

// LineResult is the outcome of one live line.
type LineResult struct {
	Outcome chatlog.Outcome
	Stored  bool
}

// IngestLine classifies one live line and stores it immediately. Misses are
// written to the unmatched writer and recorded as parse failures. The returned
// error is non-nil only when the store rejected the event.
func (i *Ingester) IngestLine(ctx context.Context, runID uuid.UUID, channel string, streamDate time.Time, lineNo int, line string) (LineResult, error) {
	log := i.logger.With(slog.String("component", "ingest"), slog.String("run_id", runID.String()), slog.String("channel", channel))
	o := i.classifier.Classify(line, streamDate)
	telemetry.RecordClassified(string(o.Type))
	res := LineResult{Outcome: o}

	switch o.Kind {
	case chatlog.Unmatched, chatlog.BadTimestamp:
		reason := ReasonNoMatch
		if o.Kind == chatlog.BadTimestamp {
			reason = ReasonTimestampError
			telemetry.RecordTimestampError()
		}
		log.Debug("live line not stored", slog.String("reason", reason), slog.Int("line", lineNo))
		i.writeUnmatched(log, o.Line)
		i.recordFailures(ctx, log, []ParseFailure{i.failure(runID, channel, lineNo, o, reason)})
		return res, nil
	}

	ev := *o.Event
	ev.ChannelName = channel
	ev.CreatedAt = i.clock.Now()
	ev.LineNo = lineNo
	res.Outcome.Event = &ev
	if i.store == nil {
		return res, nil
	}
	if err := i.store.InsertChatEvents(ctx, runID, []chatlog.ChatEvent{ev}); err != nil {
		telemetry.RecordStorageErrors(1)
		return res, &StorageError{FirstLine: lineNo, LastLine: lineNo, Rows: 1, Err: err}
	}
	telemetry.RecordStored(1)
	res.Stored = true
	return res, nil
}

// LatestLog returns the most recently modified regular file in dir.
func LatestLog(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read log directory: %w", err)
	}
	var (
		latest  string
		latestT time.Time
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestT) {
			latest, latestT = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no log files in %s", dir)
	}
	return latest, nil
}

// readHeader returns the first line of path.
func readHeader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open chat log: %w", err)
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read chat log header: %w", err)
	}
	return strings.TrimRight(trimBOM(line), "\r\n"), nil
}

// Follow tails a growing log from its current end, storing each appended
// line as it arrives. The stream date comes from the header and stays fixed
// for the session. It blocks until ctx is done or the tail fails.
func (i *Ingester) Follow(ctx context.Context, path, channel string) error {
	return i.follow(ctx, path, channel, false)
}

// follow tails path from its end, or from the line after the header when
// fromStart is set. Line numbers are file line numbers only in the latter case.
func (i *Ingester) follow(ctx context.Context, path, channel string, fromStart bool) error {
	header, err := readHeader(path)
	if err != nil {
		return err
	}
	streamDate, err := chatlog.ParseStreamDate(header)
	if err != nil {
		return err
	}

	loc := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if fromStart {
		loc = nil
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  loc,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", path, err)
	}
	defer t.Cleanup()

	runID := uuid.New()
	log := i.logger.With(slog.String("component", "follow"), slog.String("run_id", runID.String()), slog.String("path", path))
	log.Info("following chat log", slog.String("channel", channel), slog.String("stream_date", streamDate.Format(time.DateOnly)))

	lineNo := 0
	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			log.Info("follow stopped")
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				if err := t.Err(); err != nil {
					return fmt.Errorf("tail %s: %w", path, err)
				}
				return nil
			}
			if line.Err != nil {
				log.Warn("tail read error", slog.Any("err", line.Err))
				continue
			}
			lineNo++
			if fromStart && lineNo == 1 {
				continue
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			telemetry.RecordLiveLine("tail")
			if _, err := i.IngestLine(ctx, runID, channel, streamDate, lineNo, line.Text); err != nil {
				if i.policy == FailBatch {
					return err
				}
				log.Warn("live line rejected by store", slog.Int("line", lineNo), slog.Any("err", err))
			}
		}
	}
}

// FollowDir follows the newest log in dir and switches to each new log that
// appears there, the way Chatterino starts a fresh file every day. A new file
// is picked up once its header line is readable and is followed from its
// first event line. Files present when FollowDir starts, other than the
// newest, are never switched to. An empty dir is watched until a log shows up.
func (i *Ingester) FollowDir(ctx context.Context, dir, channel string) error {
	dir = filepath.Clean(dir)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log := i.logger.With(slog.String("component", "follow"), slog.String("dir", dir))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[filepath.Join(dir, e.Name())] = true
	}

	var (
		current string
		cancel  = func() {}
		done    chan error
	)
	stop := func() {
		cancel()
		if done != nil {
			<-done
			done = nil
		}
	}
	defer stop()
	start := func(path string, fromStart bool) {
		stop()
		fctx, c := context.WithCancel(ctx)
		d := make(chan error, 1)
		cancel, done, current = c, d, path
		go func() { d <- i.follow(fctx, path, channel, fromStart) }()
	}

	if path, err := LatestLog(dir); err == nil {
		start(path, false)
	} else {
		log.Info("waiting for a chat log", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			done = nil
			if err != nil && !IsCanceled(err) {
				return err
			}
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || known[name] {
				continue
			}
			if !isLogReady(name) {
				continue
			}
			known[name] = true
			log.Info("switching to new chat log", slog.String("from", current), slog.String("to", name))
			start(name, true)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("log directory watcher error", slog.Any("err", err))
		}
	}
}

// isLogReady reports whether path is a regular file with a parseable header.
func isLogReady(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	header, err := readHeader(path)
	if err != nil {
		return false
	}
	_, err = chatlog.ParseStreamDate(header)
	return err == nil
}
