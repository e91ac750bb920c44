package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/google/uuid"

	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/telemetry"
)

// LineIngester stores one rendered line. *ingest.Ingester satisfies it.
type LineIngester interface {
	IngestLine(ctx context.Context, runID uuid.UUID, channel string, streamDate time.Time, lineNo int, line string) (ingest.LineResult, error)
}

// Config selects the channels and, optionally, the login for the recorder.
type Config struct {
	Channels   []string
	Username   string
	OAuthToken string
}

// Recorder joins Twitch channels and stores every rendered line as it arrives.
type Recorder struct {
	cfg    Config
	sink   LineIngester
	logger *slog.Logger
	now    func() time.Time
	runID  uuid.UUID

	mu     sync.Mutex
	lineNo map[string]int
}

// NewRecorder returns a recorder for cfg writing through sink.
func NewRecorder(cfg Config, sink LineIngester, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(slog.String("component", "chat_recorder")),
		now:    func() time.Time { return time.Now().UTC() },
		runID:  uuid.New(),
		lineNo: make(map[string]int),
	}
}

// RunID identifies this recorder session in stored rows and parse failures.
func (r *Recorder) RunID() uuid.UUID { return r.runID }

func (r *Recorder) newClient() *twitch.Client {
	if r.cfg.Username != "" && r.cfg.OAuthToken != "" {
		return twitch.NewClient(r.cfg.Username, r.cfg.OAuthToken)
	}
	r.logger.Info("no twitch credentials; joining anonymously")
	return twitch.NewAnonymousClient()
}

// Run connects, joins the configured channels and records until ctx is
// canceled. The client reconnects on its own; Run returns only on
// cancellation or a fatal connect error.
func (r *Recorder) Run(ctx context.Context) error {
	if len(r.cfg.Channels) == 0 {
		return errors.New("chat recorder: no channels configured")
	}
	client := r.newClient()

	client.OnConnect(func() {
		telemetry.SetRecorderConnected(true)
		r.logger.Info("connected to twitch chat", slog.Any("channels", r.cfg.Channels), slog.String("run_id", r.runID.String()))
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		telemetry.SetRecorderConnected(false)
		r.logger.Warn("twitch requested reconnect")
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		r.record(ctx, RenderPrivateMessage(m))
	})
	client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		r.record(ctx, RenderUserNotice(m))
	})
	client.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		r.record(ctx, RenderClearChat(m))
	})
	client.OnRoomStateMessage(func(m twitch.RoomStateMessage) {
		r.record(ctx, RenderRoomState(m))
	})
	client.Join(r.cfg.Channels...)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	err := client.Connect()
	telemetry.SetRecorderConnected(false)
	if ctx.Err() != nil {
		r.logger.Info("chat recorder stopped")
		return ctx.Err()
	}
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

// record stores lines in order. Store failures are logged; the live stream
// does not wait for the database.
func (r *Recorder) record(ctx context.Context, lines []Line) {
	for _, l := range lines {
		if l.At.IsZero() {
			l.At = r.now()
		}
		r.mu.Lock()
		r.lineNo[l.Channel]++
		n := r.lineNo[l.Channel]
		r.mu.Unlock()

		telemetry.RecordLiveLine("irc")
		res, err := r.sink.IngestLine(ctx, r.runID, l.Channel, l.StreamDate(), n, l.String())
		if err != nil {
			if ingest.IsCanceled(err) {
				return
			}
			r.logger.Error("failed to store live line", slog.String("channel", l.Channel), slog.Int("line", n), slog.Any("err", err))
			continue
		}
		if !res.Stored {
			r.logger.Debug("live line not stored", slog.String("channel", l.Channel), slog.String("kind", res.Outcome.Kind.String()), slog.String("line", l.String()))
		}
	}
}
