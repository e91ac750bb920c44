// Command backend serves the chat log API and, when enabled, records live
// Twitch chat. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations, falling back to the
//     embedded schema.
//   - Starts the live chat recorder when CHAT_RECORDER_ENABLED is set, and
//     tails the Chatterino log directory named by CHAT_LOG_DIR.
//   - Purges old ingest diagnostics when RETENTION_KEEP_DAYS is set.
//   - Serves the HTTP API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/tlc/backend/chat"
	"github.com/onnwee/tlc/backend/config"
	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/retention"
	"github.com/onnwee/tlc/backend/server"
	"github.com/onnwee/tlc/backend/telemetry"
)

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load("backend/.env")
	_ = godotenv.Load()

	logger := telemetry.InitLogging(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("tlc", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := ingest.ParseStoragePolicy(cfg.StoragePolicy)
	if err != nil {
		slog.Error("invalid storage policy", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database)
	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithWorkers(cfg.IngestWorkers),
		ingest.WithBatchSize(cfg.IngestBatchSize),
		ingest.WithStoragePolicy(policy),
		ingest.WithNoMatchThreshold(cfg.NoMatchMaxRatio, cfg.NoMatchMinLines),
	}
	if cfg.UnmatchedPath != "" {
		f, err := os.OpenFile(cfg.UnmatchedPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("failed to open unmatched file", slog.String("path", cfg.UnmatchedPath), slog.Any("err", err))
			os.Exit(1)
		}
		defer f.Close()
		opts = append(opts, ingest.WithUnmatchedWriter(f))
	}
	ing := ingest.New(store, opts...)

	if cfg.ChatRecorderEnabled {
		if err := cfg.ValidateChatReady(); err != nil {
			slog.Error("chat recorder misconfigured", slog.Any("err", err))
			os.Exit(1)
		}
		rec := chat.NewRecorder(chat.Config{
			Channels:   cfg.TwitchChannels,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: cfg.TwitchOAuthToken,
		}, ing, logger)
		go func() {
			if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("chat recorder exited", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat recorder disabled")
	}

	if cfg.ChatLogDir != "" {
		if cfg.ChannelName == "" {
			slog.Error("CHAT_LOG_DIR requires CHANNEL_NAME")
			os.Exit(1)
		}
		go func() {
			if err := ing.FollowDir(ctx, cfg.ChatLogDir, cfg.ChannelName); err != nil && !ingest.IsCanceled(err) {
				slog.Error("chat log follower exited", slog.String("dir", cfg.ChatLogDir), slog.Any("err", err))
			}
		}()
	}

	go retention.NewJob(store, retention.LoadPolicy(), logger).Run(ctx)

	go func() {
		err := server.Start(ctx, store, ing, server.Options{
			DefaultChannel: cfg.ChannelName,
			MaxUploadBytes: cfg.MaxUploadBytes,
		}, cfg.HTTPAddr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
