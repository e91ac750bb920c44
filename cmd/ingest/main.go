// Command ingest loads a Chatterino chat log into Postgres from the command
// line and prints the run report as JSON.
//
//	ingest -file logs/2024-01-02.log -channel forsen
//	ingest -dir ~/Chatterino/Logs/Twitch/Channels/forsen -follow
//
// -dir alone ingests the newest log in the directory; with -follow it tails
// the newest log and moves on to each new daily file.
//	ingest -file today.log -dry-run -unmatched non_matching.txt
//
// With -dry-run nothing is written to the database; the report still carries
// per-pattern counts and unmatched lines still go to -unmatched.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/tlc/backend/config"
	"github.com/onnwee/tlc/backend/db"
	"github.com/onnwee/tlc/backend/ingest"
	"github.com/onnwee/tlc/backend/telemetry"
)

// Store is what the command needs from the database.
type Store interface {
	ingest.Store
	DeleteChatEvents(ctx context.Context, channel string) (int64, error)
}

// opener connects to the database named by dsn.
type opener func(ctx context.Context, dsn string) (Store, io.Closer, error)

type options struct {
	file      string
	dir       string
	channel   string
	unmatched string
	dryRun    bool
	reset     bool
	follow    bool
	workers   int
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.file, "file", "", "chat log file to ingest")
	fs.StringVar(&o.dir, "dir", "", "ingest the most recently modified log in this directory")
	fs.StringVar(&o.channel, "channel", "", "channel name (default CHANNEL_NAME)")
	fs.StringVar(&o.unmatched, "unmatched", "", "append unmatched lines to this file")
	fs.BoolVar(&o.dryRun, "dry-run", false, "classify only; do not write to the database")
	fs.BoolVar(&o.reset, "reset", false, "delete stored events for the channel before ingesting")
	fs.BoolVar(&o.follow, "follow", false, "tail the log and store lines as they are appended")
	fs.IntVar(&o.workers, "workers", 0, "classification workers (default INGEST_WORKERS)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if (o.file == "") == (o.dir == "") {
		return o, errors.New("exactly one of -file or -dir is required")
	}
	if o.dryRun && (o.reset || o.follow) {
		return o, errors.New("-dry-run cannot be combined with -reset or -follow")
	}
	return o, nil
}

func openPostgres(ctx context.Context, dsn string) (Store, io.Closer, error) {
	database, err := db.Connect(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema", slog.Any("err", err))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
	}
	return db.NewStore(database), database, nil
}

func main() {
	_ = godotenv.Load()
	telemetry.InitLogging(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, openPostgres)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit code: 0 on
// success, 1 on a failed or aborted run, 2 on usage errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, open opener) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		return 1
	}
	channel := o.channel
	if channel == "" {
		channel = cfg.ChannelName
	}
	if channel == "" {
		fmt.Fprintln(stderr, "channel name required: pass -channel or set CHANNEL_NAME")
		return 2
	}

	path := o.file
	if o.dir != "" && !o.follow {
		if path, err = ingest.LatestLog(o.dir); err != nil {
			slog.Error("no log to ingest", slog.Any("err", err))
			return 1
		}
		slog.Info("selected latest log", slog.String("path", path))
	}

	policy, err := ingest.ParseStoragePolicy(cfg.StoragePolicy)
	if err != nil {
		slog.Error("invalid storage policy", slog.Any("err", err))
		return 1
	}
	workers := cfg.IngestWorkers
	if o.workers > 0 {
		workers = o.workers
	}
	opts := []ingest.Option{
		ingest.WithWorkers(workers),
		ingest.WithBatchSize(cfg.IngestBatchSize),
		ingest.WithStoragePolicy(policy),
		ingest.WithNoMatchThreshold(cfg.NoMatchMaxRatio, cfg.NoMatchMinLines),
	}
	unmatched := o.unmatched
	if unmatched == "" {
		unmatched = cfg.UnmatchedPath
	}
	if unmatched != "" {
		f, err := os.OpenFile(unmatched, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("failed to open unmatched file", slog.String("path", unmatched), slog.Any("err", err))
			return 1
		}
		defer f.Close()
		opts = append(opts, ingest.WithUnmatchedWriter(f))
	}

	var store Store
	if !o.dryRun {
		s, closer, err := open(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			return 1
		}
		defer closer.Close()
		store = s
	}

	if o.reset {
		n, err := store.DeleteChatEvents(ctx, channel)
		if err != nil {
			slog.Error("reset failed", slog.Any("err", err))
			return 1
		}
		slog.Info("chat events reset", slog.String("channel", channel), slog.Int64("deleted", n))
	}

	ing := ingest.New(store, opts...)

	if o.follow {
		var err error
		if o.dir != "" {
			slog.Info("following chat log directory", slog.String("dir", o.dir), slog.String("channel", channel))
			err = ing.FollowDir(ctx, o.dir, channel)
		} else {
			slog.Info("following chat log", slog.String("path", path), slog.String("channel", channel))
			err = ing.Follow(ctx, path, channel)
		}
		if err != nil && !ingest.IsCanceled(err) {
			slog.Error("follow stopped", slog.Any("err", err))
			return 1
		}
		return 0
	}

	rep, err := ing.IngestFile(ctx, path, channel)
	if rep != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			slog.Error("failed to write report", slog.Any("err", encErr))
		}
	}
	if err != nil {
		slog.Error("ingest failed", slog.String("path", path), slog.Any("err", err))
		return 1
	}
	return 0
}
