package cli

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"yt-digest/internal/config"
	"yt-digest/internal/jobs"
	"yt-digest/internal/pipeline"
	"yt-digest/internal/progress"
	"yt-digest/internal/ratelimit"
	"yt-digest/internal/runstore"
	"yt-digest/internal/store"
	"yt-digest/internal/work"
	"yt-digest/internal/ytdlp"
)

type commonFlags struct {
	config  *string
	verbose *bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:  fs.String("config", "", "config file (default $YTD_CONFIG or <data-dir>/config.toml)"),
		verbose: fs.Bool("verbose", false, "debug logging"),
	}
}

// app is the per-invocation wiring of config, store and services.
type app struct {
	cfg     config.Config
	store   *store.Store
	logger  *slog.Logger
	monitor *ratelimit.Monitor

	// receives raw yt-dlp output; nil keeps it off the terminal
	ytdlpLog io.Writer
}

// openApp loads config and opens the shared store. Background workers log to
// stdout, which the supervisor points at the job log file.
func openApp(ctx context.Context, cf *commonFlags, worker bool) (*app, error) {
	cfg, err := config.Load(strings.TrimSpace(*cf.config))
	if err != nil {
		return nil, err
	}
	if _, err := runstore.EnsureLayout(cfg.DataDir); err != nil {
		return nil, err
	}
	var out io.Writer = os.Stderr
	if worker {
		out = os.Stdout
	}
	logger := newLogger(out, *cf.verbose)
	var ytdlpLog io.Writer
	if worker || *cf.verbose {
		ytdlpLog = out
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	monitor := ratelimit.NewMonitor(st, ratelimit.Thresholds{
		WarnPerHour: cfg.RateWarnPerHour,
		HighPerHour: cfg.RateHighPerHour,
		Retention:   cfg.RateRetention,
	}, logger)
	return &app{cfg: cfg, store: st, logger: logger, monitor: monitor, ytdlpLog: ytdlpLog}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) supervisor() *jobs.Supervisor {
	return jobs.NewSupervisor(a.store, a.cfg.DataDir, jobs.WithLogger(a.logger))
}

func (a *app) ytdlp() ytdlp.Client {
	return ytdlp.Client{
		Binary:             a.cfg.YTDLPPath,
		CookiesPath:        a.cfg.CookiesFile,
		CookiesFromBrowser: a.cfg.CookiesBrowser,
		ProxyURL:           a.cfg.Proxy,
		LogWriter:          a.ytdlpLog,
	}
}

func (a *app) runner() *work.Runner {
	return &work.Runner{
		Store:            a.store,
		Source:           a.ytdlp(),
		Monitor:          a.monitor,
		SubLangs:         a.cfg.SubLangs,
		SummarizeCommand: a.cfg.SummarizeCommand,
		ScoreCommand:     a.cfg.ScoreCommand,
		Logger:           a.logger,
	}
}

func (a *app) coordinator(stages []pipeline.Stage, tracker *progress.Tracker) (*pipeline.Coordinator, error) {
	return pipeline.New(stages,
		pipeline.WithPollInterval(a.cfg.PollInterval),
		pipeline.WithInterItemDelay(a.cfg.InterItemDelay),
		pipeline.WithBackoff(ratelimit.Backoff{
			Base:       a.cfg.BackoffBase,
			Cap:        a.cfg.BackoffCap,
			MaxRetries: a.cfg.BackoffRetries,
		}),
		pipeline.WithTracker(tracker),
		pipeline.WithRecorder(a.store),
		pipeline.WithLogger(a.logger),
		pipeline.WithEstimator(func(stage string, items, workers int) time.Duration {
			return jobs.EstimateDuration(items, stage, workers)
		}),
	)
}
