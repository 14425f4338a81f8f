package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"yt-digest/internal/model"
	"yt-digest/internal/progress"
)

const maxErrorMessage = 500

// WorkerStore is what a background worker writes to.
type WorkerStore interface {
	progress.JobStore
	SetJobPID(ctx context.Context, id string, pid int) error
}

// Body is the command a background worker runs. It reports progress through
// the job-bound tracker and must return promptly once ctx is cancelled.
type Body func(ctx context.Context, tracker *progress.Tracker) error

// RunWorker executes body as job id inside the detached child. SIGTERM and
// SIGINT cancel the context. Whatever happens, the job is finalized exactly
// once: an error marks it failed, cancellation stopped, success completed.
func RunWorker(ctx context.Context, st WorkerStore, id string, logger *slog.Logger, body Body) (err error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	if perr := st.SetJobPID(ctx, id, os.Getpid()); perr != nil {
		logger.Warn("could not record worker pid", "job", id, "error", perr)
	}

	tracker := progress.New(0, progress.WithJob(id, st), progress.WithLogger(logger))
	logger.Info("worker started", "job", id, "pid", os.Getpid())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		status, message := outcome(ctx, err)
		if ferr := tracker.Finalize(status, truncate(message, maxErrorMessage)); ferr != nil {
			logger.Error("finalize job", "job", id, "error", ferr)
		}
		snap := tracker.Snapshot()
		logger.Info("worker finished", "job", id, "status", status,
			"done", snap.Done, "errors", snap.Errors, "total", snap.Total)
		if status == model.StatusStopped {
			err = nil
		}
	}()

	return body(ctx, tracker)
}

func outcome(ctx context.Context, err error) (string, string) {
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		return model.StatusStopped, ""
	case err != nil:
		return model.StatusFailed, err.Error()
	default:
		return model.StatusCompleted, ""
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
