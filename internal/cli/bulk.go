package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"yt-digest/internal/jobs"
	"yt-digest/internal/model"
	"yt-digest/internal/progress"
	"yt-digest/internal/runstore"
)

// bulkRun is the part fetch, transcribe and pipeline share: detaching with
// --bg, running as a --bg-worker child, or running in the foreground.
type bulkRun struct {
	name     string
	args     []string
	workerID string
	bg       bool
	workers  int
	// count is the number of ready items, used for the --bg hint.
	count func(ctx context.Context) (int, error)
	body  jobs.Body
}

func (b bulkRun) execute(ctx context.Context, a *app) error {
	if b.bg {
		return b.launch(ctx, a)
	}
	body := b.locked(a)
	if b.workerID != "" {
		return jobs.RunWorker(ctx, a.store, b.workerID, a.logger, body)
	}
	return b.foreground(ctx, a, body)
}

func (b bulkRun) launch(ctx context.Context, a *app) error {
	job, err := a.supervisor().Launch(ctx, jobs.LaunchRequest{Args: append([]string{b.name}, b.args...)})
	if err != nil {
		return err
	}
	fmt.Printf("job_id: %s\n", job.ID)
	fmt.Printf("pid: %d\n", job.PID)
	fmt.Printf("log: %s\n", job.LogFile)
	fmt.Printf("attach: %s jobs attach %s\n", programName, job.ShortID())
	fmt.Printf("stop: %s jobs stop %s\n", programName, job.ShortID())
	return nil
}

// locked wraps the body in the per-operation run lock.
func (b bulkRun) locked(a *app) jobs.Body {
	return func(ctx context.Context, tracker *progress.Tracker) error {
		lock, err := runstore.AcquireRunLock(a.cfg.DataDir, b.name)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				a.logger.Warn("release run lock", "operation", b.name, "error", err)
			}
		}()
		a.monitor.Warn(ctx)
		return b.body(ctx, tracker)
	}
}

func (b bulkRun) foreground(ctx context.Context, a *app, body jobs.Body) error {
	if b.count != nil && stdoutIsTTY() {
		if n, err := b.count(ctx); err == nil {
			jobs.SuggestBackground(os.Stderr, n, b.name, b.workers, programName+" "+b.name, b.args)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	tracker := progress.New(0, progress.WithLogger(a.logger), progress.WithLabel(b.name))
	err := body(ctx, tracker)

	status := model.StatusCompleted
	message := ""
	switch {
	case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
		status = model.StatusStopped
		err = nil
	case err != nil:
		status = model.StatusFailed
		message = err.Error()
	}
	_ = tracker.Finalize(status, message)
	snap := tracker.Snapshot()
	fmt.Printf("status: %s\n", status)
	fmt.Printf("done: %d/%d\n", snap.Done, snap.Total)
	fmt.Printf("errors: %d\n", snap.Errors)
	a.logger.Debug("run finished", "summary", snap.Line())
	return err
}

func printResultLine(stage string, discovered, succeeded, errs int) {
	fmt.Printf("%s: discovered=%d succeeded=%d errors=%d\n", strings.TrimSpace(stage), discovered, succeeded, errs)
}
