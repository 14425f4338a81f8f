// Package jobs launches bulk commands as detached background processes and
// tracks them through job records in the shared store. There is no daemon:
// a job whose process died is noticed lazily the next time anyone lists or
// inspects it.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"yt-digest/internal/model"
	"yt-digest/internal/proc"
	"yt-digest/internal/runstore"
)

var (
	ErrNotRunning   = errors.New("job is not running")
	ErrProcessGone  = errors.New("job process is not alive")
	ErrNotRetryable = errors.New("only failed or stopped jobs can be retried")
	ErrStarting     = errors.New("job is still starting")
)

const (
	DefaultListLimit = 20

	// a fresh record has pid -1 until the child is started
	launchGrace = 30 * time.Second

	attachPollInterval = 500 * time.Millisecond
)

// Store is the part of the shared store the supervisor needs.
type Store interface {
	CreateJob(ctx context.Context, id, command, logFile string) error
	SetJobPID(ctx context.Context, id string, pid int) error
	GetJob(ctx context.Context, idOrPrefix string) (model.JobRecord, error)
	ListJobs(ctx context.Context, status string, limit int) ([]model.JobRecord, error)
	UpdateJobProgress(ctx context.Context, id string, total, done, errs int) error
	FinalizeJob(ctx context.Context, id, status, message string) (bool, error)
	MarkJobStale(ctx context.Context, id string) (bool, error)
	DeleteFinishedJobs(ctx context.Context, cutoff time.Time) ([]model.JobRecord, error)
}

type LaunchRequest struct {
	// Args is the foreground command line without the program name.
	Args []string
	// Command overrides the display string derived from Args.
	Command string
}

type ListFilter struct {
	Status string
	Limit  int
}

type Option func(*Supervisor)

// WithExecutable replaces os.Executable as the program to re-exec.
func WithExecutable(path string) Option {
	return func(s *Supervisor) {
		s.executable = func() (string, error) { return path, nil }
	}
}

// WithEnv appends KEY=VALUE pairs to the child environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

type Supervisor struct {
	store      Store
	dataDir    string
	executable func() (string, error)
	env        []string
	logger     *slog.Logger
	alive      func(pid int) bool
	terminate  func(pid int) error
	now        func() time.Time
}

func NewSupervisor(st Store, dataDir string, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:      st,
		dataDir:    dataDir,
		executable: os.Executable,
		logger:     slog.Default(),
		alive:      proc.Alive,
		terminate:  proc.Terminate,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type launchArgs struct {
	Args []string `json:"args"`
}

// Launch records a running job and starts a detached copy of the current
// program that reports into it. The returned record carries the child pid.
func (s *Supervisor) Launch(ctx context.Context, req LaunchRequest) (model.JobRecord, error) {
	if len(req.Args) == 0 {
		return model.JobRecord{}, fmt.Errorf("launch: empty command")
	}
	if _, err := runstore.EnsureLayout(s.dataDir); err != nil {
		return model.JobRecord{}, err
	}
	exe, err := s.executable()
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("resolve executable: %w", err)
	}

	id := newJobID()
	logPath := runstore.JobLogPath(s.dataDir, id)
	command := strings.TrimSpace(req.Command)
	if command == "" {
		command = DisplayCommand(req.Args)
	}
	if err := s.store.CreateJob(ctx, id, command, logPath); err != nil {
		return model.JobRecord{}, err
	}
	if err := runstore.WriteJSON(runstore.JobArgsPath(s.dataDir, id), launchArgs{Args: req.Args}); err != nil {
		s.logger.Warn("could not save job args", "job", id, "error", err)
	}

	pid, err := s.start(exe, WorkerArgs(req.Args, id), logPath)
	if err != nil {
		if _, ferr := s.store.FinalizeJob(ctx, id, model.StatusFailed, err.Error()); ferr != nil {
			s.logger.Error("finalize failed launch", "job", id, "error", ferr)
		}
		return model.JobRecord{}, err
	}

	if err := s.store.SetJobPID(ctx, id, pid); err != nil {
		// a very short job may already have finalized itself
		if job, gerr := s.store.GetJob(ctx, id); gerr != nil || !model.IsTerminal(job.Status) {
			return model.JobRecord{}, fmt.Errorf("record pid for job %s: %w", id, err)
		}
	}
	s.logger.Info("job launched", "job", id, "pid", pid, "command", command)
	return s.store.GetJob(ctx, id)
}

func (s *Supervisor) start(exe string, args []string, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open job log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), s.env...)
	proc.Detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker: %w", err)
	}
	// reap the child if this process outlives it
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// List returns recent jobs, newest first. Running jobs whose process is gone
// are marked failed before they are returned.
func (s *Supervisor) List(ctx context.Context, filter ListFilter) ([]model.JobRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	jobs, err := s.store.ListJobs(ctx, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		job, err := s.reconcile(ctx, job)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Supervisor) Get(ctx context.Context, idOrPrefix string) (model.JobRecord, error) {
	job, err := s.store.GetJob(ctx, idOrPrefix)
	if err != nil {
		return model.JobRecord{}, err
	}
	return s.reconcile(ctx, job)
}

func (s *Supervisor) starting(job model.JobRecord) bool {
	return job.PID <= 0 && s.now().Sub(job.StartedAt) < launchGrace
}

func (s *Supervisor) reconcile(ctx context.Context, job model.JobRecord) (model.JobRecord, error) {
	if job.Status != model.StatusRunning || s.starting(job) || s.alive(job.PID) {
		return job, nil
	}
	if _, err := s.store.MarkJobStale(ctx, job.ID); err != nil {
		return model.JobRecord{}, err
	}
	s.logger.Info("job process gone, marked failed", "job", job.ID, "pid", job.PID)
	return s.store.GetJob(ctx, job.ID)
}

// Stop asks a running job to stop with SIGTERM. The job finalizes itself as
// stopped; Stop writes nothing unless the process is already gone.
func (s *Supervisor) Stop(ctx context.Context, idOrPrefix string) (model.JobRecord, error) {
	job, err := s.store.GetJob(ctx, idOrPrefix)
	if err != nil {
		return model.JobRecord{}, err
	}
	if job.Status != model.StatusRunning {
		return job, fmt.Errorf("%w: %s is %s", ErrNotRunning, job.ShortID(), job.Status)
	}
	if s.starting(job) {
		return job, fmt.Errorf("%w: %s", ErrStarting, job.ShortID())
	}
	if s.alive(job.PID) {
		err = s.terminate(job.PID)
		if err == nil {
			s.logger.Info("sent SIGTERM", "job", job.ID, "pid", job.PID)
			return job, nil
		}
		if !errors.Is(err, proc.ErrNoProcess) {
			return job, fmt.Errorf("signal job %s (pid %d): %w", job.ShortID(), job.PID, err)
		}
	}
	pid := job.PID
	if _, err := s.store.MarkJobStale(ctx, job.ID); err != nil {
		return job, err
	}
	if current, gerr := s.store.GetJob(ctx, job.ID); gerr == nil {
		job = current
	}
	return job, fmt.Errorf("%w: %s (pid %d), marked failed", ErrProcessGone, job.ShortID(), pid)
}

// Retry relaunches the command of a failed or stopped job as a new job.
func (s *Supervisor) Retry(ctx context.Context, idOrPrefix string) (model.JobRecord, error) {
	job, err := s.Get(ctx, idOrPrefix)
	if err != nil {
		return model.JobRecord{}, err
	}
	if job.Status != model.StatusFailed && job.Status != model.StatusStopped {
		return job, fmt.Errorf("%w: %s is %s", ErrNotRetryable, job.ShortID(), job.Status)
	}
	var saved launchArgs
	args := strings.Fields(job.Command)
	if err := runstore.ReadJSON(runstore.JobArgsPath(s.dataDir, job.ID), &saved); err == nil && len(saved.Args) > 0 {
		args = saved.Args
	}
	return s.Launch(ctx, LaunchRequest{Args: args, Command: job.Command})
}

// Cleanup deletes finished jobs older than maxAge together with their files.
func (s *Supervisor) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("cleanup: max age must be positive")
	}
	deleted, err := s.store.DeleteFinishedJobs(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	for _, job := range deleted {
		for _, path := range []string{job.LogFile, runstore.JobArgsPath(s.dataDir, job.ID)} {
			if path == "" {
				continue
			}
			if err := runstore.RemoveFile(path); err != nil {
				s.logger.Warn("remove job file", "job", job.ID, "path", path, "error", err)
			}
		}
	}
	return len(deleted), nil
}

// Attach copies the job log to w and follows it until the job reaches a
// terminal status or ctx ends. Ending ctx detaches; the job keeps running.
func (s *Supervisor) Attach(ctx context.Context, idOrPrefix string, w io.Writer) (model.JobRecord, error) {
	job, err := s.Get(ctx, idOrPrefix)
	if err != nil {
		return model.JobRecord{}, err
	}
	f, err := os.Open(job.LogFile)
	if err != nil {
		return job, fmt.Errorf("open log for job %s: %w", job.ShortID(), err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return job, fmt.Errorf("read log: %w", err)
	}
	if model.IsTerminal(job.Status) {
		return job, nil
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(job.LogFile); err == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		} else {
			s.logger.Debug("log watch unavailable, polling", "error", err)
		}
	}

	ticker := time.NewTicker(attachPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&fsnotify.Write == fsnotify.Write {
				if _, err := io.Copy(w, f); err != nil {
					return job, fmt.Errorf("read log: %w", err)
				}
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			// the ticker keeps the copy going without events
			s.logger.Warn("log watch error", "job", job.ShortID(), "error", err)
		case <-ticker.C:
			if _, err := io.Copy(w, f); err != nil {
				return job, fmt.Errorf("read log: %w", err)
			}
			current, err := s.Get(ctx, job.ID)
			if err != nil {
				return job, err
			}
			job = current
			if model.IsTerminal(job.Status) {
				_, _ = io.Copy(w, f)
				return job, nil
			}
		}
	}
}
