// Package progress counts processed items for one bulk run and, when bound to
// a job record, mirrors the counters into the shared store so other processes
// can watch them.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"yt-digest/internal/model"
)

var ErrAlreadyFinalized = errors.New("tracker already finalized")

const storeWriteTimeout = 5 * time.Second

// JobStore is the durable side of a job-bound tracker.
type JobStore interface {
	UpdateJobProgress(ctx context.Context, id string, total, done, errs int) error
	FinalizeJob(ctx context.Context, id, status, message string) (bool, error)
}

type Snapshot struct {
	Label     string        `json:"label,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	Total     int           `json:"total"`
	Done      int           `json:"done"`
	Errors    int           `json:"errors"`
	Elapsed   time.Duration `json:"elapsed"`
	ETA       time.Duration `json:"eta"`
	Status    string        `json:"status,omitempty"`
	Message   string        `json:"message,omitempty"`
	Finalized bool          `json:"finalized"`
}

type Option func(*Tracker)

// WithJob binds the tracker to a job record.
func WithJob(id string, store JobStore) Option {
	return func(t *Tracker) {
		t.jobID = strings.TrimSpace(id)
		t.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithLabel(label string) Option {
	return func(t *Tracker) { t.label = strings.TrimSpace(label) }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

type Tracker struct {
	mu        sync.Mutex
	total     int
	done      int
	errors    int
	finalized bool
	status    string
	message   string

	// serializes durable writes so the last write carries the newest counters
	writeMu sync.Mutex

	label  string
	jobID  string
	store  JobStore
	logger *slog.Logger
	now    func() time.Time
	start  time.Time
}

func New(total int, opts ...Option) *Tracker {
	if total < 0 {
		total = 0
	}
	t := &Tracker{
		total:  total,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.start = t.now()
	if t.bound() {
		t.persist()
	}
	return t
}

func (t *Tracker) bound() bool {
	return t.jobID != "" && t.store != nil
}

func (t *Tracker) JobID() string {
	return t.jobID
}

// AddTotal grows the expected item count as new work is discovered.
func (t *Tracker) AddTotal(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.total += n
	t.mu.Unlock()
	if t.bound() {
		t.persist()
	}
}

// Tick counts one processed item. A failed item counts towards both done
// and errors.
func (t *Tracker) Tick(success bool) {
	var err error
	if !success {
		err = errors.New("failed")
	}
	t.TickItem("", err)
}

// TickItem counts one processed item and logs it with elapsed time and ETA.
func (t *Tracker) TickItem(key string, itemErr error) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.done++
	if t.done > t.total {
		t.total = t.done
	}
	if itemErr != nil {
		t.errors++
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()

	attrs := []any{
		"done", snap.Done,
		"total", snap.Total,
		"elapsed", snap.Elapsed.Round(time.Second),
	}
	if key != "" {
		attrs = append(attrs, "item", key)
	}
	if snap.ETA > 0 {
		attrs = append(attrs, "eta", snap.ETA.Round(time.Second))
	}
	msg := firstNonEmpty(t.label, "progress")
	if itemErr != nil {
		t.logger.Warn(msg, append(attrs, "errors", snap.Errors, "error", itemErr.Error())...)
	} else {
		t.logger.Info(msg, attrs...)
	}

	if t.bound() {
		t.persist()
	}
}

// persist writes the current counters. Failures are logged and swallowed.
func (t *Tracker) persist() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	total, done, errs := t.total, t.done, t.errors
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := t.store.UpdateJobProgress(ctx, t.jobID, total, done, errs); err != nil {
		t.logger.Warn("job progress update failed", "job", t.jobID, "error", err)
	}
}

// Finalize records the terminal status exactly once. Later calls return
// ErrAlreadyFinalized and change nothing.
func (t *Tracker) Finalize(status, message string) error {
	if !model.IsTerminal(status) {
		return fmt.Errorf("finalize tracker: %q is not a terminal status", status)
	}
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return ErrAlreadyFinalized
	}
	t.finalized = true
	t.status = status
	t.message = message
	t.mu.Unlock()

	if !t.bound() {
		return nil
	}
	t.persist()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	won, err := t.store.FinalizeJob(ctx, t.jobID, status, message)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", t.jobID, err)
	}
	if !won {
		t.logger.Info("job already finalized elsewhere", "job", t.jobID, "status", status)
	}
	return nil
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	elapsed := t.now().Sub(t.start)
	if elapsed < 0 {
		elapsed = 0
	}
	var eta time.Duration
	if t.done > 0 && t.done < t.total {
		eta = time.Duration(float64(elapsed) / float64(t.done) * float64(t.total-t.done))
	}
	return Snapshot{
		Label:     t.label,
		JobID:     t.jobID,
		Total:     t.total,
		Done:      t.done,
		Errors:    t.errors,
		Elapsed:   elapsed,
		ETA:       eta,
		Status:    t.status,
		Message:   t.message,
		Finalized: t.finalized,
	}
}

// Line renders a one-line status suitable for terminal output.
func (s Snapshot) Line() string {
	parts := []string{fmt.Sprintf("[%d/%d]", s.Done, s.Total)}
	if s.Label != "" {
		parts = append(parts, s.Label)
	}
	if s.Errors > 0 {
		parts = append(parts, fmt.Sprintf("failed %d", s.Errors))
	}
	parts = append(parts, fmt.Sprintf("elapsed %s", s.Elapsed.Round(time.Second)))
	if s.ETA > 0 {
		parts = append(parts, "ETA "+s.ETA.Round(time.Second).String())
	}
	if s.Status != "" {
		parts = append(parts, s.Status)
	}
	return strings.Join(parts, "  ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
