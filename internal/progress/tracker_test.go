package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yt-digest/internal/model"
	"yt-digest/internal/store"
)

type recordingStore struct {
	mu        sync.Mutex
	updates   [][3]int
	failWith  error
	finalized []string
}

func (r *recordingStore) UpdateJobProgress(_ context.Context, _ string, total, done, errs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.updates = append(r.updates, [3]int{total, done, errs})
	return nil
}

func (r *recordingStore) FinalizeJob(_ context.Context, _ string, status, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, status)
	return len(r.finalized) == 1, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTracker_ConcurrentTicks(t *testing.T) {
	tr := New(100, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Tick(i%10 != 0)
		}(i)
	}
	wg.Wait()

	snap := tr.Snapshot()
	require.Equal(t, 100, snap.Total)
	require.Equal(t, 100, snap.Done)
	require.Equal(t, 10, snap.Errors)
}

func TestTracker_FinalizeExactlyOnce(t *testing.T) {
	rs := &recordingStore{}
	tr := New(2, WithJob("job1", rs), WithLogger(quietLogger()))
	tr.Tick(true)
	tr.Tick(false)

	require.NoError(t, tr.Finalize(model.StatusCompleted, ""))
	require.ErrorIs(t, tr.Finalize(model.StatusFailed, "late"), ErrAlreadyFinalized)
	require.Equal(t, []string{model.StatusCompleted}, rs.finalized)

	tr.Tick(true)
	snap := tr.Snapshot()
	require.Equal(t, 2, snap.Done)
	require.Equal(t, 1, snap.Errors)
	require.Equal(t, model.StatusCompleted, snap.Status)
	require.True(t, snap.Finalized)
}

func TestTracker_RejectsNonTerminalFinalize(t *testing.T) {
	tr := New(0, WithLogger(quietLogger()))
	require.Error(t, tr.Finalize(model.StatusRunning, ""))
	require.NoError(t, tr.Finalize(model.StatusStopped, ""))
}

func TestTracker_StoreFailureIsSwallowed(t *testing.T) {
	rs := &recordingStore{failWith: errors.New("database is locked")}
	tr := New(3, WithJob("job1", rs), WithLogger(quietLogger()))
	tr.Tick(true)
	tr.Tick(true)

	snap := tr.Snapshot()
	require.Equal(t, 2, snap.Done)
	require.Equal(t, 0, snap.Errors)
}

func TestTracker_MirrorsCountersWithinBounds(t *testing.T) {
	rs := &recordingStore{}
	tr := New(0, WithJob("job1", rs), WithLogger(quietLogger()))
	tr.AddTotal(3)
	tr.Tick(true)
	tr.AddTotal(1)
	tr.Tick(false)

	require.NotEmpty(t, rs.updates)
	for _, u := range rs.updates {
		total, done, errs := u[0], u[1], u[2]
		require.LessOrEqual(t, done, total)
		require.LessOrEqual(t, errs, done)
	}
	last := rs.updates[len(rs.updates)-1]
	require.Equal(t, [3]int{4, 2, 1}, last)
}

func TestTracker_ETA(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := New(4, WithClock(clock), WithLogger(quietLogger()), WithLabel("transcribe"))

	now = now.Add(10 * time.Second)
	tr.Tick(true)
	snap := tr.Snapshot()
	require.Equal(t, 10*time.Second, snap.Elapsed)
	require.Equal(t, 30*time.Second, snap.ETA)
	require.Contains(t, snap.Line(), "[1/4]")
	require.Contains(t, snap.Line(), "ETA 30s")
}

func TestTracker_WithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "yt-digest.db"))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.CreateJob(ctx, "abc123abc123", "transcribe", "x.log"))

	tr := New(10, WithJob("abc123abc123", s), WithLogger(quietLogger()))
	for i := 0; i < 10; i++ {
		tr.Tick(i >= 3)
	}
	require.NoError(t, tr.Finalize(model.StatusCompleted, ""))

	job, err := s.GetJob(ctx, "abc123abc123")
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, job.Status)
	require.Equal(t, 10, job.Total)
	require.Equal(t, 10, job.Done)
	require.Equal(t, 3, job.Errors)
}
