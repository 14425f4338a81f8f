package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yt-digest/internal/model"
	"yt-digest/internal/progress"
	"yt-digest/internal/ratelimit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDB mimics the readiness queries of the shared store.
type fakeDB struct {
	mu          sync.Mutex
	videos      []string
	transcripts map[string]bool
	summaries   map[string]bool
	scores      map[string]bool
}

func newFakeDB(n int) *fakeDB {
	db := &fakeDB{
		transcripts: map[string]bool{},
		summaries:   map[string]bool{},
		scores:      map[string]bool{},
	}
	for i := 0; i < n; i++ {
		db.videos = append(db.videos, fmt.Sprintf("vid%02d", i))
	}
	return db
}

func (db *fakeDB) missing(have map[string]bool, need map[string]bool) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for _, v := range db.videos {
		if need != nil && !need[v] {
			continue
		}
		if !have[v] {
			out = append(out, v)
		}
	}
	return out
}

func (db *fakeDB) set(m map[string]bool, key string) {
	db.mu.Lock()
	m[key] = true
	db.mu.Unlock()
}

func fastOpts(extra ...Option) []Option {
	b := ratelimit.DefaultBackoff()
	b.Sleep = func(context.Context, time.Duration) error { return nil }
	opts := []Option{
		WithPollInterval(20 * time.Millisecond),
		WithWakeStep(5 * time.Millisecond),
		WithInterItemDelay(0),
		WithBackoff(b),
		WithLogger(quietLogger()),
	}
	return append(opts, extra...)
}

func TestSplit(t *testing.T) {
	cases := []struct {
		total, stages int
		want          []int
	}{
		{4, 3, []int{2, 1, 1}},
		{2, 2, []int{1, 1}},
		{3, 2, []int{2, 1}},
		{1, 3, []int{1, 1, 1}},
		{0, 1, []int{1}},
		{8, 1, []int{8}},
	}
	for _, tc := range cases {
		got := Split(tc.total, tc.stages)
		require.Equal(t, tc.want, got, "Split(%d, %d)", tc.total, tc.stages)
		if tc.total >= tc.stages {
			sum := 0
			for _, n := range got {
				sum += n
			}
			require.Equal(t, tc.total, sum)
		}
	}
	require.Panics(t, func() { Split(3, 0) })
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	noop := func(context.Context) ([]string, error) { return nil, nil }
	work := func(context.Context, string) error { return nil }
	_, err = New([]Stage{{Name: "a", Discover: noop, Process: work}, {Name: "a", Discover: noop, Process: work}})
	require.Error(t, err)
	_, err = New([]Stage{{Name: "a", Discover: noop}})
	require.Error(t, err)
}

func TestRun_PermanentFailuresCountedNotRetried(t *testing.T) {
	db := newFakeDB(10)
	failing := map[string]bool{"vid01": true, "vid04": true, "vid07": true}
	var calls atomic.Int64

	tracker := progress.New(0, progress.WithLogger(quietLogger()))
	c, err := New([]Stage{{
		Name:     model.StageTranscribe,
		Workers:  3,
		Producer: true,
		Discover: func(context.Context) ([]string, error) { return db.missing(db.transcripts, nil), nil },
		Process: func(_ context.Context, key string) error {
			calls.Add(1)
			if failing[key] {
				return errors.New("no subtitles available")
			}
			db.set(db.transcripts, key)
			return nil
		},
	}}, fastOpts(WithTracker(tracker))...)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, tracker.Finalize(model.StatusCompleted, ""))

	require.EqualValues(t, 10, calls.Load())
	st := res.Stages[model.StageTranscribe]
	require.Equal(t, 10, st.Processed)
	require.Equal(t, 7, st.Succeeded)
	require.Equal(t, 3, st.Errors)

	snap := tracker.Snapshot()
	require.Equal(t, 10, snap.Total)
	require.Equal(t, 10, snap.Done)
	require.Equal(t, 3, snap.Errors)
	require.Equal(t, model.StatusCompleted, snap.Status)
}

func chainedStages(db *fakeDB, calls *sync.Map, workers []int) []Stage {
	count := func(stage string) {
		v, _ := calls.LoadOrStore(stage, new(atomic.Int64))
		v.(*atomic.Int64).Add(1)
	}
	return []Stage{
		{
			Name: model.StageTranscribe, Workers: workers[0], Producer: true,
			Discover: func(context.Context) ([]string, error) { return db.missing(db.transcripts, nil), nil },
			Process: func(_ context.Context, key string) error {
				count(model.StageTranscribe)
				time.Sleep(2 * time.Millisecond)
				db.set(db.transcripts, key)
				return nil
			},
		},
		{
			Name: model.StageSummarize, Workers: workers[1],
			Discover: func(context.Context) ([]string, error) {
				return db.missing(db.summaries, db.transcripts), nil
			},
			Process: func(_ context.Context, key string) error {
				count(model.StageSummarize)
				db.set(db.summaries, key)
				return nil
			},
		},
		{
			Name: model.StageScore, Workers: workers[2],
			Discover: func(context.Context) ([]string, error) {
				return db.missing(db.scores, db.summaries), nil
			},
			Process: func(_ context.Context, key string) error {
				count(model.StageScore)
				db.set(db.scores, key)
				return nil
			},
		},
	}
}

func TestRun_ChainedStagesDrainCompletely(t *testing.T) {
	db := newFakeDB(8)
	var calls sync.Map
	tracker := progress.New(0, progress.WithLogger(quietLogger()))

	c, err := New(chainedStages(db, &calls, Split(4, 3)), fastOpts(WithTracker(tracker))...)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, db.scores, 8)
	for _, name := range []string{model.StageTranscribe, model.StageSummarize, model.StageScore} {
		require.Equal(t, 8, res.Stages[name].Succeeded, name)
	}
	require.Equal(t, []string{model.StageTranscribe, model.StageSummarize, model.StageScore}, res.Order)

	snap := tracker.Snapshot()
	require.Equal(t, 24, snap.Total)
	require.Equal(t, 24, snap.Done)
	require.Equal(t, 0, snap.Errors)
}

func TestRun_IdempotentResumeDoesNothing(t *testing.T) {
	db := newFakeDB(5)
	for _, v := range db.videos {
		db.transcripts[v] = true
		db.summaries[v] = true
		db.scores[v] = true
	}
	var calls sync.Map
	tracker := progress.New(0, progress.WithLogger(quietLogger()))
	c, err := New(chainedStages(db, &calls, []int{1, 1, 1}), fastOpts(WithTracker(tracker))...)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Totals().Processed)

	n := 0
	calls.Range(func(any, any) bool { n++; return true })
	require.Zero(t, n)
	require.Zero(t, tracker.Snapshot().Total)
}

func TestRun_CancelStopsDispatchAndKeepsCompletedWork(t *testing.T) {
	db := newFakeDB(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	tracker := progress.New(0, progress.WithLogger(quietLogger()))
	c, err := New([]Stage{{
		Name: model.StageTranscribe, Workers: 1, Producer: true,
		Discover: func(context.Context) ([]string, error) { return db.missing(db.transcripts, nil), nil },
		Process: func(workCtx context.Context, key string) error {
			n := calls.Add(1)
			if n == 4 {
				cancel()
				// in-flight work keeps a live context
				if workCtx.Err() != nil {
					return workCtx.Err()
				}
			}
			db.set(db.transcripts, key)
			return nil
		},
	}}, fastOpts(WithTracker(tracker))...)
	require.NoError(t, err)

	res, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 4, calls.Load())
	require.Equal(t, 4, res.Stages[model.StageTranscribe].Succeeded)

	require.NoError(t, tracker.Finalize(model.StatusStopped, ""))
	snap := tracker.Snapshot()
	require.Equal(t, 4, snap.Done)
	require.LessOrEqual(t, snap.Done, snap.Total)
	require.Len(t, db.transcripts, 4)
}

func TestRun_TransientFailureRetried(t *testing.T) {
	db := newFakeDB(1)
	var calls atomic.Int64
	c, err := New([]Stage{{
		Name: model.StageTranscribe, Workers: 1,
		Discover: func(context.Context) ([]string, error) { return db.missing(db.transcripts, nil), nil },
		Process: func(_ context.Context, key string) error {
			if calls.Add(1) < 3 {
				return errors.New("HTTP Error 429: Too Many Requests")
			}
			db.set(db.transcripts, key)
			return nil
		},
	}}, fastOpts()...)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, 1, res.Stages[model.StageTranscribe].Succeeded)
}

func TestRun_RespectsWorkerBound(t *testing.T) {
	db := newFakeDB(12)
	var active, peak atomic.Int64
	c, err := New([]Stage{{
		Name: model.StageSummarize, Workers: 2,
		Discover: func(context.Context) ([]string, error) { return db.missing(db.summaries, nil), nil },
		Process: func(_ context.Context, key string) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			db.set(db.summaries, key)
			return nil
		},
	}}, fastOpts()...)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int64(2))
	require.Len(t, db.summaries, 12)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []model.LedgerEntry
}

func (r *memRecorder) LogWork(_ context.Context, e model.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func TestRun_WritesLedgerRows(t *testing.T) {
	db := newFakeDB(3)
	rec := &memRecorder{}
	c, err := New([]Stage{{
		Name: model.StageTranscribe, Workers: 2,
		Discover: func(context.Context) ([]string, error) { return db.missing(db.transcripts, nil), nil },
		Process: func(_ context.Context, key string) error {
			if key == "vid02" {
				return errors.New("private video")
			}
			db.set(db.transcripts, key)
			return nil
		},
	}}, fastOpts(WithRecorder(rec))...)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.entries, 3)
	sort.Slice(rec.entries, func(i, j int) bool { return rec.entries[i].VideoID < rec.entries[j].VideoID })
	require.Equal(t, "success", rec.entries[0].Status)
	require.Equal(t, "failed", rec.entries[2].Status)
	require.Contains(t, rec.entries[2].ErrorMessage, "private video")
	require.Equal(t, model.StageTranscribe, rec.entries[2].Operation)
}

func TestRun_RepeatedDiscoveryFailureAborts(t *testing.T) {
	c, err := New([]Stage{{
		Name:     model.StageFetch,
		Discover: func(context.Context) ([]string, error) { return nil, errors.New("database is locked") },
		Process:  func(context.Context, string) error { return nil },
	}}, fastOpts()...)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "database is locked")
}

func TestDryRun_ReportsWithoutProcessing(t *testing.T) {
	db := newFakeDB(6)
	db.transcripts["vid00"] = true
	db.transcripts["vid01"] = true
	var calls sync.Map

	estimator := func(stage string, items, workers int) time.Duration {
		return time.Duration(items) * time.Second / time.Duration(workers)
	}
	c, err := New(chainedStages(db, &calls, []int{2, 1, 1}), fastOpts(WithEstimator(estimator))...)
	require.NoError(t, err)

	plan, err := c.DryRun(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Stages, 3)
	require.Equal(t, 4, plan.Stages[0].Ready)
	require.Equal(t, 2, plan.Stages[1].Ready)
	require.Equal(t, 0, plan.Stages[2].Ready)
	require.Equal(t, 6, plan.Ready())
	require.Equal(t, 4*time.Second, plan.Estimate)

	n := 0
	calls.Range(func(any, any) bool { n++; return true })
	require.Zero(t, n)
}

func staticKeys(keys ...string) DiscoverFunc {
	return func(context.Context) ([]string, error) { return keys, nil }
}

func TestRun_ProducerDispatchIsPaced(t *testing.T) {
	const delay = 20 * time.Millisecond
	keys := []string{"a", "b", "c", "d", "e"}

	var mu sync.Mutex
	dispatched := map[string][]time.Time{}
	record := func(stage string) WorkFunc {
		return func(context.Context, string) error {
			mu.Lock()
			dispatched[stage] = append(dispatched[stage], time.Now())
			mu.Unlock()
			return nil
		}
	}

	c, err := New([]Stage{
		{Name: "transcript", Workers: 3, Producer: true, Discover: staticKeys(keys...), Process: record("transcript")},
		{Name: "summarize", Workers: len(keys), Discover: staticKeys(keys...), Process: record("summarize")},
	}, fastOpts(WithInterItemDelay(delay))...)
	require.NoError(t, err)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(keys), res.Stages["transcript"].Succeeded)
	require.Equal(t, len(keys), res.Stages["summarize"].Succeeded)

	mu.Lock()
	defer mu.Unlock()
	produced := dispatched["transcript"]
	sort.Slice(produced, func(i, j int) bool { return produced[i].Before(produced[j]) })
	for i := 1; i < len(produced); i++ {
		gap := produced[i].Sub(produced[i-1])
		require.GreaterOrEqual(t, gap, delay/2, "gap %d", i)
	}
	require.GreaterOrEqual(t, produced[len(produced)-1].Sub(produced[0]), time.Duration(len(keys)-1)*delay-delay/2)

	consumed := dispatched["summarize"]
	sort.Slice(consumed, func(i, j int) bool { return consumed[i].Before(consumed[j]) })
	span := consumed[len(consumed)-1].Sub(consumed[0])
	require.Less(t, span, time.Duration(len(keys)-1)*delay, "non-producer stage must not be paced")
}

func TestRun_CancelDuringIdleWaitReturnsPromptly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	c, err := New([]Stage{{
		Name:     "transcript",
		Discover: staticKeys("slow"),
		Process: func(context.Context, string) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}}, fastOpts(WithPollInterval(10*time.Second), WithWakeStep(50*time.Millisecond))...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Run(ctx)
		done <- outcome{res, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("item never dispatched")
	}
	// let the loop settle into its poll wait
	time.Sleep(100 * time.Millisecond)

	cancelled := time.Now()
	cancel()
	close(release)

	select {
	case out := <-done:
		require.ErrorIs(t, out.err, context.Canceled)
		require.Less(t, time.Since(cancelled), 2*time.Second)
		require.Equal(t, 1, out.res.Stages["transcript"].Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
