package work

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"yt-digest/internal/model"
	"yt-digest/internal/pipeline"
	"yt-digest/internal/progress"
	"yt-digest/internal/ratelimit"
	"yt-digest/internal/store"
)

type fakeSource struct {
	videos      []model.Video
	transcripts map[string]string
	calls       int
}

func (f *fakeSource) ListChannel(context.Context, string) ([]model.Video, error) {
	return f.videos, nil
}

func (f *fakeSource) Transcript(_ context.Context, videoID, _ string) (string, error) {
	f.calls++
	text, ok := f.transcripts[videoID]
	if !ok {
		return "", errors.New("no subtitles for " + videoID)
	}
	return text, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "digest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newRunner(t *testing.T, st *store.Store, src Source) *Runner {
	t.Helper()
	return &Runner{
		Store:            st,
		Source:           src,
		Monitor:          ratelimit.NewMonitor(st, ratelimit.DefaultThresholds(), quietLogger()),
		SummarizeCommand: "tr a-z A-Z",
		ScoreCommand:     "echo 'score: 7.5/10'",
		Logger:           quietLogger(),
	}
}

func TestFetchUpsertsAndRecordsRequest(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	src := &fakeSource{videos: []model.Video{
		{ID: "a", ChannelID: "UC1", Title: "A"},
		{ID: "b", ChannelID: "UC1", Title: "B"},
	}}
	r := newRunner(t, st, src)
	tracker := progress.New(0, progress.WithLogger(quietLogger()))

	n, err := r.Fetch(ctx, "https://www.youtube.com/@x", tracker)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snap := tracker.Snapshot()
	require.Equal(t, 2, snap.Total)
	require.Equal(t, 2, snap.Done)

	count, err := st.CountRequests(ctx, RequestListing, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	missing, err := st.VideosMissingTranscript(ctx, "UC1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, missing)
}

func TestPipelineRunsAllStages(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	src := &fakeSource{
		videos: []model.Video{{ID: "a", ChannelID: "UC1"}, {ID: "b", ChannelID: "UC1"}, {ID: "c", ChannelID: "UC1"}},
		transcripts: map[string]string{
			"a": "alpha",
			"b": "bravo",
		},
	}
	r := newRunner(t, st, src)
	_, err := r.Fetch(ctx, "https://www.youtube.com/@x", nil)
	require.NoError(t, err)

	stages := r.Stages(4, "")
	require.Len(t, stages, 3)
	require.Equal(t, []int{2, 1, 1}, []int{stages[0].Workers, stages[1].Workers, stages[2].Workers})

	tracker := progress.New(0, progress.WithLogger(quietLogger()))
	b := ratelimit.DefaultBackoff()
	b.Sleep = func(context.Context, time.Duration) error { return nil }
	coord, err := pipeline.New(stages,
		pipeline.WithPollInterval(20*time.Millisecond),
		pipeline.WithWakeStep(5*time.Millisecond),
		pipeline.WithInterItemDelay(0),
		pipeline.WithBackoff(b),
		pipeline.WithTracker(tracker),
		pipeline.WithRecorder(st),
		pipeline.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	res, err := coord.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Stages[model.StageTranscribe].Errors)
	require.Equal(t, 2, res.Stages[model.StageSummarize].Succeeded)
	require.Equal(t, 2, res.Stages[model.StageScore].Succeeded)

	summary, err := st.GetSummary(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "ALPHA", summary)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Scores)

	snap := tracker.Snapshot()
	require.Equal(t, 7, snap.Total)
	require.Equal(t, 7, snap.Done)
	require.Equal(t, 1, snap.Errors)
}

func TestStagesSkipUnconfiguredCommands(t *testing.T) {
	r := &Runner{}
	stages := r.Stages(3, "")
	require.Len(t, stages, 1)
	require.Equal(t, 3, stages[0].Workers)
	require.True(t, stages[0].Producer)
}

func TestRunFilterErrors(t *testing.T) {
	ctx := context.Background()
	_, err := runFilter(ctx, "", "a", "x")
	require.ErrorIs(t, err, ErrCommandNotConfigured)

	_, err = runFilter(ctx, "echo boom >&2; exit 2", "a", "x")
	require.ErrorContains(t, err, "boom")

	_, err = runFilter(ctx, "true", "a", "x")
	require.ErrorContains(t, err, "no output")

	out, err := runFilter(ctx, `printf '%s' "$YTD_VIDEO_ID"`, "vid9", "")
	require.NoError(t, err)
	require.Equal(t, "vid9", out)
}

func TestParseScore(t *testing.T) {
	cases := map[string]float64{
		"7":             7,
		"score: 7.5/10": 7.5,
		"8/10\nreason":  8,
	}
	for in, want := range cases {
		got, err := ParseScore(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseScore("excellent")
	require.Error(t, err)

	// 'a' shifts every 2-byte rune off the cut point
	_, err = ParseScore("a" + strings.Repeat("é", 60))
	require.Error(t, err)
	require.NotContains(t, err.Error(), `\x`)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := "a" + strings.Repeat("é", 10)
	got := truncate(s, 4)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, "aé", got)
	require.Equal(t, s, truncate(s, len(s)))
}
