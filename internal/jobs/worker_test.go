package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"yt-digest/internal/model"
	"yt-digest/internal/progress"
)

func TestRunWorker_Outcomes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name       string
		cancel     bool
		body       Body
		wantStatus string
		wantErr    bool
		wantDone   int
		wantErrs   int
	}{
		{
			name: "completed",
			body: func(_ context.Context, tr *progress.Tracker) error {
				tr.AddTotal(10)
				for i := 0; i < 10; i++ {
					tr.Tick(i >= 3)
				}
				return nil
			},
			wantStatus: model.StatusCompleted,
			wantDone:   10,
			wantErrs:   3,
		},
		{
			name:       "failed",
			body:       func(context.Context, *progress.Tracker) error { return errors.New("yt-dlp missing") },
			wantStatus: model.StatusFailed,
			wantErr:    true,
		},
		{
			name:   "stopped",
			cancel: true,
			body: func(ctx context.Context, tr *progress.Tracker) error {
				tr.AddTotal(10)
				for i := 0; i < 4; i++ {
					tr.Tick(true)
				}
				<-ctx.Done()
				return ctx.Err()
			},
			wantStatus: model.StatusStopped,
			wantDone:   4,
		},
		{
			name:       "panic",
			body:       func(context.Context, *progress.Tracker) error { panic("boom") },
			wantStatus: model.StatusFailed,
			wantErr:    true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, h.store.CreateJob(ctx, "job000000001", tc.name, "job.log"))

			body := tc.body
			if tc.cancel {
				inner := body
				body = func(ctx context.Context, tr *progress.Tracker) error {
					go cancel()
					return inner(ctx, tr)
				}
			}
			err := RunWorker(ctx, h.store, "job000000001", logger, body)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			job, gerr := h.store.GetJob(context.Background(), "job000000001")
			require.NoError(t, gerr)
			require.Equal(t, tc.wantStatus, job.Status)
			require.Equal(t, tc.wantDone, job.Done)
			require.Equal(t, tc.wantErrs, job.Errors)
			require.LessOrEqual(t, job.Done, job.Total)
			require.Equal(t, -1, job.PID)
		})
	}
}

func TestRunWorker_SecondFinalizeLoses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateJob(ctx, "job000000002", "pipeline", "job.log"))

	err := RunWorker(ctx, h.store, "job000000002", nil, func(ctx context.Context, _ *progress.Tracker) error {
		_, ferr := h.store.MarkJobStale(ctx, "job000000002")
		return ferr
	})
	require.NoError(t, err)

	job, err := h.store.GetJob(ctx, "job000000002")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Equal(t, model.StaleJobMessage, job.ErrorMessage)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("日本", 200)
	got := truncate(msg, maxErrorMessage)
	require.True(t, utf8.ValidString(got))
	require.LessOrEqual(t, len(got), maxErrorMessage)
	require.Greater(t, len(got), maxErrorMessage-utf8.UTFMax)
	require.Equal(t, "ok", truncate("ok", maxErrorMessage))
}
