package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yt-digest/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "yt-digest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMonitor_WarnThresholdFlipsWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor(openStore(t), Thresholds{WarnPerHour: 5, HighPerHour: 8}, quietLogger())

	for i := 0; i < 4; i++ {
		m.Record(ctx, "subtitle")
	}
	level, n, err := m.ShouldWarn(ctx)
	require.NoError(t, err)
	require.Equal(t, LevelNone, level)
	require.Equal(t, 4, n)

	start := time.Now()
	m.Record(ctx, "subtitle")
	require.Less(t, time.Since(start), time.Second)

	level, n, err = m.ShouldWarn(ctx)
	require.NoError(t, err)
	require.Equal(t, LevelElevated, level)
	require.Equal(t, 5, n)

	for i := 0; i < 3; i++ {
		m.Record(ctx, "playlist")
	}
	level, _, err = m.ShouldWarn(ctx)
	require.NoError(t, err)
	require.Equal(t, LevelHigh, level)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, status.LastHour)
	require.Equal(t, 8, status.LastDay)
	require.Equal(t, "high", status.Level)
	require.Contains(t, status.Warning, "threshold 8")

	perKind, err := m.CountSince(ctx, "playlist", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, perKind)
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor(nil, Thresholds{}, nil)
	require.Equal(t, DefaultThresholds(), m.Thresholds())
	m.Record(context.Background(), "noop")
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: HTTP Error 429: Too Many Requests"), true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("HTTP Error 503: Service Unavailable"), true},
		{fmt.Errorf("wrap: %w", ErrTransient), true},
		{errors.New("video unavailable: private video"), false},
		{&PermanentError{Attempts: 1, Err: errors.New("429")}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsTransient(tc.err), "err=%v", tc.err)
	}
}

func TestBackoff_DelaysIncreaseThenCap(t *testing.T) {
	b := Backoff{Base: 20 * time.Second, Cap: time.Minute, MaxRetries: 4}
	require.Equal(t, []time.Duration{20 * time.Second, 40 * time.Second, time.Minute, time.Minute}, b.Delays())

	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, DefaultBackoff().Delays())
}

func TestBackoff_RetriesExactlyMaxRetries(t *testing.T) {
	var slept []time.Duration
	b := DefaultBackoff()
	b.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("HTTP Error 429")
	})

	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, 4, perm.Attempts)
	require.Equal(t, 4, calls)
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, slept)
}

func TestBackoff_RecoversAfterTransientFailure(t *testing.T) {
	b := DefaultBackoff()
	b.Sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestBackoff_NonTransientFailsImmediately(t *testing.T) {
	b := DefaultBackoff()
	b.Sleep = func(context.Context, time.Duration) error {
		t.Fatal("should not sleep")
		return nil
	}
	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("no subtitles available")
	})
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, 1, calls)
	require.False(t, IsTransient(err))
}

func TestBackoff_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{Base: time.Hour, Cap: time.Hour, MaxRetries: 3}

	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error { return ErrTransient })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff did not honour cancellation")
	}
}
