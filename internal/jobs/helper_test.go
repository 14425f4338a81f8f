package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yt-digest/internal/model"
	"yt-digest/internal/progress"
	"yt-digest/internal/store"
)

const helperEnv = "YTD_JOBS_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(helperMain(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// helperMain plays the detached worker when the test binary is re-executed
// by Supervisor.Launch.
func helperMain(args []string) int {
	id, rest := ExtractWorkerID(args)
	if id == "" || len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "helper: missing job id or mode")
		return 2
	}
	if rest[0] == "crash" {
		fmt.Println("crashing")
		return 3
	}

	ctx := context.Background()
	st, err := store.Open(ctx, os.Getenv("YTD_DB_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper: open store:", err)
		return 2
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	err = RunWorker(ctx, st, id, logger, func(ctx context.Context, tr *progress.Tracker) error {
		switch rest[0] {
		case "work":
			n := 3
			if len(rest) > 1 {
				n, _ = strconv.Atoi(rest[1])
			}
			tr.AddTotal(n)
			for i := 0; i < n; i++ {
				time.Sleep(30 * time.Millisecond)
				fmt.Printf("item %d\n", i)
				tr.Tick(true)
			}
			return nil
		case "fail":
			return errors.New(strings.Repeat("x", 800))
		case "sleep":
			fmt.Println("ready")
			<-ctx.Done()
			return ctx.Err()
		default:
			return fmt.Errorf("unknown helper mode %q", rest[0])
		}
	})
	if err != nil {
		return 1
	}
	return 0
}

type harness struct {
	dataDir string
	dbPath  string
	store   *store.Store
	sup     *Supervisor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dataDir := t.TempDir()
	dbPath := filepath.Join(dataDir, "yt-digest.db")
	st, err := store.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	base := []Option{
		WithEnv(helperEnv+"=1", "YTD_DB_PATH="+dbPath),
		WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
	}
	return &harness{
		dataDir: dataDir,
		dbPath:  dbPath,
		store:   st,
		sup:     NewSupervisor(st, dataDir, append(base, opts...)...),
	}
}

func (h *harness) waitStatus(t *testing.T, id string, timeout time.Duration) model.JobRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := h.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		if model.IsTerminal(job.Status) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %s after %s", id, job.Status, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func logContains(path, want string) bool {
	data, err := os.ReadFile(path)
	return err == nil && strings.Contains(string(data), want)
}
