package jobs

import (
	"fmt"
	"io"
	"strings"
	"time"

	"yt-digest/internal/model"
)

// BackgroundHintThreshold is the item count from which foreground runs
// suggest --bg.
const BackgroundHintThreshold = 5

// Conservative per-item costs.
const (
	EstTranscribePerItem = 8 * time.Second
	EstSummarizePerItem  = 15 * time.Second
	EstInterItemDelay    = 2 * time.Second
)

func perItemCost(operation string) time.Duration {
	switch operation {
	case model.StageTranscribe, model.StageFetch:
		return EstTranscribePerItem
	case model.StageSummarize, model.StageScore:
		return EstSummarizePerItem
	default:
		return EstTranscribePerItem + EstSummarizePerItem
	}
}

// EstimateDuration is the expected wall-clock time for n items of an
// operation spread over workers.
func EstimateDuration(n int, operation string, workers int) time.Duration {
	if n <= 0 {
		return 0
	}
	if workers < 1 {
		workers = 1
	}
	per := perItemCost(operation) + EstInterItemDelay
	return per * time.Duration(n) / time.Duration(workers)
}

func FormatEstimate(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.0fs", s)
	case s < 3600:
		return fmt.Sprintf("%.0fm", s/60)
	default:
		return fmt.Sprintf("%.1fh", s/3600)
	}
}

// SuggestBackground writes a --bg hint when the run looks long. It reports
// whether a hint was written.
func SuggestBackground(w io.Writer, n int, operation string, workers int, program string, args []string) bool {
	if n < BackgroundHintThreshold {
		return false
	}
	est := FormatEstimate(EstimateDuration(n, operation, workers))
	cmd := append([]string{program, BackgroundFlag}, args...)
	fmt.Fprintf(w, "\nThis will process %d items (estimated ~%s).\n", n, est)
	fmt.Fprintf(w, "To run in background, re-run with --bg:\n  %s\n\n", strings.Join(cmd, " "))
	return true
}
