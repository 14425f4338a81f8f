package jobs

import "strings"

const (
	BackgroundFlag = "--bg"
	WorkerFlag     = "--bg-worker"
)

// HasBackgroundFlag reports whether args ask for a detached run.
func HasBackgroundFlag(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if isBackgroundFlag(a) {
			return true
		}
	}
	return false
}

func isBackgroundFlag(a string) bool {
	switch a {
	case BackgroundFlag, "-bg", BackgroundFlag + "=true", "-bg=true":
		return true
	}
	return false
}

// WorkerArgs rewrites a foreground command line for the detached child:
// background flags are dropped and the job id is appended.
func WorkerArgs(args []string, jobID string) []string {
	out := make([]string, 0, len(args)+2)
	for _, a := range args {
		if isBackgroundFlag(a) || a == BackgroundFlag+"=false" || a == "-bg=false" {
			continue
		}
		out = append(out, a)
	}
	return append(out, WorkerFlag, jobID)
}

// ExtractWorkerID removes --bg-worker <id> (or --bg-worker=<id>) from args.
func ExtractWorkerID(args []string) (string, []string) {
	id := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == WorkerFlag || a == "-bg-worker":
			if i+1 < len(args) {
				id = strings.TrimSpace(args[i+1])
				i++
			}
		case strings.HasPrefix(a, WorkerFlag+"="):
			id = strings.TrimSpace(strings.TrimPrefix(a, WorkerFlag+"="))
		case strings.HasPrefix(a, "-bg-worker="):
			id = strings.TrimSpace(strings.TrimPrefix(a, "-bg-worker="))
		default:
			rest = append(rest, a)
		}
	}
	return id, rest
}

// DisplayCommand is the human readable command stored on the job record.
func DisplayCommand(args []string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if isBackgroundFlag(a) {
			continue
		}
		if strings.ContainsAny(a, " \t") {
			a = "'" + a + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
