package model

import "fmt"

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

const StaleJobMessage = "process died unexpectedly"

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusStopped:   {},
}

func IsKnownStatus(status string) bool {
	if status == "" {
		return false
	}
	_, ok := allowedTransitions[status]
	return ok
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionJobStatus(job *JobRecord, toStatus string, message string) error {
	from := job.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid job status transition: %q -> %q (job_id=%s)", from, toStatus, job.ID)
	}
	job.Status = toStatus
	if IsTerminal(toStatus) {
		job.ErrorMessage = message
		job.PID = -1
	}
	return nil
}
