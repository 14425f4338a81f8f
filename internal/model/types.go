package model

import "time"

const (
	StageFetch      = "fetch"
	StageTranscribe = "transcribe"
	StageSummarize  = "summarize"
	StageScore      = "score"
)

// JobRecord is the durable lifecycle row of one background-launched operation.
type JobRecord struct {
	ID           string     `json:"id"`
	Command      string     `json:"command"`
	Status       string     `json:"status"`
	PID          int        `json:"pid"`
	LogFile      string     `json:"log_file"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Total        int        `json:"total"`
	Done         int        `json:"done"`
	Errors       int        `json:"errors"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (j JobRecord) ShortID() string {
	if len(j.ID) > 8 {
		return j.ID[:8]
	}
	return j.ID
}

func (j JobRecord) Duration(now time.Time) time.Duration {
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	if j.StartedAt.IsZero() || end.Before(j.StartedAt) {
		return 0
	}
	return end.Sub(j.StartedAt)
}

type Video struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
}

// LedgerEntry is one audit row describing a single stage attempt on a video.
type LedgerEntry struct {
	VideoID      string
	Operation    string
	Status       string
	StartedAt    time.Time
	Duration     time.Duration
	ErrorMessage string
}
