// Package work holds the per-item stage functions of a digest run: channel
// listing, transcript extraction, summarizing and scoring. Each function
// persists its own output to the shared store.
package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unicode/utf8"

	"yt-digest/internal/model"
	"yt-digest/internal/pipeline"
	"yt-digest/internal/progress"
	"yt-digest/internal/ratelimit"
)

const (
	RequestListing   = "listing"
	RequestSubtitles = "subtitles"
)

var ErrCommandNotConfigured = errors.New("command not configured")

type Store interface {
	UpsertVideo(ctx context.Context, v model.Video) error
	SaveTranscript(ctx context.Context, videoID, body string) error
	GetTranscript(ctx context.Context, videoID string) (string, error)
	SaveSummary(ctx context.Context, videoID, body string) error
	GetSummary(ctx context.Context, videoID string) (string, error)
	SaveScore(ctx context.Context, videoID string, score float64) error
	VideosMissingTranscript(ctx context.Context, channelID string) ([]string, error)
	VideosReadyForSummary(ctx context.Context) ([]string, error)
	VideosReadyForScore(ctx context.Context) ([]string, error)
}

// Source is the remote video platform.
type Source interface {
	ListChannel(ctx context.Context, url string) ([]model.Video, error)
	Transcript(ctx context.Context, videoID, subLangs string) (string, error)
}

type Runner struct {
	Store            Store
	Source           Source
	Monitor          *ratelimit.Monitor
	SubLangs         string
	SummarizeCommand string
	ScoreCommand     string
	Logger           *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Fetch lists a channel and upserts every video. Each upsert is one tracker
// item.
func (r *Runner) Fetch(ctx context.Context, channelURL string, tracker *progress.Tracker) (int, error) {
	r.Monitor.Record(ctx, RequestListing)
	videos, err := r.Source.ListChannel(ctx, channelURL)
	if err != nil {
		return 0, fmt.Errorf("list channel %s: %w", channelURL, err)
	}
	if tracker != nil {
		tracker.AddTotal(len(videos))
	}
	saved := 0
	for _, v := range videos {
		if err := ctx.Err(); err != nil {
			return saved, err
		}
		err := r.Store.UpsertVideo(ctx, v)
		if tracker != nil {
			tracker.TickItem(v.ID, err)
		}
		if err != nil {
			r.logger().Warn("save video failed", "video", v.ID, "error", err)
			continue
		}
		saved++
	}
	return saved, nil
}

func (r *Runner) Transcribe(ctx context.Context, videoID string) error {
	r.Monitor.Record(ctx, RequestSubtitles)
	text, err := r.Source.Transcript(ctx, videoID, r.SubLangs)
	if err != nil {
		return err
	}
	return r.Store.SaveTranscript(ctx, videoID, text)
}

func (r *Runner) Summarize(ctx context.Context, videoID string) error {
	transcript, err := r.Store.GetTranscript(ctx, videoID)
	if err != nil {
		return err
	}
	out, err := runFilter(ctx, r.SummarizeCommand, videoID, transcript)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", videoID, err)
	}
	return r.Store.SaveSummary(ctx, videoID, out)
}

func (r *Runner) Score(ctx context.Context, videoID string) error {
	summary, err := r.Store.GetSummary(ctx, videoID)
	if err != nil {
		return err
	}
	out, err := runFilter(ctx, r.ScoreCommand, videoID, summary)
	if err != nil {
		return fmt.Errorf("score %s: %w", videoID, err)
	}
	score, err := ParseScore(out)
	if err != nil {
		return fmt.Errorf("score %s: %w", videoID, err)
	}
	return r.Store.SaveScore(ctx, videoID, score)
}

// TranscribeStage is the single-stage plan used by the transcribe command.
func (r *Runner) TranscribeStage(workers int, channelID string) pipeline.Stage {
	return pipeline.Stage{
		Name:    model.StageTranscribe,
		Workers: max(workers, 1),
		Discover: func(ctx context.Context) ([]string, error) {
			return r.Store.VideosMissingTranscript(ctx, channelID)
		},
		Process:  r.Transcribe,
		Producer: true,
	}
}

// Stages builds the transcribe → summarize → score chain. Stages whose
// external command is not configured are left out.
func (r *Runner) Stages(workers int, channelID string) []pipeline.Stage {
	stages := []pipeline.Stage{r.TranscribeStage(1, channelID)}
	if strings.TrimSpace(r.SummarizeCommand) != "" {
		stages = append(stages, pipeline.Stage{
			Name:     model.StageSummarize,
			Discover: r.Store.VideosReadyForSummary,
			Process:  r.Summarize,
		})
		if strings.TrimSpace(r.ScoreCommand) != "" {
			stages = append(stages, pipeline.Stage{
				Name:     model.StageScore,
				Discover: r.Store.VideosReadyForScore,
				Process:  r.Score,
			})
		}
	}
	for i, n := range pipeline.Split(max(workers, 1), len(stages)) {
		stages[i].Workers = n
	}
	return stages
}

// runFilter pipes input through a shell command and returns its trimmed
// stdout. YTD_VIDEO_ID is set for the command.
func runFilter(ctx context.Context, command, videoID, input string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", ErrCommandNotConfigured
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "YTD_VIDEO_ID="+videoID)
	cmd.Stdin = strings.NewReader(input)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("command produced no output")
	}
	return out, nil
}

// ParseScore reads the first number of the output, tolerating "7/10" and
// "score: 7.5" forms.
func ParseScore(out string) (float64, error) {
	for _, field := range strings.FieldsFunc(out, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '/' || r == ':' || r == ','
	}) {
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no numeric score in %q", truncate(out, 80))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
