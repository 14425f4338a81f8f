package cli

import (
	"context"
	"flag"
	"fmt"

	"yt-digest/internal/jobs"
	"yt-digest/internal/model"
	"yt-digest/internal/ratelimit"
	"yt-digest/internal/store"
)

type statusReport struct {
	DataDir     string              `json:"data_dir"`
	Content     store.ContentCounts `json:"content"`
	Requests    ratelimit.Status    `json:"requests"`
	RunningJobs []model.JobRecord   `json:"running_jobs"`
	YTDLP       ytdlpDependency     `json:"yt_dlp"`
}

type ytdlpDependency struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.store.Counts(ctx)
	if err != nil {
		return err
	}
	rate, err := a.monitor.Status(ctx)
	if err != nil {
		return err
	}
	running, err := a.supervisor().List(ctx, jobs.ListFilter{Status: model.StatusRunning})
	if err != nil {
		return err
	}
	dep := a.ytdlp().DependencyStatus()
	report := statusReport{
		DataDir:     a.cfg.DataDir,
		Content:     counts,
		Requests:    rate,
		RunningJobs: running,
		YTDLP:       ytdlpDependency{Found: dep.YTDLPFound, Path: dep.YTDLPPath},
	}
	if report.RunningJobs == nil {
		report.RunningJobs = []model.JobRecord{}
	}
	if *jsonOut {
		return printJSON(report)
	}

	fmt.Printf("data_dir: %s\n", report.DataDir)
	fmt.Printf("videos: %d\n", counts.Videos)
	fmt.Printf("transcripts: %d\n", counts.Transcripts)
	fmt.Printf("summaries: %d\n", counts.Summaries)
	fmt.Printf("scores: %d\n", counts.Scores)
	fmt.Printf("requests_1h: %d\n", rate.LastHour)
	fmt.Printf("requests_24h: %d\n", rate.LastDay)
	fmt.Printf("rate_level: %s\n", rate.Level)
	if rate.Warning != "" {
		fmt.Printf("warning: %s\n", rate.Warning)
	}
	fmt.Printf("yt_dlp: %s\n", dependencyLabel(report.YTDLP))
	fmt.Printf("running_jobs: %d\n", len(running))
	for _, j := range running {
		fmt.Printf("  %s %d/%d %s\n", j.ShortID(), j.Done, j.Total, j.Command)
	}
	return nil
}

func dependencyLabel(d ytdlpDependency) string {
	if !d.Found {
		return "missing"
	}
	return d.Path
}
