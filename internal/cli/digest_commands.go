package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"yt-digest/internal/jobs"
	"yt-digest/internal/model"
	"yt-digest/internal/pipeline"
	"yt-digest/internal/progress"
)

const bgFlagHelp = "run as a detached background job (see: yt-digest jobs)"

func runFetch(args []string) error {
	workerID, args := jobs.ExtractWorkerID(args)
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	channel := fs.String("channel", "", "channel or playlist URL")
	bg := fs.Bool("bg", false, bgFlagHelp)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*channel) == "" {
		fs.Usage()
		return errors.New("--channel is required")
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, workerID != "")
	if err != nil {
		return err
	}
	defer a.Close()

	r := a.runner()
	return bulkRun{
		name:     model.StageFetch,
		args:     args,
		workerID: workerID,
		bg:       *bg,
		workers:  1,
		body: func(ctx context.Context, tracker *progress.Tracker) error {
			if err := a.ytdlp().CheckDependencies(); err != nil {
				return err
			}
			saved, err := r.Fetch(ctx, strings.TrimSpace(*channel), tracker)
			if err != nil {
				return err
			}
			a.logger.Info("channel fetched", "channel", *channel, "saved", saved)
			return nil
		},
	}.execute(ctx, a)
}

func runTranscribe(args []string) error {
	workerID, args := jobs.ExtractWorkerID(args)
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	channelID := fs.String("channel-id", "", "only videos of this channel id")
	workers := fs.Int("workers", 0, "parallel workers (default: max_workers from config)")
	bg := fs.Bool("bg", false, bgFlagHelp)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workers < 0 {
		return errors.New("--workers must be >= 1")
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, workerID != "")
	if err != nil {
		return err
	}
	defer a.Close()

	n := firstNonZero(*workers, a.cfg.MaxWorkers)
	r := a.runner()
	stages := []pipeline.Stage{r.TranscribeStage(n, strings.TrimSpace(*channelID))}
	return bulkRun{
		name:     model.StageTranscribe,
		args:     args,
		workerID: workerID,
		bg:       *bg,
		workers:  n,
		count: func(ctx context.Context) (int, error) {
			ids, err := a.store.VideosMissingTranscript(ctx, strings.TrimSpace(*channelID))
			return len(ids), err
		},
		body: func(ctx context.Context, tracker *progress.Tracker) error {
			if err := a.ytdlp().CheckDependencies(); err != nil {
				return err
			}
			return runStages(ctx, a, stages, tracker)
		},
	}.execute(ctx, a)
}

func runPipeline(args []string) error {
	workerID, args := jobs.ExtractWorkerID(args)
	fs := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	channelID := fs.String("channel-id", "", "only transcribe videos of this channel id")
	workers := fs.Int("workers", 0, "total workers split across stages (default: max_workers from config)")
	dryRun := fs.Bool("dry-run", false, "show what each stage would process, then exit")
	jsonOut := fs.Bool("json", false, "print JSON output (with --dry-run)")
	bg := fs.Bool("bg", false, bgFlagHelp)
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workers < 0 {
		return errors.New("--workers must be >= 1")
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, workerID != "")
	if err != nil {
		return err
	}
	defer a.Close()

	n := firstNonZero(*workers, a.cfg.MaxWorkers)
	stages := a.runner().Stages(n, strings.TrimSpace(*channelID))

	if *dryRun {
		coord, err := a.coordinator(stages, nil)
		if err != nil {
			return err
		}
		plan, err := coord.DryRun(ctx)
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(plan)
		}
		printPlan(plan)
		return nil
	}

	return bulkRun{
		name:     "pipeline",
		args:     args,
		workerID: workerID,
		bg:       *bg,
		workers:  n,
		count: func(ctx context.Context) (int, error) {
			ids, err := a.store.VideosMissingTranscript(ctx, strings.TrimSpace(*channelID))
			return len(ids), err
		},
		body: func(ctx context.Context, tracker *progress.Tracker) error {
			if err := a.ytdlp().CheckDependencies(); err != nil {
				return err
			}
			return runStages(ctx, a, stages, tracker)
		},
	}.execute(ctx, a)
}

func runStages(ctx context.Context, a *app, stages []pipeline.Stage, tracker *progress.Tracker) error {
	coord, err := a.coordinator(stages, tracker)
	if err != nil {
		return err
	}
	res, err := coord.Run(ctx)
	for _, name := range res.Order {
		s := res.Stages[name]
		printResultLine(name, s.Discovered, s.Succeeded, s.Errors)
	}
	fmt.Printf("elapsed: %s\n", res.Elapsed.Round(time.Second))
	return err
}

func printPlan(plan pipeline.Plan) {
	for _, s := range plan.Stages {
		fmt.Printf("%s: ready=%d workers=%d estimate=%s\n", s.Name, s.Ready, s.Workers, jobs.FormatEstimate(s.Est))
	}
	fmt.Printf("total_ready: %d\n", plan.Ready())
	fmt.Printf("estimate: %s\n", jobs.FormatEstimate(plan.Estimate))
	if plan.Ready() >= jobs.BackgroundHintThreshold {
		fmt.Printf("hint: %s pipeline --bg\n", programName)
	}
}
