package cli

import (
	"fmt"

	"yt-digest/internal/jobs"
)

const programName = "yt-digest"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "fetch", "transcribe", "pipeline":
	default:
		if jobs.HasBackgroundFlag(args[1:]) {
			return fmt.Errorf("%s does not support %s (bulk commands only: fetch, transcribe, pipeline)", args[0], jobs.BackgroundFlag)
		}
	}

	switch args[0] {
	case "fetch":
		return runFetch(args[1:])
	case "transcribe":
		return runTranscribe(args[1:])
	case "pipeline":
		return runPipeline(args[1:])
	case "jobs":
		return runJobs(args[1:])
	case "status":
		return runStatus(args[1:])
	case "config":
		return runConfig(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("yt-digest: channel transcripts, summaries and scores with background jobs")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  yt-digest config init")
	fmt.Println("  yt-digest fetch --channel <url>")
	fmt.Println("  yt-digest pipeline --bg")
	fmt.Println("  yt-digest jobs watch")
	fmt.Println()
	fmt.Println("Bulk Commands (accept --bg to run detached):")
	fmt.Println("  fetch       list a channel and store its videos")
	fmt.Println("  transcribe  fetch subtitles for videos without a transcript")
	fmt.Println("  pipeline    transcribe -> summarize -> score until nothing is left")
	fmt.Println()
	fmt.Println("Job Commands:")
	fmt.Println("  jobs list    recent background jobs (--status running|completed|failed|stopped)")
	fmt.Println("  jobs attach  follow a job log; Ctrl-C detaches")
	fmt.Println("  jobs stop    send SIGTERM to a running job")
	fmt.Println("  jobs retry   relaunch a failed or stopped job")
	fmt.Println("  jobs clean   delete finished jobs older than the retention")
	fmt.Println("  jobs watch   live dashboard")
	fmt.Println()
	fmt.Println("Other:")
	fmt.Println("  status       content counts, request rate and running jobs")
	fmt.Println("  config init  write a config.toml with the defaults")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Job ids may be shortened to any unique prefix")
	fmt.Println("  - Use --json on list/status commands for machine-readable output")
}
