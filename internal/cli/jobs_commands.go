package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"yt-digest/internal/dashboard"
	"yt-digest/internal/jobs"
	"yt-digest/internal/model"
)

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusStyles     = map[string]lipgloss.Style{
		model.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		model.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		model.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		model.StatusStopped:   mutedStyle,
	}
)

func runJobs(args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub = args[0]
		args = args[1:]
	}
	switch sub {
	case "list":
		return runJobsList(args)
	case "attach":
		return runJobsAttach(args)
	case "stop":
		return runJobsStop(args)
	case "retry":
		return runJobsRetry(args)
	case "clean":
		return runJobsClean(args)
	case "watch":
		return runJobsWatch(args)
	default:
		return fmt.Errorf("unknown jobs command %q (list|attach|stop|retry|clean|watch)", sub)
	}
}

func runJobsList(args []string) error {
	fs := flag.NewFlagSet("jobs list", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	status := fs.String("status", "", "filter by status: running|completed|failed|stopped")
	limit := fs.Int("limit", jobs.DefaultListLimit, "max jobs to show")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	st := strings.ToLower(strings.TrimSpace(*status))
	if st != "" && !model.IsKnownStatus(st) {
		return fmt.Errorf("unknown status %q", *status)
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.supervisor().List(ctx, jobs.ListFilter{Status: st, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Println(mutedStyle.Render("no jobs"))
		return nil
	}
	fmt.Print(renderJobTable(list, time.Now()))
	return nil
}

func renderJobTable(list []model.JobRecord, now time.Time) string {
	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("%-8s  %-9s  %-14s  %-8s  %s", "ID", "STATUS", "PROGRESS", "ELAPSED", "COMMAND")))
	b.WriteString("\n")
	for _, j := range list {
		progress := fmt.Sprintf("%d/%d", j.Done, j.Total)
		if j.Errors > 0 {
			progress += fmt.Sprintf(" (%d err)", j.Errors)
		}
		style, ok := statusStyles[j.Status]
		if !ok {
			style = mutedStyle
		}
		fmt.Fprintf(&b, "%-8s  %s  %-14s  %-8s  %s\n",
			j.ShortID(),
			style.Render(fmt.Sprintf("%-9s", j.Status)),
			progress,
			dashboard.FormatDuration(j.Duration(now)),
			j.Command,
		)
		if j.ErrorMessage != "" {
			fmt.Fprintf(&b, "%-8s  %s\n", "", mutedStyle.Render(firstLine(j.ErrorMessage)))
		}
	}
	return b.String()
}

func runJobsAttach(args []string) error {
	fs := flag.NewFlagSet("jobs attach", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	id, err := parseWithJobID(fs, args)
	if err != nil {
		return err
	}

	a, err := openApp(context.Background(), cf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	job, err := a.supervisor().Attach(ctx, id, os.Stdout)
	if errors.Is(err, context.Canceled) {
		fmt.Printf("\ndetached; job %s keeps running (%s jobs attach %s)\n", job.ShortID(), programName, job.ShortID())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("\njob %s %s: %d/%d done, %d errors\n", job.ShortID(), job.Status, job.Done, job.Total, job.Errors)
	return nil
}

func runJobsStop(args []string) error {
	fs := flag.NewFlagSet("jobs stop", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	id, err := parseWithJobID(fs, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.supervisor().Stop(ctx, id)
	if errors.Is(err, jobs.ErrProcessGone) {
		fmt.Printf("job %s was no longer running; marked %s\n", job.ShortID(), job.Status)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("stop signal sent to job %s (pid %d)\n", job.ShortID(), job.PID)
	return nil
}

func runJobsRetry(args []string) error {
	fs := flag.NewFlagSet("jobs retry", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	fs.SetOutput(flag.CommandLine.Output())
	id, err := parseWithJobID(fs, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, cf, false)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.supervisor().Retry(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("job_id: %s\n", job.ID)
	fmt.Printf("command: %s\n", job.Command)
	fmt.Printf("attach: %s jobs attach %s\n", programName, job.ShortID())
	return nil
}

func runJobsClean(args []string) error {
	fs := flag.NewFlagSet("jobs clean", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	olderThan := fs.Duration("older-than", 0, "delete finished jobs older than this (default: job_retention from config)")
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

	maxAge := *olderThan
	if maxAge <= 0 {
		maxAge = a.cfg.JobRetention
	}
	n, err := a.supervisor().Cleanup(ctx, maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("deleted: %d\n", n)
	return nil
}

func runJobsWatch(args []string) error {
	fs := flag.NewFlagSet("jobs watch", flag.ContinueOnError)
	cf := addCommonFlags(fs)
	refresh := fs.Duration("refresh", dashboard.DefaultRefresh, "refresh interval")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() || !stdoutIsTTY() {
		return errors.New("jobs watch requires an interactive terminal (TTY); use jobs list")
	}

	a, err := openApp(context.Background(), cf, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return dashboard.Run(jobSource{sup: a.supervisor()}, *refresh)
}

// jobSource adapts the supervisor to the dashboard.
type jobSource struct {
	sup *jobs.Supervisor
}

func (s jobSource) List(ctx context.Context) ([]model.JobRecord, error) {
	return s.sup.List(ctx, jobs.ListFilter{})
}

func (s jobSource) Stop(ctx context.Context, id string) error {
	_, err := s.sup.Stop(ctx, id)
	return err
}

// parseWithJobID accepts the job id before or after the flags.
func parseWithJobID(fs *flag.FlagSet, args []string) (string, error) {
	id := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if strings.TrimSpace(id) == "" {
		fs.Usage()
		return "", errors.New("job id is required")
	}
	return strings.TrimSpace(id), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
