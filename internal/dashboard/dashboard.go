// Package dashboard renders a live view of background jobs for `jobs watch`.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"yt-digest/internal/model"
)

const DefaultRefresh = time.Second

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	selStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Source supplies the job rows and the stop action.
type Source interface {
	List(ctx context.Context) ([]model.JobRecord, error)
	Stop(ctx context.Context, id string) error
}

type jobsLoadedMsg struct {
	jobs []model.JobRecord
	err  error
}

type stopDoneMsg struct {
	id  string
	err error
}

type tickMsg time.Time

type Model struct {
	source  Source
	refresh time.Duration
	now     func() time.Time

	jobs   []model.JobRecord
	cursor int
	width  int
	height int
	bar    progress.Model
	status string
	err    error
}

func New(source Source, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return Model{
		source:  source,
		refresh: refresh,
		now:     time.Now,
		width:   100,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Run blocks until the user quits.
func Run(source Source, refresh time.Duration) error {
	p := tea.NewProgram(New(source, refresh), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("jobs watch requires an interactive terminal (TTY)")
		}
		return err
	}
	if m, ok := final.(Model); ok {
		return m.err
	}
	return nil
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

func (m Model) load() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		jobs, err := src.List(context.Background())
		return jobsLoadedMsg{jobs: jobs, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) stop(id string) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		return stopDoneMsg{id: id, err: src.Stop(context.Background(), id)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())
	case jobsLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.jobs = msg.jobs
		m.cursor = clampInt(m.cursor, 0, max(len(m.jobs)-1, 0))
		return m, nil
	case stopDoneMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = "sent stop to " + msg.id
		}
		return m, m.load()
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
	case "r":
		return m, m.load()
	case "s":
		if m.cursor < len(m.jobs) && m.jobs[m.cursor].Status == model.StatusRunning {
			id := m.jobs[m.cursor].ID
			m.status = "stopping " + model.JobRecord{ID: id}.ShortID() + "..."
			return m, m.stop(id)
		}
		m.status = "selected job is not running"
	}
	return m, nil
}

func (m Model) View() string {
	header := titleStyle.Render("yt-digest jobs") + "\n" +
		mutedStyle.Render("up/down: move | s: stop | r: refresh | q: quit")

	var rows []string
	if len(m.jobs) == 0 {
		rows = append(rows, mutedStyle.Render("(no jobs)"))
	}
	barWidth := clampInt(m.width-70, 10, 40)
	for i, j := range m.jobs {
		line := m.renderJob(j, barWidth)
		if i == m.cursor {
			line = selStyle.Render(line)
		}
		rows = append(rows, line)
	}
	body := panelStyle.Width(clampInt(m.width-2, 40, 160)).Render(strings.Join(rows, "\n"))

	status := ""
	if m.status != "" {
		status = mutedStyle.Render(m.status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, status)
}

func (m Model) renderJob(j model.JobRecord, barWidth int) string {
	bar := m.bar
	bar.Width = barWidth
	pct := 0.0
	if j.Total > 0 {
		pct = float64(j.Done) / float64(j.Total)
	}
	counts := fmt.Sprintf("%d/%d", j.Done, j.Total)
	if j.Errors > 0 {
		counts += fmt.Sprintf(" (%d err)", j.Errors)
	}
	return fmt.Sprintf("%-8s %s %s %-14s %6s  %s",
		j.ShortID(),
		statusLabel(j.Status),
		bar.ViewAs(pct),
		counts,
		FormatDuration(j.Duration(m.now())),
		truncate(j.Command, 40),
	)
}

func statusLabel(status string) string {
	label := fmt.Sprintf("%-9s", status)
	switch status {
	case model.StatusRunning:
		return runningStyle.Render(label)
	case model.StatusCompleted:
		return okStyle.Render(label)
	case model.StatusFailed:
		return errorStyle.Render(label)
	default:
		return mutedStyle.Render(label)
	}
}

// FormatDuration renders a compact elapsed time: 45s, 12m, 3h 5m, 2d 4h.
func FormatDuration(d time.Duration) string {
	secs := int64(math.Round(d.Seconds()))
	if secs < 60 {
		return fmt.Sprintf("%ds", max(secs, 0))
	}
	minutes := secs / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remMinutes := minutes % 60
	if hours < 24 {
		if remMinutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh %dm", hours, remMinutes)
	}
	days := hours / 24
	remHours := hours % 24
	if remHours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, remHours)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
