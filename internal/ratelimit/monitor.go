// Package ratelimit watches the rate of outbound requests against the video
// platform and retries transiently failing calls with capped exponential
// backoff. The monitor only warns; it never blocks callers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultWarnPerHour = 200
	DefaultHighPerHour = 400
	DefaultRetention   = 24 * time.Hour
)

type Level int

const (
	LevelNone Level = iota
	LevelElevated
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	default:
		return "ok"
	}
}

// RequestLog is the shared, cross-process event store.
type RequestLog interface {
	LogRequest(ctx context.Context, kind string, retention time.Duration) error
	CountRequests(ctx context.Context, kind string, window time.Duration) (int, error)
}

type Thresholds struct {
	WarnPerHour int
	HighPerHour int
	Retention   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnPerHour: DefaultWarnPerHour,
		HighPerHour: DefaultHighPerHour,
		Retention:   DefaultRetention,
	}
}

type Monitor struct {
	log        RequestLog
	thresholds Thresholds
	logger     *slog.Logger
}

func NewMonitor(log RequestLog, thresholds Thresholds, logger *slog.Logger) *Monitor {
	def := DefaultThresholds()
	if thresholds.WarnPerHour <= 0 {
		thresholds.WarnPerHour = def.WarnPerHour
	}
	if thresholds.HighPerHour < thresholds.WarnPerHour {
		thresholds.HighPerHour = max(def.HighPerHour, thresholds.WarnPerHour)
	}
	if thresholds.Retention <= 0 {
		thresholds.Retention = def.Retention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{log: log, thresholds: thresholds, logger: logger}
}

func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Record logs one request event. Errors are logged, never returned: rate
// accounting must not fail the work it observes.
func (m *Monitor) Record(ctx context.Context, kind string) {
	if m == nil || m.log == nil {
		return
	}
	if err := m.log.LogRequest(ctx, kind, m.thresholds.Retention); err != nil {
		m.logger.Warn("request log write failed", "kind", kind, "error", err)
	}
}

func (m *Monitor) CountSince(ctx context.Context, kind string, window time.Duration) (int, error) {
	return m.log.CountRequests(ctx, kind, window)
}

// ShouldWarn classifies the request count of the last hour.
func (m *Monitor) ShouldWarn(ctx context.Context) (Level, int, error) {
	n, err := m.log.CountRequests(ctx, "", time.Hour)
	if err != nil {
		return LevelNone, 0, err
	}
	switch {
	case n >= m.thresholds.HighPerHour:
		return LevelHigh, n, nil
	case n >= m.thresholds.WarnPerHour:
		return LevelElevated, n, nil
	default:
		return LevelNone, n, nil
	}
}

type Status struct {
	LastHour int    `json:"count_1h"`
	LastDay  int    `json:"count_24h"`
	Level    string `json:"level"`
	Warning  string `json:"warning,omitempty"`
}

func (m *Monitor) Status(ctx context.Context) (Status, error) {
	level, hour, err := m.ShouldWarn(ctx)
	if err != nil {
		return Status{}, err
	}
	day, err := m.log.CountRequests(ctx, "", 24*time.Hour)
	if err != nil {
		return Status{}, err
	}
	return Status{
		LastHour: hour,
		LastDay:  day,
		Level:    level.String(),
		Warning:  m.warningText(level, hour),
	}, nil
}

func (m *Monitor) warningText(level Level, n int) string {
	switch level {
	case LevelHigh:
		return fmt.Sprintf("high request rate: %d requests in the last hour (threshold %d); reduce --workers or wait", n, m.thresholds.HighPerHour)
	case LevelElevated:
		return fmt.Sprintf("elevated request rate: %d requests in the last hour (threshold %d); watch for HTTP 429", n, m.thresholds.WarnPerHour)
	default:
		return ""
	}
}

// Warn logs the current level when it is above normal. It is called before
// bulk operations start.
func (m *Monitor) Warn(ctx context.Context) Level {
	level, n, err := m.ShouldWarn(ctx)
	if err != nil {
		m.logger.Debug("rate check failed", "error", err)
		return LevelNone
	}
	if level != LevelNone {
		m.logger.Warn(m.warningText(level, n), "level", level.String())
	}
	return level
}
