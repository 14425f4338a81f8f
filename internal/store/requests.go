package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LogRequest appends one external request event and prunes events older than
// retention. Pruning failures do not fail the insert.
func (s *Store) LogRequest(ctx context.Context, kind string, retention time.Duration) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("request kind is required")
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (timestamp, request_type) VALUES (?, ?)`, formatTime(now), kind); err != nil {
		return fmt.Errorf("log %s request: %w", kind, err)
	}
	if retention > 0 {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM request_log WHERE timestamp < ?`, formatTime(now.Add(-retention)))
	}
	return nil
}

// CountRequests counts events newer than now-window. An empty kind counts
// every kind.
func (s *Store) CountRequests(ctx context.Context, kind string, window time.Duration) (int, error) {
	since := formatTime(s.now().Add(-window))
	var (
		n   int
		err error
	)
	if strings.TrimSpace(kind) == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM request_log WHERE timestamp > ?`, since).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM request_log WHERE timestamp > ? AND request_type = ?`, since, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}
