package store

import (
	"context"
	"fmt"

	"yt-digest/internal/model"
)

func (s *Store) LogWork(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_ledger (video_id, operation, status, started_at, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.VideoID, e.Operation, e.Status, formatTime(e.StartedAt), e.Duration.Milliseconds(),
		nullString(truncate(e.ErrorMessage, 1200)))
	if err != nil {
		return fmt.Errorf("log work for %s/%s: %w", e.VideoID, e.Operation, err)
	}
	return nil
}

// WorkHistory returns ledger rows for one video, newest first.
func (s *Store) WorkHistory(ctx context.Context, videoID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT video_id, operation, status, started_at, duration_ms, COALESCE(error_message, '')
		FROM work_ledger WHERE video_id = ? ORDER BY id DESC LIMIT ?`, videoID, limit)
	if err != nil {
		return nil, fmt.Errorf("work history for %s: %w", videoID, err)
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		var (
			e          model.LedgerEntry
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&e.VideoID, &e.Operation, &e.Status, &startedAt, &durationMS, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.StartedAt = parseTime(startedAt)
		e.Duration = msToDuration(durationMS)
		out = append(out, e)
	}
	return out, rows.Err()
}
