package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"yt-digest/internal/model"
)

var ErrVideoNotFound = errors.New("video not found")

func (s *Store) UpsertVideo(ctx context.Context, v model.Video) error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("video id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (id, channel_id, title, url, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			title = excluded.title,
			url = excluded.url`,
		v.ID, v.ChannelID, v.Title, v.URL, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("upsert video %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) GetVideo(ctx context.Context, id string) (model.Video, error) {
	var v model.Video
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, title, url FROM videos WHERE id = ?`, id).
		Scan(&v.ID, &v.ChannelID, &v.Title, &v.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Video{}, fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}
	if err != nil {
		return model.Video{}, fmt.Errorf("get video %s: %w", id, err)
	}
	return v, nil
}

func (s *Store) SaveTranscript(ctx context.Context, videoID, body string) error {
	return s.saveOutput(ctx, "transcripts", videoID, body)
}

func (s *Store) SaveSummary(ctx context.Context, videoID, body string) error {
	return s.saveOutput(ctx, "summaries", videoID, body)
}

func (s *Store) GetTranscript(ctx context.Context, videoID string) (string, error) {
	return s.getOutput(ctx, "transcripts", videoID)
}

func (s *Store) GetSummary(ctx context.Context, videoID string) (string, error) {
	return s.getOutput(ctx, "summaries", videoID)
}

func (s *Store) SaveScore(ctx context.Context, videoID string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (video_id, score, created_at) VALUES (?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET score = excluded.score, created_at = excluded.created_at`,
		videoID, score, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save score for %s: %w", videoID, err)
	}
	return nil
}

// table names are fixed by callers, never user input
func (s *Store) saveOutput(ctx context.Context, table, videoID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (video_id, body, created_at) VALUES (?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET body = excluded.body, created_at = excluded.created_at`,
		videoID, body, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save %s for %s: %w", strings.TrimSuffix(table, "s"), videoID, err)
	}
	return nil
}

func (s *Store) getOutput(ctx context.Context, table, videoID string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM `+table+` WHERE video_id = ?`, videoID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no %s for %s", ErrVideoNotFound, strings.TrimSuffix(table, "s"), videoID)
	}
	if err != nil {
		return "", fmt.Errorf("get %s for %s: %w", strings.TrimSuffix(table, "s"), videoID, err)
	}
	return body, nil
}

// VideosMissingTranscript lists videos without a transcript, optionally
// limited to one channel.
func (s *Store) VideosMissingTranscript(ctx context.Context, channelID string) ([]string, error) {
	if strings.TrimSpace(channelID) != "" {
		return s.queryIDs(ctx, `
			SELECT v.id FROM videos v
			LEFT JOIN transcripts t ON t.video_id = v.id
			WHERE t.video_id IS NULL AND v.channel_id = ?
			ORDER BY v.created_at, v.id`, channelID)
	}
	return s.queryIDs(ctx, `
		SELECT v.id FROM videos v
		LEFT JOIN transcripts t ON t.video_id = v.id
		WHERE t.video_id IS NULL
		ORDER BY v.created_at, v.id`)
}

func (s *Store) VideosReadyForSummary(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT t.video_id FROM transcripts t
		LEFT JOIN summaries m ON m.video_id = t.video_id
		WHERE m.video_id IS NULL
		ORDER BY t.created_at, t.video_id`)
}

func (s *Store) VideosReadyForScore(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT m.video_id FROM summaries m
		LEFT JOIN scores c ON c.video_id = m.video_id
		WHERE c.video_id IS NULL
		ORDER BY m.created_at, m.video_id`)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query video ids: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan video id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type ContentCounts struct {
	Videos      int `json:"videos"`
	Transcripts int `json:"transcripts"`
	Summaries   int `json:"summaries"`
	Scores      int `json:"scores"`
}

func (s *Store) Counts(ctx context.Context) (ContentCounts, error) {
	var c ContentCounts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM videos),
		(SELECT COUNT(*) FROM transcripts),
		(SELECT COUNT(*) FROM summaries),
		(SELECT COUNT(*) FROM scores)`).Scan(&c.Videos, &c.Transcripts, &c.Summaries, &c.Scores)
	if err != nil {
		return ContentCounts{}, fmt.Errorf("count content: %w", err)
	}
	return c, nil
}
