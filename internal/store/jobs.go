package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"yt-digest/internal/model"
)

const jobColumns = `id, command, status, pid, log_file, started_at, finished_at, total, done, errors, error_message`

func (s *Store) CreateJob(ctx context.Context, id, command, logFile string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("job id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, command, status, pid, log_file, started_at) VALUES (?, ?, ?, -1, ?, ?)`,
		id, command, model.StatusRunning, logFile, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetJobPID(ctx context.Context, id string, pid int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET pid = ? WHERE id = ? AND status = ?`, pid, id, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("set pid for job %s: %w", id, err)
	}
	return requireRow(res, id)
}

// GetJob resolves an exact id first, then the most recent job whose id starts
// with the given prefix.
func (s *Store) GetJob(ctx context.Context, idOrPrefix string) (model.JobRecord, error) {
	key := strings.TrimSpace(idOrPrefix)
	if key == "" {
		return model.JobRecord{}, ErrJobNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, key)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, fmt.Errorf("get job %s: %w", key, err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id LIKE ? ESCAPE '\' ORDER BY started_at DESC LIMIT 1`,
		escapeLike(key)+"%")
	job, err = scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobRecord{}, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("get job %s: %w", key, err)
	}
	return job, nil
}

// UpdateJobProgress writes the counters of a running job. done counts every
// processed item and errs the failed subset. Rows that already reached a
// terminal status are left untouched.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, total, done, errs int) error {
	if errs < 0 || errs > done || done > total {
		return fmt.Errorf("job %s progress out of range: done=%d errors=%d total=%d", id, done, errs, total)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET total = ?, done = ?, errors = ? WHERE id = ? AND status = ?`,
		total, done, errs, id, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

// FinalizeJob moves a running job to a terminal status. It reports false when
// the job was already terminal, so the first finalizer wins.
func (s *Store) FinalizeJob(ctx context.Context, id, status, message string) (bool, error) {
	if !model.IsTerminal(status) {
		return false, fmt.Errorf("finalize job %s: %q is not a terminal status", id, status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin finalize job %s: %w", id, err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", id, err)
	}
	if model.IsTerminal(job.Status) {
		return false, nil
	}
	if err := model.TransitionJobStatus(&job, status, truncate(message, 500)); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, pid = ?, finished_at = ?, error_message = ? WHERE id = ? AND status = ?`,
		job.Status, job.PID, formatTime(s.now()), nullString(job.ErrorMessage), id, model.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("finalize job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) MarkJobStale(ctx context.Context, id string) (bool, error) {
	return s.FinalizeJob(ctx, id, model.StatusFailed, model.StaleJobMessage)
}

func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]model.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY started_at DESC LIMIT ?`, status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]model.JobRecord, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DeleteFinishedJobs removes terminal jobs that finished before cutoff and
// returns the deleted rows so callers can remove their log files.
func (s *Store) DeleteFinishedJobs(ctx context.Context, cutoff time.Time) ([]model.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin job cleanup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?`,
		model.StatusRunning, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select finished jobs: %w", err)
	}
	var deleted []model.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		deleted = append(deleted, job)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, job := range deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
			return nil, fmt.Errorf("delete job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job cleanup: %w", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (model.JobRecord, error) {
	var (
		job        model.JobRecord
		startedAt  string
		finishedAt sql.NullString
		errMsg     sql.NullString
	)
	if err := r.Scan(&job.ID, &job.Command, &job.Status, &job.PID, &job.LogFile,
		&startedAt, &finishedAt, &job.Total, &job.Done, &job.Errors, &errMsg); err != nil {
		return model.JobRecord{}, err
	}
	job.StartedAt = parseTime(startedAt)
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		job.FinishedAt = &t
	}
	job.ErrorMessage = errMsg.String
	return job, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
