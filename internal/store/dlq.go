package store

import (
	"context"
	"fmt"
	"time"

	"pdfqueue/internal/model"
)

// ListFailed returns terminally failed jobs, most recent first. They stay
// in the jobs table for inspection until pruned or retried.
func (s *Store) ListFailed(ctx context.Context) ([]model.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state='failed'
		ORDER BY finished_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// RetryFailed puts a failed job back in the queue with its attempts reset.
// A positive ceiling applies the same admission rule as Enqueue and
// ErrAtCapacity is returned when the queue is full.
func (s *Store) RetryFailed(ctx context.Context, jobID string, now time.Time, ceiling int) error {
	q := `
		UPDATE jobs
		SET state='queued', attempts=0, progress=0, last_error='',
		    available_at=?, updated_at=?, finished_at=NULL, expires_at=NULL
		WHERE id=? AND state='failed'
	`
	args := []any{formatTime(now), formatTime(now), jobID}
	if ceiling > 0 {
		q += ` AND (SELECT COUNT(*) FROM jobs WHERE state IN ('queued','active')) < ?`
		args = append(args, ceiling)
	}

	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("retry failed job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var state string
	err = s.DB.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, jobID).Scan(&state)
	if err == nil && model.State(state) == model.StateFailed {
		return ErrAtCapacity
	}
	return ErrJobNotFound
}
