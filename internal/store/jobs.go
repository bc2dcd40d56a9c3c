package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pdfqueue/internal/model"
)

const jobColumns = `
	id, url, file_name, doc_type, owner_id, profile, options,
	state, progress, attempts, max_attempts,
	backoff_base_ms, backoff_cap_ms, keep_completed_ms, keep_failed_ms,
	lease_token, lease_until, last_error, result,
	created_at, updated_at, available_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                                 model.Job
		options                           string
		state                             string
		baseMS, capMS, keepDone, keepFail int64
		leaseUntil, result, finishedAt    sql.NullString
		createdAt, updatedAt, availableAt string
	)
	err := row.Scan(
		&j.ID, &j.Payload.URL, &j.Payload.FileName, &j.Payload.Type, &j.Payload.OwnerID, &j.Payload.Profile, &options,
		&state, &j.Progress, &j.Attempts, &j.MaxAttempts,
		&baseMS, &capMS, &keepDone, &keepFail,
		&j.LeaseToken, &leaseUntil, &j.LastError, &result,
		&createdAt, &updatedAt, &availableAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = model.State(state)
	j.Backoff = model.Backoff{Base: ms(baseMS), Cap: ms(capMS)}
	j.Retention = model.Retention{Completed: ms(keepDone), Failed: ms(keepFail)}
	if options != "" && options != "{}" {
		if err := json.Unmarshal([]byte(options), &j.Payload.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", j.ID, err)
		}
	}
	if result.Valid {
		j.Result = &model.Result{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", j.ID, err)
		}
	}
	if leaseUntil.Valid {
		j.LeaseUntil = parseTime(leaseUntil.String)
	}
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		j.FinishedAt = &t
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.AvailableAt = parseTime(availableAt)
	return &j, nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Enqueue inserts a queued job. A positive ceiling makes the insert
// conditional on fewer than ceiling outstanding jobs, atomically, and
// ErrAtCapacity is returned when it is not.
func (s *Store) Enqueue(ctx context.Context, j *model.Job, ceiling int) error {
	now := time.Now().UTC()

	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	if j.State == "" {
		j.State = model.StateQueued
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}

	options := "{}"
	if len(j.Payload.Options) > 0 {
		b, err := json.Marshal(j.Payload.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		options = string(b)
	}

	args := []any{
		j.ID, j.Payload.URL, j.Payload.FileName, j.Payload.Type, j.Payload.OwnerID, j.Payload.Profile, options,
		string(j.State), j.Attempts, j.MaxAttempts,
		j.Backoff.Base.Milliseconds(), j.Backoff.Cap.Milliseconds(),
		j.Retention.Completed.Milliseconds(), j.Retention.Failed.Milliseconds(),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), formatTime(j.AvailableAt),
	}

	q := `
INSERT INTO jobs (id, url, file_name, doc_type, owner_id, profile, options,
                  state, attempts, max_attempts,
                  backoff_base_ms, backoff_cap_ms, keep_completed_ms, keep_failed_ms,
                  created_at, updated_at, available_at)
`
	if ceiling > 0 {
		q += `SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE (SELECT COUNT(*) FROM jobs WHERE state IN ('queued','active')) < ?`
		args = append(args, ceiling)
	} else {
		q += `VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}

	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAtCapacity
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// CountOutstanding counts jobs that are queued or running.
func (s *Store) CountOutstanding(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN ('queued','active')`).Scan(&n)
	return n, err
}

// ClaimOne moves the next available queued job to active, counts the
// attempt and hands the caller a lease until now+lease. It returns nil when
// nothing is ready.
func (s *Store) ClaimOne(ctx context.Context, now time.Time, lease time.Duration, token string) (*model.Job, error) {
	// SERIALIZABLE = does the safe row-locking we need in SQLite
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM jobs
		WHERE state='queued'
		  AND available_at <= ?
		ORDER BY available_at ASC, created_at ASC
		LIMIT 1
	`, formatTime(now)).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state='active', attempts=attempts+1, progress=0,
		    lease_token=?, lease_until=?, updated_at=?
		WHERE id=? AND state='queued'
	`, token, formatTime(now.Add(lease)), formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	// If 0 rows were updated -> another worker grabbed it first
	if rows, _ := res.RowsAffected(); rows != 1 {
		return nil, nil
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload job after claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("tx commit: %w", err)
	}
	return j, nil
}

// UpdateProgress raises the progress of an active job; it never lowers it.
func (s *Store) UpdateProgress(ctx context.Context, id, token string, progress int, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET progress=MAX(progress, ?), updated_at=?
		WHERE id=? AND state='active' AND lease_token=?
	`, progress, formatTime(now), id, token)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return leaseHeld(res)
}

func (s *Store) Complete(ctx context.Context, j *model.Job, result model.Result, now time.Time) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state='completed', progress=100, result=?, last_error='',
		    lease_token='', lease_until=NULL,
		    updated_at=?, finished_at=?, expires_at=?
		WHERE id=? AND state='active' AND lease_token=?
	`, string(b), formatTime(now), formatTime(now), expiry(now, j.Retention.Completed),
		j.ID, j.LeaseToken)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return leaseHeld(res)
}

// FailRetry records a failed attempt. While attempts remain the job goes
// back to queued after its backoff delay; otherwise it becomes failed and
// terminal is true.
func (s *Store) FailRetry(ctx context.Context, j *model.Job, now time.Time, execErr error) (bool, error) {
	reason := "unknown error"
	if execErr != nil {
		reason = execErr.Error()
	}

	if j.Attempts >= j.MaxAttempts {
		res, err := s.DB.ExecContext(ctx, `
			UPDATE jobs
			SET state='failed', last_error=?, lease_token='', lease_until=NULL,
			    updated_at=?, finished_at=?, expires_at=?
			WHERE id=? AND state='active' AND lease_token=?
		`, reason, formatTime(now), formatTime(now), expiry(now, j.Retention.Failed),
			j.ID, j.LeaseToken)
		if err != nil {
			return false, fmt.Errorf("fail job: %w", err)
		}
		return true, leaseHeld(res)
	}

	available := now.Add(j.Backoff.Delay(j.Attempts))

	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET state='queued', last_error=?, lease_token='', lease_until=NULL,
		    available_at=?, updated_at=?
		WHERE id=? AND state='active' AND lease_token=?
	`, reason, formatTime(available), formatTime(now), j.ID, j.LeaseToken)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return false, leaseHeld(res)
}

// ExpiredLeases returns active jobs whose lock ran out before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state='active' AND lease_until IS NOT NULL AND lease_until < ?
	`, formatTime(now))
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

// Prune deletes terminal jobs whose retention window has passed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed','failed') AND expires_at IS NOT NULL AND expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func expiry(now time.Time, keep time.Duration) any {
	if keep <= 0 {
		return nil
	}
	t := now.Add(keep)
	return nullTime(&t)
}

func leaseHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// HasReady reports whether a queued job is available at now.
func (s *Store) HasReady(ctx context.Context, now time.Time) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM jobs WHERE state='queued' AND available_at <= ? LIMIT 1
	`, formatTime(now)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ready jobs: %w", err)
	}
	return true, nil
}
