package store

import (
	"context"

	"pdfqueue/internal/model"
)

func (s *Store) ListJobs(ctx context.Context, state model.State) ([]model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}

	if state != "" {
		q += " WHERE state = ?"
		args = append(args, string(state))
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *j)
	}
	return result, rows.Err()
}

// QueueStatus returns the number of jobs in every state.
func (s *Store) QueueStatus(ctx context.Context) (map[model.State]int, error) {
	stats := map[model.State]int{
		model.StateQueued:    0,
		model.StateActive:    0,
		model.StateCompleted: 0,
		model.StateFailed:    0,
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, err
		}
		stats[model.State(st)] = count
	}
	return stats, rows.Err()
}
