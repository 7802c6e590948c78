package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertJobRun records a started job.
func (db *DB) InsertJobRun(ctx context.Context, j JobRun) error {
	if j.StartedAt == 0 {
		j.StartedAt = time.Now().UnixMilli()
	}
	if j.Params == "" {
		j.Params = "{}"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_runs (id, kind, params, status, started_at)
		VALUES (?, ?, ?, 'running', ?)`,
		j.ID, j.Kind, j.Params, j.StartedAt)
	return err
}

// FinishJobRun stores the outcome of a job.
func (db *DB) FinishJobRun(ctx context.Context, j JobRun) error {
	if j.FinishedAt == 0 {
		j.FinishedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, result = ?, total = ?, processed = ?, failed = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		j.Status, j.Result, j.Total, j.Processed, j.Failed, j.Error, j.FinishedAt, j.ID)
	return err
}

// GetJobRun returns one job or ErrNotFound.
func (db *DB) GetJobRun(ctx context.Context, id string) (JobRun, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, kind, params, status, result, total, processed, failed, error, started_at, finished_at
		FROM job_runs WHERE id = ?`, id)
	j, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return JobRun{}, ErrNotFound
	}
	return j, err
}

// ListJobRuns returns the most recent jobs first.
func (db *DB) ListJobRuns(ctx context.Context, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, params, status, result, total, processed, failed, error, started_at, finished_at
		FROM job_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []JobRun
	for rows.Next() {
		j, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// AbortInterruptedJobs marks jobs left running by a previous process as
// failed/aborted. It returns how many were updated.
func (db *DB) AbortInterruptedJobs(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE job_runs SET status = 'failed', result = 'aborted', error = 'daemon restarted', finished_at = ?
		WHERE status = 'running'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJobRun(s scanner) (JobRun, error) {
	var j JobRun
	err := s.Scan(&j.ID, &j.Kind, &j.Params, &j.Status, &j.Result, &j.Total, &j.Processed, &j.Failed, &j.Error, &j.StartedAt, &j.FinishedAt)
	return j, err
}
