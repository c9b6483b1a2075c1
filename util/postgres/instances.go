package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrJobInstanceNotFound is returned for an unknown instance id.
var ErrJobInstanceNotFound = errors.New("job instance not found")

// JobInstanceRecord is one row of pulsejob_job_instances. StatusRank orders
// the statuses of one attempt; a row never moves to a lower rank within an
// attempt or back to an earlier attempt.
type JobInstanceRecord struct {
	ID           int64
	JobID        int64
	ExecutorName string
	Handler      string
	Status       string
	StatusRank   int
	Attempt      int
	Address      string
	Message      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateJobInstance inserts r. Creating an existing id is an error.
func (db *DB) CreateJobInstance(ctx context.Context, r JobInstanceRecord) error {
	if r.ID == 0 {
		return fmt.Errorf("job instance id cannot be zero")
	}
	if r.ExecutorName == "" {
		return fmt.Errorf("executor_name cannot be empty")
	}

	now := time.Now()
	query := `
		INSERT INTO pulsejob_job_instances
			(id, job_id, executor_name, handler, status, status_rank, attempt, address, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`
	_, err := db.conn.ExecContext(ctx, query, r.ID, r.JobID, r.ExecutorName, r.Handler,
		r.Status, r.StatusRank, r.Attempt, r.Address, r.Message, now)
	if err != nil {
		return fmt.Errorf("failed to create job instance: %w", err)
	}
	return nil
}

// UpdateJobInstance moves instance id to status. The update applies only to
// a later attempt, or to the same attempt at a higher rank; it reports
// whether the row changed. An empty address keeps the stored one.
func (db *DB) UpdateJobInstance(ctx context.Context, id int64, attempt int, status string, rank int, address, message string) (bool, error) {
	query := `
		UPDATE pulsejob_job_instances
		SET status = $3, status_rank = $4, attempt = $2,
			address = CASE WHEN $5 = '' THEN address ELSE $5 END,
			message = $6, updated_at = $7
		WHERE id = $1 AND (attempt < $2 OR (attempt = $2 AND status_rank < $4))
	`
	res, err := db.conn.ExecContext(ctx, query, id, attempt, status, rank, address, message, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to update job instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count updated job instances: %w", err)
	}
	return n > 0, nil
}

const jobInstanceColumns = `id, job_id, executor_name, handler, status, status_rank, attempt, address, message, created_at, updated_at`

func scanJobInstance(row interface{ Scan(...any) error }) (*JobInstanceRecord, error) {
	var r JobInstanceRecord
	err := row.Scan(&r.ID, &r.JobID, &r.ExecutorName, &r.Handler, &r.Status, &r.StatusRank,
		&r.Attempt, &r.Address, &r.Message, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetJobInstance returns instance id or ErrJobInstanceNotFound.
func (db *DB) GetJobInstance(ctx context.Context, id int64) (*JobInstanceRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+jobInstanceColumns+` FROM pulsejob_job_instances WHERE id = $1`, id)
	r, err := scanJobInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrJobInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job instance: %w", err)
	}
	return r, nil
}

// ListJobInstances returns the instances of jobID, newest first.
func (db *DB) ListJobInstances(ctx context.Context, jobID int64) ([]*JobInstanceRecord, error) {
	query := `SELECT ` + jobInstanceColumns + `
		FROM pulsejob_job_instances
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := db.conn.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job instances: %w", err)
	}
	defer rows.Close()

	var records []*JobInstanceRecord
	for rows.Next() {
		r, err := scanJobInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job instance: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job instances: %w", err)
	}
	return records, nil
}
