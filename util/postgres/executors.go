package postgres

import (
	"context"
	"fmt"
	"time"
)

// ExecutorRecord is one registered executor instance.
type ExecutorRecord struct {
	ExecutorName string
	Address      string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

// RegisterExecutor records that address serves executorName. Registering an
// existing pair refreshes its last-seen time.
func (db *DB) RegisterExecutor(ctx context.Context, executorName, address string) error {
	if executorName == "" {
		return fmt.Errorf("executor_name cannot be empty")
	}
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	query := `
		INSERT INTO pulsejob_executors (executor_name, address, registered_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (executor_name, address) DO UPDATE
		SET last_seen_at = $3
	`
	if _, err := db.conn.ExecContext(ctx, query, executorName, address, time.Now()); err != nil {
		return fmt.Errorf("failed to register executor: %w", err)
	}
	return nil
}

// TouchExecutor refreshes the last-seen time of a registered address.
func (db *DB) TouchExecutor(ctx context.Context, executorName, address string) error {
	query := `
		UPDATE pulsejob_executors SET last_seen_at = $3
		WHERE executor_name = $1 AND address = $2
	`
	if _, err := db.conn.ExecContext(ctx, query, executorName, address, time.Now()); err != nil {
		return fmt.Errorf("failed to touch executor: %w", err)
	}
	return nil
}

// DeregisterExecutor removes one address of executorName. Removing an
// unknown pair is not an error.
func (db *DB) DeregisterExecutor(ctx context.Context, executorName, address string) error {
	query := `DELETE FROM pulsejob_executors WHERE executor_name = $1 AND address = $2`
	if _, err := db.conn.ExecContext(ctx, query, executorName, address); err != nil {
		return fmt.Errorf("failed to deregister executor: %w", err)
	}
	return nil
}

// ListExecutors returns the addresses of executorName ordered by address.
func (db *DB) ListExecutors(ctx context.Context, executorName string) ([]ExecutorRecord, error) {
	query := `
		SELECT executor_name, address, registered_at, last_seen_at
		FROM pulsejob_executors
		WHERE executor_name = $1
		ORDER BY address
	`
	rows, err := db.conn.QueryContext(ctx, query, executorName)
	if err != nil {
		return nil, fmt.Errorf("failed to list executors: %w", err)
	}
	defer rows.Close()

	var records []ExecutorRecord
	for rows.Next() {
		var r ExecutorRecord
		if err := rows.Scan(&r.ExecutorName, &r.Address, &r.RegisteredAt, &r.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan executor: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executors: %w", err)
	}
	return records, nil
}

// ExpireExecutors deletes addresses not seen since before cutoff and returns
// how many were removed.
func (db *DB) ExpireExecutors(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM pulsejob_executors WHERE last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire executors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired executors: %w", err)
	}
	return n, nil
}
