// Package postgres stores executor instance addresses and job instance
// lifecycles in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// ExecutorsTable holds one row per (executor name, instance address).
const ExecutorsTable = "pulsejob_executors"

// JobInstancesTable holds one row per triggered job instance.
const JobInstancesTable = "pulsejob_job_instances"

const schema = `
	CREATE TABLE IF NOT EXISTS pulsejob_executors (
		executor_name VARCHAR(255) NOT NULL,
		address VARCHAR(255) NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (executor_name, address)
	);

	CREATE INDEX IF NOT EXISTS idx_pulsejob_executors_last_seen
		ON pulsejob_executors(last_seen_at);

	CREATE TABLE IF NOT EXISTS pulsejob_job_instances (
		id BIGINT PRIMARY KEY,
		job_id BIGINT NOT NULL,
		executor_name VARCHAR(255) NOT NULL,
		handler VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		status_rank SMALLINT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		address VARCHAR(255) NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pulsejob_job_instances_job_id
		ON pulsejob_job_instances(job_id);
`

// DB is a pooled connection to the executor store.
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB validates config and opens a pool. It does not contact the server;
// call Ping for that.
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	return &DB{conn: conn, config: config}, nil
}

func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Connection exposes the pool for maintenance tools.
func (db *DB) Connection() *sql.DB { return db.conn }

func (db *DB) Config() *Config { return db.config }

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema creates the tables and their indexes if missing.
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
