package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xiaonanln/pulsejob/config"
	"github.com/xiaonanln/pulsejob/util/postgres"
)

const (
	commandInit   = "init"
	commandVerify = "verify"
	commandReset  = "reset"
	commandStatus = "status"
	commandExpire = "expire"
)

// Schema constants - MUST be kept in sync with util/postgres/db.go:InitSchema()
const (
	tableExecutors    = "pulsejob_executors"
	tableJobInstances = "pulsejob_job_instances"
	dropSchemaSQL     = `
		DROP TABLE IF EXISTS pulsejob_job_instances CASCADE;
		DROP TABLE IF EXISTS pulsejob_executors CASCADE;
	`
)

var (
	tables  = []string{tableExecutors, tableJobInstances}
	indexes = map[string][]string{
		tableExecutors:    {"idx_pulsejob_executors_last_seen"},
		tableJobInstances: {"idx_pulsejob_job_instances_job_id"},
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		host       = flag.String("host", "localhost", "PostgreSQL host")
		port       = flag.Int("port", 5432, "PostgreSQL port")
		user       = flag.String("user", "pulsejob", "PostgreSQL user")
		password   = flag.String("password", "pulsejob", "PostgreSQL password")
		database   = flag.String("database", "pulsejob", "PostgreSQL database")
		sslmode    = flag.String("sslmode", "disable", "PostgreSQL SSL mode")
		olderThan  = flag.Duration("older-than", 10*time.Minute, "expire: remove instances not seen for this long")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "PostgreSQL maintenance for the pulsejob executor and job instance tables.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  init     Create tables and indexes\n")
		fmt.Fprintf(os.Stderr, "  verify   Verify connection and schema\n")
		fmt.Fprintf(os.Stderr, "  reset    Drop and recreate the schema (WARNING: deletes all data)\n")
		fmt.Fprintf(os.Stderr, "  status   Show registered executor instances\n")
		fmt.Fprintf(os.Stderr, "  expire   Remove instances not seen within --older-than\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: command required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	pgConfig := &postgres.Config{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		Database: *database,
		SSLMode:  *sslmode,
	}
	if *configFile != "" {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
		if cfg.Postgres == nil {
			fmt.Fprintf(os.Stderr, "Error: %s has no postgres section\n", *configFile)
			os.Exit(1)
		}
		pgConfig = cfg.Postgres
	}

	cmd := &command{out: os.Stdout, in: os.Stdin, olderThan: *olderThan}
	if err := cmd.execute(context.Background(), flag.Arg(0), pgConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	out       io.Writer
	in        io.Reader
	olderThan time.Duration
}

func (c *command) execute(ctx context.Context, name string, cfg *postgres.Config) error {
	var run func(context.Context, *postgres.DB) error
	switch name {
	case commandInit:
		run = c.initSchema
	case commandVerify:
		run = c.verify
	case commandReset:
		run = c.reset
	case commandStatus:
		run = c.status
	case commandExpire:
		run = c.expire
	default:
		return fmt.Errorf("unknown command: %s", name)
	}

	db, err := postgres.NewDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	fmt.Fprintf(c.out, "Connected to %s:%d/%s\n", cfg.Host, cfg.Port, cfg.Database)
	return run(ctx, db)
}

func (c *command) initSchema(ctx context.Context, db *postgres.DB) error {
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	for _, table := range tables {
		exists, err := tableExists(ctx, db, table)
		if err != nil {
			return fmt.Errorf("failed to verify table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("table '%s' was not created", table)
		}
		fmt.Fprintf(c.out, "✓ Table '%s' created\n", table)
	}
	return nil
}

func (c *command) verify(ctx context.Context, db *postgres.DB) error {
	complete := true
	for _, table := range tables {
		exists, err := tableExists(ctx, db, table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			fmt.Fprintf(c.out, "✗ Table '%s' does not exist\n", table)
			complete = false
			continue
		}
		fmt.Fprintf(c.out, "✓ Table '%s' exists\n", table)
		for _, idx := range indexes[table] {
			ok, err := indexExists(ctx, db, table, idx)
			if err != nil {
				return fmt.Errorf("failed to check index %s: %w", idx, err)
			}
			if ok {
				fmt.Fprintf(c.out, "✓ Index '%s' exists\n", idx)
			} else {
				fmt.Fprintf(c.out, "✗ Index '%s' does not exist\n", idx)
				complete = false
			}
		}
	}
	if !complete {
		return fmt.Errorf("schema verification failed; run 'init'")
	}
	return nil
}

func (c *command) reset(ctx context.Context, db *postgres.DB) error {
	fmt.Fprint(c.out, "WARNING: this deletes every registered executor and job instance. Continue? (yes/no): ")
	scanner := bufio.NewScanner(c.in)
	if !scanner.Scan() {
		return fmt.Errorf("failed to read input")
	}
	if strings.ToLower(strings.TrimSpace(scanner.Text())) != "yes" {
		fmt.Fprintln(c.out, "Operation cancelled.")
		return nil
	}
	if _, err := db.Connection().ExecContext(ctx, dropSchemaSQL); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	fmt.Fprintln(c.out, "✓ Schema recreated")
	return nil
}

func (c *command) status(ctx context.Context, db *postgres.DB) error {
	rows, err := db.Connection().QueryContext(ctx, `
		SELECT executor_name, COUNT(*), MAX(last_seen_at)
		FROM pulsejob_executors
		GROUP BY executor_name
		ORDER BY executor_name
	`)
	if err != nil {
		return fmt.Errorf("failed to query executors: %w", err)
	}
	defer rows.Close()

	fmt.Fprintln(c.out, "Executors:")
	n := 0
	for rows.Next() {
		var name string
		var instances int
		var lastSeen time.Time
		if err := rows.Scan(&name, &instances, &lastSeen); err != nil {
			return fmt.Errorf("failed to scan executor row: %w", err)
		}
		fmt.Fprintf(c.out, "  %s: %d instance(s), last seen %s ago\n", name, instances, time.Since(lastSeen).Round(time.Second))
		n++
	}
	if n == 0 {
		fmt.Fprintln(c.out, "  (none)")
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return c.instanceStatus(ctx, db)
}

func (c *command) instanceStatus(ctx context.Context, db *postgres.DB) error {
	rows, err := db.Connection().QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM pulsejob_job_instances
		GROUP BY status, status_rank
		ORDER BY status_rank, status
	`)
	if err != nil {
		return fmt.Errorf("failed to query job instances: %w", err)
	}
	defer rows.Close()

	fmt.Fprintln(c.out, "Job instances:")
	n := 0
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("failed to scan job instance row: %w", err)
		}
		fmt.Fprintf(c.out, "  %s: %d\n", status, count)
		n++
	}
	if n == 0 {
		fmt.Fprintln(c.out, "  (none)")
	}
	return rows.Err()
}

func (c *command) expire(ctx context.Context, db *postgres.DB) error {
	n, err := db.ExpireExecutors(ctx, time.Now().Add(-c.olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "✓ Expired %d instance(s) not seen for %v\n", n, c.olderThan)
	return nil
}

func tableExists(ctx context.Context, db *postgres.DB, tableName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`
	err := db.Connection().QueryRowContext(ctx, query, tableName).Scan(&exists)
	return exists, err
}

func indexExists(ctx context.Context, db *postgres.DB, tableName, indexName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT FROM pg_indexes
			WHERE schemaname = 'public'
			AND tablename = $1
			AND indexname = $2
		)
	`
	err := db.Connection().QueryRowContext(ctx, query, tableName, indexName).Scan(&exists)
	return exists, err
}
