package testutil

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/xiaonanln/pulsejob/util/postgres"
)

var invalidDBChars = regexp.MustCompile(`[^a-z0-9_]`)

// testDBName derives a PostgreSQL database name (at most 63 chars, starting
// with a letter) from a test name.
func testDBName(testName string) string {
	name := "pj_" + invalidDBChars.ReplaceAllString(strings.ToLower(testName), "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// PostgresConfig returns the connection settings for database on the test
// server. PULSEJOB_TEST_PG_HOST overrides the default localhost.
func PostgresConfig(database string) *postgres.Config {
	host := os.Getenv("PULSEJOB_TEST_PG_HOST")
	if host == "" {
		host = "localhost"
	}
	return &postgres.Config{
		Host:     host,
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: database,
		SSLMode:  "disable",
	}
}

// CreateTestDatabase creates a fresh database named after the test and
// returns a connection to it. The database is dropped when the test ends.
// The test is skipped when PostgreSQL is not reachable.
func CreateTestDatabase(t *testing.T) *postgres.DB {
	t.Helper()
	name := testDBName(t.Name())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := postgres.NewDB(PostgresConfig("postgres"))
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
	}
	defer server.Close()
	if err := server.Ping(ctx); err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
	}

	dropSQL := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", name)
	server.Connection().ExecContext(ctx, dropSQL)
	if _, err := server.Connection().ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		t.Skipf("Skipping test - cannot create database %s: %v", name, err)
	}

	db, err := postgres.NewDB(PostgresConfig(name))
	if err != nil {
		t.Skipf("Skipping test - cannot connect to %s: %v", name, err)
	}

	t.Cleanup(func() {
		db.Close()
		cleanup, err := postgres.NewDB(PostgresConfig("postgres"))
		if err != nil {
			t.Logf("Warning: failed to connect for cleanup: %v", err)
			return
		}
		defer cleanup.Close()
		if _, err := cleanup.Connection().ExecContext(context.Background(), dropSQL); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", name, err)
		}
	})
	return db
}
