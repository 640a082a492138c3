package pgsentinel_test

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rickchristie/govner/pgflock/client"
	"github.com/rs/zerolog"

	"github.com/pgsentinel/pgsentinel"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

// acquireTestDB leases an isolated database from the local pgflock locker
// and returns it as a session defaults mapping.
func acquireTestDB(t *testing.T) map[string]string {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Fatalf("Failed to acquire test database: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})

	cfg, err := pgconn.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("Failed to parse leased connection string: %v", err)
	}
	return map[string]string{
		"HOST":     cfg.Host,
		"PORT":     strconv.Itoa(int(cfg.Port)),
		"USER":     cfg.User,
		"PASSWORD": cfg.Password,
		"DATABASE": cfg.Database,
		"ROLE":     "admin",
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// newTestSentinel leases a database and builds an engine whose defaults
// point at it, with overrides applied on top.
func newTestSentinel(t *testing.T, overrides map[string]string) *pgsentinel.Sentinel {
	t.Helper()
	defaults := acquireTestDB(t)
	for k, v := range overrides {
		defaults[k] = v
	}
	s, err := pgsentinel.New(defaults, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func setupTable(t *testing.T, s *pgsentinel.Sentinel, sessionID, sql string) {
	t.Helper()
	output := s.Execute(context.Background(), sessionID, pgsentinel.ExecuteInput{SQL: sql})
	if output.Error != "" {
		t.Fatalf("setup failed: %s", output.Error)
	}
}

func mustExecute(t *testing.T, s *pgsentinel.Sentinel, sessionID, sql string) *pgsentinel.ExecuteOutput {
	t.Helper()
	output := s.Execute(context.Background(), sessionID, pgsentinel.ExecuteInput{SQL: sql})
	if output.Error != "" {
		t.Fatalf("unexpected error: %s", output.Error)
	}
	return output
}
