//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres applies the shipped migrations to real PostgreSQL
// Run with: go test -tags=integration -timeout 120s -run TestRunMigrationsWithRealPostgres ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	logs := []string{}
	err = runMigrations(ctx, pool, "migrations",
		nil, // use os.ReadFile
		nil, // use filepath.Glob
		func(format string, args ...any) { logs = append(logs, format) },
	)
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	// Verify both migrations were recorded
	for _, name := range []string{"001_audit_records.sql", "002_chunk_tags.sql"} {
		var exists bool
		err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)", name).Scan(&exists)
		if err != nil || !exists {
			t.Fatalf("migration %s not recorded: exists=%v err=%v", name, exists, err)
		}
	}

	// Verify the audit table accepts a full record
	_, err = pool.Exec(ctx, `
		INSERT INTO audit_records
		(id, at, subject, scope, query_fingerprint, outcome, reason_code, admitted_count, rejected_count, rejected_ids)
		VALUES ('rec-1', now(), 'alice', '{engineering,public}', 'deadbeef', 'success', NULL, 2, 1, '{c-hr}')
	`)
	if err != nil {
		t.Fatalf("audit_records not usable: %v", err)
	}

	// Verify the tag table matches the lookup's shape
	_, err = pool.Exec(ctx, `INSERT INTO chunk_tags (chunk_id, roles) VALUES ('c-eng', '{engineering}')`)
	if err != nil {
		t.Fatalf("chunk_tags not usable: %v", err)
	}
	var roles []string
	if err := pool.QueryRow(ctx, `SELECT roles FROM chunk_tags WHERE chunk_id=$1`, "c-eng").Scan(&roles); err != nil {
		t.Fatalf("chunk_tags lookup failed: %v", err)
	}
	if len(roles) != 1 || roles[0] != "engineering" {
		t.Fatalf("unexpected roles: %#v", roles)
	}

	// Run again - should skip
	logs = []string{}
	err = runMigrations(ctx, pool, "migrations", nil, nil, func(format string, args ...any) { logs = append(logs, format) })
	if err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
}
