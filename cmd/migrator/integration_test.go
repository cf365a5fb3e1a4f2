package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

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

	// Copy the real migrations into a temp dir so the test exercises the
	// actual schema files.
	dir := t.TempDir()
	for _, name := range []string{"0001_create_users.sql", "0002_create_security_events.sql"} {
		src, err := os.ReadFile(filepath.Join("..", "..", "migrations", name))
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), src, 0o644); err != nil {
			t.Fatalf("write migration %s: %v", name, err)
		}
	}

	if err := runMigrations(ctx, pool, dir, nil, nil, func(format string, args ...any) {}); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	var usersApplied, eventsApplied bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='0001_create_users.sql')`).Scan(&usersApplied); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='0002_create_security_events.sql')`).Scan(&eventsApplied); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !usersApplied || !eventsApplied {
		t.Fatalf("migrations not recorded: users=%v events=%v", usersApplied, eventsApplied)
	}

	// Second run is a no-op.
	if err := runMigrations(ctx, pool, dir, nil, nil, func(format string, args ...any) {}); err != nil {
		t.Fatalf("second runMigrations: %v", err)
	}

	// The schema actually works.
	if _, err := pool.Exec(ctx, `INSERT INTO users (name, email, password) VALUES ('Ada', 'ada@example.com', 'hash')`); err != nil {
		t.Fatalf("insert into users: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO security_events (event_id, kind, client_key, method, path)
		VALUES (gen_random_uuid(), 'gate_denied', '203.0.113.9', 'GET', '/api/users')
	`); err != nil {
		t.Fatalf("insert into security_events: %v", err)
	}
}
