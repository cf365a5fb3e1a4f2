package store

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iodzaMonk/acquisitions/pkg/models"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id SERIAL PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	email VARCHAR(255) NOT NULL UNIQUE,
	password VARCHAR(255) NOT NULL,
	role VARCHAR(50) NOT NULL DEFAULT 'user',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func TestUsersRepository(t *testing.T) {
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
	if _, err := pool.Exec(ctx, usersSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	repo := &Users{DB: pool}

	created, err := repo.Create(ctx, "Ada", "ada@example.com", "hash-1", "user")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.Email != "ada@example.com" {
		t.Fatalf("unexpected created user %+v", created)
	}

	if _, err := repo.Create(ctx, "Other", "ada@example.com", "hash-2", "user"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil || got.Name != "Ada" {
		t.Fatalf("get by id: %+v err=%v", got, err)
	}
	byEmail, err := repo.GetByEmail(ctx, "ada@example.com")
	if err != nil || byEmail.Password != "hash-1" {
		t.Fatalf("get by email should include the hash: %+v err=%v", byEmail, err)
	}

	name := "Ada Lovelace"
	role := "admin"
	updated, err := repo.Update(ctx, created.ID, models.UserUpdate{Name: &name, Role: &role})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != name || updated.Role != role {
		t.Fatalf("unexpected updated user %+v", updated)
	}

	if _, err := repo.Update(ctx, 999999, models.UserUpdate{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}

	users, err := repo.List(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("list: %d users err=%v", len(users), err)
	}

	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
