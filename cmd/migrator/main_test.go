package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	applied    map[string]bool
	tx         *fakeMigratorTx
	execErr    error
	lookupErr  error
	beginErr   error
	execdSQL   []string
	lookupArgs []string
}

func newFakeMigratorDB() *fakeMigratorDB {
	return &fakeMigratorDB{applied: map[string]bool{}, tx: &fakeMigratorTx{}}
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execdSQL = append(f.execdSQL, sql)
	return pgconn.NewCommandTag("EXEC 1"), f.execErr
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.lookupErr != nil {
		return fakeMigratorRow{err: f.lookupErr}
	}
	name, _ := args[0].(string)
	f.lookupArgs = append(f.lookupArgs, name)
	return fakeMigratorRow{values: []any{f.applied[name]}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		d, ok := dest[i].(*bool)
		if !ok {
			return errors.New("unsupported scan type")
		}
		v, ok := r.values[i].(bool)
		if !ok {
			return errors.New("expected bool")
		}
		*d = v
	}
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	execdSQL      []string
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error         { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execdSQL = append(t.execdSQL, sql)
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/0001_create_users.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/0001_create_users.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}
	if _, err := validateMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for outside migration path")
	}
	if _, err := validateMigrationPath("migrations", "other/0001_create_users.sql"); err == nil {
		t.Fatal("expected rejection for different directory")
	}
}

func TestRunMigrationsAppliesInOrderAndSkipsApplied(t *testing.T) {
	db := newFakeMigratorDB()
	db.applied["0001_create_users.sql"] = true

	files := []string{
		filepath.Join("migrations", "0002_create_security_events.sql"),
		filepath.Join("migrations", "0001_create_users.sql"),
	}
	reads := []string{}
	err := runMigrations(context.Background(), db, "migrations",
		func(name string) ([]byte, error) {
			reads = append(reads, filepath.Base(name))
			return []byte("CREATE TABLE t (id INT);"), nil
		},
		func(pattern string) ([]string, error) { return files, nil },
		func(format string, args ...any) {},
	)
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	// Lexical order decides, not glob order; the applied file is skipped.
	if len(reads) != 1 || reads[0] != "0002_create_security_events.sql" {
		t.Fatalf("unexpected reads: %v", reads)
	}
	if len(db.lookupArgs) != 2 || db.lookupArgs[0] != "0001_create_users.sql" {
		t.Fatalf("unexpected lookup order: %v", db.lookupArgs)
	}
	if len(db.tx.execdSQL) != 2 {
		t.Fatalf("expected migration exec + bookkeeping insert, got %v", db.tx.execdSQL)
	}
	if !strings.Contains(db.tx.execdSQL[1], "INSERT INTO schema_migrations") {
		t.Fatalf("expected bookkeeping insert, got %q", db.tx.execdSQL[1])
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	db := newFakeMigratorDB()
	db.tx.execFn = func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}

	err := runMigrations(context.Background(), db, "migrations",
		func(name string) ([]byte, error) { return []byte("BROKEN SQL"), nil },
		func(pattern string) ([]string, error) {
			return []string{filepath.Join("migrations", "0001_create_users.sql")}, nil
		},
		func(format string, args ...any) {},
	)
	if err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("expected apply failure, got %v", err)
	}
	if db.tx.rollbackCalls != 1 {
		t.Fatalf("expected one rollback, got %d", db.tx.rollbackCalls)
	}
}

func TestRunMigrationsRejectsEscapingPaths(t *testing.T) {
	db := newFakeMigratorDB()
	err := runMigrations(context.Background(), db, "migrations",
		func(name string) ([]byte, error) { return nil, errors.New("must not be read") },
		func(pattern string) ([]string, error) {
			return []string{"../evil.sql"}, nil
		},
		func(format string, args ...any) {},
	)
	if err == nil || !strings.Contains(err.Error(), "invalid migration path") {
		t.Fatalf("expected path rejection, got %v", err)
	}
}

func TestRunMigrationsRequiresDB(t *testing.T) {
	if err := runMigrations(context.Background(), nil, "migrations", nil, nil, nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}
