package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iodzaMonk/acquisitions/pkg/models"
)

// DB is the slice of pgx used by repositories; *pgxpool.Pool satisfies it
// and tests can substitute a fake.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	ErrNotFound       = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

const pgUniqueViolation = "23505"

// Users is the users-table repository.
type Users struct {
	DB DB
}

const userColumns = "id, name, email, password, role, created_at, updated_at"

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	return u, err
}

func (s *Users) List(ctx context.Context) ([]models.User, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	users := make([]models.User, 0, 16)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Password, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Users) GetByID(ctx context.Context, id int) (models.User, error) {
	return scanUser(s.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

// GetByEmail returns the row including the password hash; it backs
// sign-in and must never be exposed directly.
func (s *Users) GetByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(s.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *Users) Create(ctx context.Context, name, email, passwordHash, role string) (models.User, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO users (name, email, password, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING `+userColumns, name, email, passwordHash, role)
	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.User{}, ErrDuplicateEmail
		}
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// Update applies the present fields and bumps updated_at. ErrNotFound is
// returned only after the caller has already passed authorization, so it
// carries no access information.
func (s *Users) Update(ctx context.Context, id int, upd models.UserUpdate) (models.User, error) {
	if upd.Empty() {
		return s.GetByID(ctx, id)
	}
	set := make([]string, 0, 5)
	args := make([]any, 0, 6)
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, column+"=$"+strconv.Itoa(len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.Password != nil {
		add("password", *upd.Password)
	}
	if upd.Role != nil {
		add("role", *upd.Role)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := `UPDATE users SET ` + strings.Join(set, ", ") + ` WHERE id=$` + strconv.Itoa(len(args)) + ` RETURNING ` + userColumns
	u, err := scanUser(s.DB.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return models.User{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.User{}, ErrDuplicateEmail
		}
		return models.User{}, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

func (s *Users) Delete(ctx context.Context, id int) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
