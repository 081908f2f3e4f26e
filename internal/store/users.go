// Package store reads the main application's users and sessions from the
// shared sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/backlogman/notifier/internal/crypto"
	"github.com/backlogman/notifier/internal/services"
)

// Users is the credential store backing Basic authentication.
type Users struct {
	db *sql.DB
}

// NewUsers creates a Users store over db.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// NewUser holds the fields needed to create a user row.
type NewUser struct {
	Email    string
	Username string
	FullName string
	Password string // encoded hash
	Inactive bool
}

type userRow struct {
	user     services.User
	password string
	active   bool
}

const userColumns = `id, email, COALESCE(username, ''), full_name, password, is_active`

func scanUser(row interface{ Scan(...any) error }) (userRow, error) {
	var u userRow
	err := row.Scan(&u.user.ID, &u.user.Email, &u.user.Username, &u.user.FullName, &u.password, &u.active)
	return u, err
}

// Create inserts a user and returns its id.
func (s *Users) Create(ctx context.Context, nu NewUser) (int64, error) {
	var username sql.NullString
	if nu.Username != "" {
		username = sql.NullString{String: nu.Username, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, full_name, password, is_active) VALUES (?, ?, ?, ?, ?)`,
		nu.Email, username, nu.FullName, nu.Password, !nu.Inactive)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return res.LastInsertId()
}

// ActiveByID returns the active user with the given id.
func (s *Users) ActiveByID(ctx context.Context, id int64) (*services.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrAnonymousSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	if !u.active {
		return nil, services.ErrInactiveUser
	}
	return &u.user, nil
}

// Authenticate implements services.CredentialChecker. The login may be an
// email address (case-insensitive) or a username.
func (s *Users) Authenticate(ctx context.Context, login, password string) (*services.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower(?) OR username = ? LIMIT 1`, login, login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	ok, err := crypto.CheckPassword(password, u.password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidCredentials, err)
	}
	if !ok {
		return nil, services.ErrInvalidCredentials
	}
	if !u.active {
		return nil, services.ErrInactiveUser
	}
	return &u.user, nil
}
