package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/backlogman/notifier/internal/services"
)

// authUserKey is the session payload field naming the logged-in user.
const authUserKey = "_auth_user_id"

// Sessions resolves session cookies against the sessions table.
type Sessions struct {
	db    *sql.DB
	users *Users
	now   func() time.Time
}

// NewSessions creates a Sessions store over db, resolving users through users.
func NewSessions(db *sql.DB, users *Users) *Sessions {
	return &Sessions{db: db, users: users, now: time.Now}
}

// Create stores a session for userID expiring after ttl.
func (s *Sessions) Create(ctx context.Context, key string, userID int64, ttl time.Duration) error {
	data, err := json.Marshal(map[string]string{authUserKey: strconv.FormatInt(userID, 10)})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, session_data, expire_date) VALUES (?, ?, ?)`,
		key, string(data), s.now().Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UserForSession implements services.SessionResolver.
func (s *Sessions) UserForSession(ctx context.Context, key string) (*services.User, error) {
	var (
		data   string
		expire int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_data, expire_date FROM sessions WHERE session_key = ?`, key).Scan(&data, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !s.now().Before(time.Unix(expire, 0)) {
		return nil, services.ErrSessionExpired
	}

	userID, err := sessionUserID(data)
	if err != nil {
		return nil, err
	}
	return s.users.ActiveByID(ctx, userID)
}

// sessionUserID extracts the user id, which may be stored as a string or a number.
func sessionUserID(data string) (int64, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return 0, fmt.Errorf("%w: undecodable session data", services.ErrAnonymousSession)
	}
	raw, ok := payload[authUserKey]
	if !ok {
		return 0, services.ErrAnonymousSession
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad user id %q", services.ErrAnonymousSession, s)
		}
		return id, nil
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%w: bad user id", services.ErrAnonymousSession)
	}
	return id, nil
}
