package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/backlogman/notifier/internal/logging"
)

var (
	ErrNoSession          = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrAnonymousSession   = errors.New("session has no authenticated user")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveUser       = errors.New("user is inactive")
)

// User is the identity the main application resolves for a socket.
type User struct {
	ID       int64
	Username string
	Email    string
	FullName string
}

// DisplayName is the name stamped on relayed messages: the full name, falling
// back to username and then email.
func (u *User) DisplayName() string {
	switch {
	case strings.TrimSpace(u.FullName) != "":
		return strings.TrimSpace(u.FullName)
	case u.Username != "":
		return u.Username
	default:
		return u.Email
	}
}

// SessionResolver maps a session cookie value to the logged-in user.
// It returns ErrNoSession, ErrSessionExpired or ErrAnonymousSession when the
// session does not identify an authenticated user.
type SessionResolver interface {
	UserForSession(ctx context.Context, sessionKey string) (*User, error)
}

// CredentialChecker verifies a username/password pair against the user store.
type CredentialChecker interface {
	Authenticate(ctx context.Context, username, password string) (*User, error)
}

// AuthMethod records how a socket was authenticated.
type AuthMethod string

const (
	AuthMethodSession AuthMethod = "session"
	AuthMethodBasic   AuthMethod = "basic"
)

// Identity is a resolved, non-anonymous user.
type Identity struct {
	User   *User
	Method AuthMethod
}

// SessionBridge resolves the user behind a websocket handshake using the main
// application's session store, with HTTP Basic credentials as a fallback.
type SessionBridge struct {
	sessions    SessionResolver
	credentials CredentialChecker
	cookieName  string
}

// NewSessionBridge creates a SessionBridge. credentials may be nil, which
// disables the Basic fallback.
func NewSessionBridge(sessions SessionResolver, credentials CredentialChecker, cookieName string) *SessionBridge {
	return &SessionBridge{
		sessions:    sessions,
		credentials: credentials,
		cookieName:  cookieName,
	}
}

// Resolve returns the identity behind r, or false when the request carries
// neither a valid session nor valid Basic credentials. It never returns an
// error; lookup failures count as unauthenticated.
func (b *SessionBridge) Resolve(r *http.Request) (Identity, bool) {
	ctx := r.Context()

	cookie, cookieErr := r.Cookie(b.cookieName)
	if cookieErr == nil && cookie.Value != "" && b.sessions != nil {
		user, err := b.sessions.UserForSession(ctx, cookie.Value)
		if err == nil && user != nil {
			return Identity{User: user, Method: AuthMethodSession}, true
		}
		logging.LogSecurityEvent(ctx, logging.SecurityEventInvalidSession, "session cookie did not resolve to a user")
		if err != nil && !isAuthError(err) {
			slog.ErrorContext(ctx, "session lookup failed", slog.Any("error", logging.WrapError(err, "session lookup")))
		}
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		if cookieErr != nil {
			logging.LogSecurityEvent(ctx, logging.SecurityEventMissingSession, "no session cookie or credentials")
		}
		return Identity{}, false
	}

	scheme, _, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Basic") {
		logging.LogSecurityEvent(ctx, logging.SecurityEventUnsupportedScheme, "unsupported authorization scheme")
		return Identity{}, false
	}

	username, password, ok := r.BasicAuth()
	if !ok || username == "" || b.credentials == nil {
		logging.LogSecurityEvent(ctx, logging.SecurityEventInvalidBasicAuth, "malformed basic credentials")
		return Identity{}, false
	}
	user, err := b.credentials.Authenticate(ctx, username, password)
	if err != nil || user == nil {
		logging.LogSecurityEvent(ctx, logging.SecurityEventInvalidBasicAuth, "basic credentials rejected")
		if err != nil && !isAuthError(err) {
			slog.ErrorContext(ctx, "credential check failed", slog.Any("error", logging.WrapError(err, "credential check")))
		}
		return Identity{}, false
	}
	return Identity{User: user, Method: AuthMethodBasic}, true
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrNoSession) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrAnonymousSession) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInactiveUser)
}

// UserID formats the user id for log attributes.
func (u *User) UserID() string {
	return strconv.FormatInt(u.ID, 10)
}
