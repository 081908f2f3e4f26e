package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backlogman/notifier/internal/crypto"
	"github.com/backlogman/notifier/internal/database"
	"github.com/backlogman/notifier/internal/services"
)

func newTestStores(t *testing.T) (*Users, *Sessions) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db))

	users := NewUsers(db)
	return users, NewSessions(db, users)
}

func createUser(t *testing.T, users *Users, nu NewUser, password string) int64 {
	t.Helper()
	hash, err := crypto.MakePassword(password, 1000)
	require.NoError(t, err)
	nu.Password = hash
	id, err := users.Create(context.Background(), nu)
	require.NoError(t, err)
	return id
}

func TestUsers_Authenticate(t *testing.T) {
	users, _ := newTestStores(t)
	ctx := context.Background()
	createUser(t, users, NewUser{Email: "Ada@Example.com", Username: "ada", FullName: "Ada Lovelace"}, "engine")
	createUser(t, users, NewUser{Email: "old@example.com", Inactive: true}, "retired")

	tests := []struct {
		name     string
		login    string
		password string
		wantErr  error
	}{
		{"email login", "ada@example.com", "engine", nil},
		{"username login", "ada", "engine", nil},
		{"wrong password", "ada", "steam", services.ErrInvalidCredentials},
		{"unknown user", "nobody", "engine", services.ErrInvalidCredentials},
		{"inactive user", "old@example.com", "retired", services.ErrInactiveUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := users.Authenticate(ctx, tt.login, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, u)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Ada Lovelace", u.DisplayName())
			assert.Equal(t, "ada", u.Username)
		})
	}
}

func TestSessions_UserForSession(t *testing.T) {
	users, sessions := newTestStores(t)
	ctx := context.Background()
	adaID := createUser(t, users, NewUser{Email: "ada@example.com", FullName: "Ada"}, "pw")
	oldID := createUser(t, users, NewUser{Email: "old@example.com", Inactive: true}, "pw")

	require.NoError(t, sessions.Create(ctx, "live", adaID, time.Hour))
	require.NoError(t, sessions.Create(ctx, "stale", adaID, -time.Minute))
	require.NoError(t, sessions.Create(ctx, "inactive", oldID, time.Hour))
	require.NoError(t, sessions.Create(ctx, "orphan", 9999, time.Hour))

	_, err := sessions.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, session_data, expire_date) VALUES ('anon', '{}', ?), ('numeric', ?, ?), ('junk', 'not json', ?)`,
		time.Now().Add(time.Hour).Unix(),
		`{"_auth_user_id": `+strconv.FormatInt(adaID, 10)+`}`, time.Now().Add(time.Hour).Unix(),
		time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)

	tests := []struct {
		key     string
		wantErr error
	}{
		{"live", nil},
		{"numeric", nil},
		{"missing", services.ErrNoSession},
		{"stale", services.ErrSessionExpired},
		{"inactive", services.ErrInactiveUser},
		{"orphan", services.ErrAnonymousSession},
		{"anon", services.ErrAnonymousSession},
		{"junk", services.ErrAnonymousSession},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			u, err := sessions.UserForSession(ctx, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, adaID, u.ID)
			assert.Equal(t, "Ada", u.DisplayName())
		})
	}
}

func TestSessions_ThroughBridge(t *testing.T) {
	users, sessions := newTestStores(t)
	ctx := context.Background()
	id := createUser(t, users, NewUser{Email: "ada@example.com", FullName: "Ada"}, "pw")
	require.NoError(t, sessions.Create(ctx, "k1", id, time.Hour))
	bridge := services.NewSessionBridge(sessions, users, "sessionid")

	withCookie := httptest.NewRequest(http.MethodGet, "/ws/story/1/", nil)
	withCookie.AddCookie(&http.Cookie{Name: "sessionid", Value: "k1"})
	identity, ok := bridge.Resolve(withCookie)
	require.True(t, ok)
	assert.Equal(t, services.AuthMethodSession, identity.Method)
	assert.Equal(t, id, identity.User.ID)

	withBasic := httptest.NewRequest(http.MethodGet, "/ws/story/1/", nil)
	withBasic.SetBasicAuth("ada@example.com", "pw")
	identity, ok = bridge.Resolve(withBasic)
	require.True(t, ok)
	assert.Equal(t, services.AuthMethodBasic, identity.Method)

	withBadBasic := httptest.NewRequest(http.MethodGet, "/ws/story/1/", nil)
	withBadBasic.SetBasicAuth("ada@example.com", "wrong")
	_, ok = bridge.Resolve(withBadBasic)
	assert.False(t, ok)
}
