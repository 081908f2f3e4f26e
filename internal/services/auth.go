// Package services contains the relay's authentication logic: the session
// bridge that identifies websocket clients and the signed tokens used by the
// main application.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "backlogman"

// ServiceClaims authorize the main application to publish notifications.
type ServiceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// SessionClaims are carried by signed-cookie sessions. The cookie itself holds
// the identity, so there is no server-side session row.
type SessionClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"usr,omitempty"`
	Email    string `json:"email"`
	FullName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthService signs and validates HS256 tokens with a shared secret.
type AuthService struct {
	secret []byte
}

// NewAuthService creates an AuthService with the given signing secret.
func NewAuthService(secret string) *AuthService {
	return &AuthService{secret: []byte(secret)}
}

// GenerateServiceToken creates a token identifying a calling service.
func (s *AuthService) GenerateServiceToken(service string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   service,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateServiceToken verifies signature and expiry and returns the claims.
func (s *AuthService) ValidateServiceToken(tokenString string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Service == "" {
		return nil, errors.New("token has no service")
	}
	return claims, nil
}

// IssueSessionCookie creates a signed-cookie session value for user.
func (s *AuthService) IssueSessionCookie(user *User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.UserID(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *AuthService) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// SignedCookieSessions resolves sessions stored entirely in a signed cookie.
type SignedCookieSessions struct {
	auth *AuthService
}

// NewSignedCookieSessions creates a resolver validating cookies with auth's secret.
func NewSignedCookieSessions(auth *AuthService) *SignedCookieSessions {
	return &SignedCookieSessions{auth: auth}
}

// UserForSession implements SessionResolver.
func (s *SignedCookieSessions) UserForSession(_ context.Context, value string) (*User, error) {
	claims := &SessionClaims{}
	if err := s.auth.parse(value, claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if claims.UserID <= 0 {
		return nil, ErrAnonymousSession
	}
	return &User{
		ID:       claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		FullName: claims.FullName,
	}, nil
}
