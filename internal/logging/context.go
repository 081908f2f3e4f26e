package logging

import (
	"context"
	"log/slog"
	"net"
	"net/http"
)

// SecurityEvent represents a security-related event type
type SecurityEvent string

const (
	SecurityEventMissingSession      SecurityEvent = "missing_session"
	SecurityEventInvalidSession      SecurityEvent = "invalid_session"
	SecurityEventInvalidBasicAuth    SecurityEvent = "invalid_basic_auth"
	SecurityEventUnsupportedScheme   SecurityEvent = "unsupported_auth_scheme"
	SecurityEventMissingAuth         SecurityEvent = "missing_auth"
	SecurityEventInvalidServiceToken SecurityEvent = "invalid_service_token"
	SecurityEventRateLimited         SecurityEvent = "rate_limited"
	SecurityEventOriginRejected      SecurityEvent = "origin_rejected"
)

// RequestAttrs holds safe request context for logging. A websocket request
// gains Room and UserID once authenticated and ConnID once its socket opens.
type RequestAttrs struct {
	Method string
	Path   string
	IP     string
	Room   string
	UserID string
	ConnID string
}

type contextKey string

const requestAttrsKey contextKey = "requestAttrs"

// WithRequestAttrs adds request attributes to context
func WithRequestAttrs(ctx context.Context, attrs *RequestAttrs) context.Context {
	return context.WithValue(ctx, requestAttrsKey, attrs)
}

// GetRequestAttrs retrieves request attributes from context
func GetRequestAttrs(ctx context.Context) *RequestAttrs {
	attrs, _ := ctx.Value(requestAttrsKey).(*RequestAttrs)
	return attrs
}

// UpdateRequestAttrs returns a context carrying a copy of the existing
// attributes with room and user filled in.
func UpdateRequestAttrs(ctx context.Context, room, userID string) context.Context {
	next := copyAttrs(ctx)
	next.Room = room
	next.UserID = userID
	return WithRequestAttrs(ctx, next)
}

// WithConn returns a context whose records name the socket connID.
func WithConn(ctx context.Context, connID string) context.Context {
	next := copyAttrs(ctx)
	next.ConnID = connID
	return WithRequestAttrs(ctx, next)
}

func copyAttrs(ctx context.Context) *RequestAttrs {
	if attrs := GetRequestAttrs(ctx); attrs != nil {
		c := *attrs
		return &c
	}
	return &RequestAttrs{}
}

func requestAttrs(ctx context.Context) []slog.Attr {
	attrs := GetRequestAttrs(ctx)
	if attrs == nil {
		return nil
	}

	out := []slog.Attr{
		slog.String("method", attrs.Method),
		slog.String("path", attrs.Path),
		slog.String("ip", attrs.IP),
	}
	if attrs.Room != "" {
		out = append(out, slog.String("room", attrs.Room))
	}
	if attrs.UserID != "" {
		out = append(out, slog.String("user_id", attrs.UserID))
	}
	if attrs.ConnID != "" {
		out = append(out, slog.String("conn_id", attrs.ConnID))
	}
	return out
}

// ExtractClientIP returns the client address. The real IP middleware has
// already replaced X-Real-IP with a value it trusts.
func ExtractClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LogSecurityEvent logs a WARN-level security event with context
func LogSecurityEvent(ctx context.Context, event SecurityEvent, msg string) {
	slog.WarnContext(ctx, msg, slog.String("security_event", string(event)))
}

// LogErrorWithStatus logs an ERROR-level message with context, status, and error
func LogErrorWithStatus(ctx context.Context, status int, msg string, err error) {
	args := []any{slog.Int("status", status)}
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	slog.ErrorContext(ctx, msg, args...)
}
