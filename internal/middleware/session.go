package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionCookieName = "admin3_session"
	SessionHeader     = "X-Session-ID"
)

const sessionIDKey contextKey = "session_id"

// SessionOption configures the session middleware.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	secure bool
	ttl    time.Duration
}

// WithSecureCookie marks the session cookie Secure.
func WithSecureCookie(secure bool) SessionOption {
	return func(c *sessionConfig) { c.secure = secure }
}

// WithSessionTTL sets the cookie lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// HTTPSession identifies the checkout session of a request. The X-Session-ID
// header wins over the cookie; a missing or malformed ID is replaced by a
// fresh UUIDv4 which is set as a cookie and echoed in the header.
func HTTPSession(opts ...SessionOption) func(http.Handler) http.Handler {
	cfg := sessionConfig{secure: true, ttl: 24 * time.Hour}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := sessionIDFromRequest(r)
			if !ok {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookieName,
					Value:    id,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
					Secure:   cfg.secure,
					MaxAge:   int(cfg.ttl / time.Second),
				})
			}
			w.Header().Set(SessionHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionIDKey, id)))
		})
	}
}

func sessionIDFromRequest(r *http.Request) (string, bool) {
	if id, ok := parseSessionID(r.Header.Get(SessionHeader)); ok {
		return id, true
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return parseSessionID(c.Value)
	}
	return "", false
}

func parseSessionID(raw string) (string, bool) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || parsed == uuid.Nil {
		return "", false
	}
	return parsed.String(), true
}

// SessionIDFromContext retrieves the checkout session ID from the context.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok
}

// NewContextWithSessionID returns a new context with the given session ID.
func NewContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// CheckoutRateLimit throttles requests per checkout session. Requests without
// a session fall back to the client IP.
func CheckoutRateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := SessionIDFromContext(r.Context())
			if !ok {
				key = ExtractIP(r.RemoteAddr)
			}
			if !rl.Take(key) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
