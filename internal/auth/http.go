// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Reads the token from the Authorization header or the session cookie

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/marketchat/internal/store"
)

// DefaultCookieName is the session cookie checked when no Authorization header is sent.
const DefaultCookieName = "session"

// UserStore is what the middleware needs to resolve a token subject
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractToken prefers the Authorization header and falls back to the cookie.
func extractToken(r *http.Request, cookieName string) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" || cookieName == "" {
		return extractBearerToken(h)
	}
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return "", "missing authorization header"
	}
	return c.Value, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// authenticate resolves the request's caller. The message is empty on success.
func authenticate(r *http.Request, users UserStore, verifier TokenVerifier, cookieName string) (*AuthContext, int, string) {
	token, errMsg := extractToken(r, cookieName)
	if errMsg != "" {
		return nil, http.StatusUnauthorized, errMsg
	}

	userID, err := verifier.Verify(token)
	if errors.Is(err, ErrExpiredToken) {
		return nil, http.StatusUnauthorized, "token expired"
	}
	if err != nil {
		return nil, http.StatusUnauthorized, "invalid token"
	}

	user, err := users.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, http.StatusUnauthorized, "user not found"
	}
	if err != nil {
		return nil, http.StatusInternalServerError, "user lookup failed"
	}

	return &AuthContext{UserID: user.ID, Username: user.Username, Role: user.Role}, http.StatusOK, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// The token subject must be a known user; the AuthContext is added to the request context.
func HTTPAuthMiddleware(users UserStore, verifier TokenVerifier, cookieName string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, status, errMsg := authenticate(r, users, verifier, cookieName)
			if errMsg != "" {
				if status == http.StatusInternalServerError {
					logger.Error("authentication failed", "path", r.URL.Path, "reason", errMsg)
				} else {
					logger.Debug("request rejected", "path", r.URL.Path, "reason", errMsg)
				}
				writeAuthError(w, status, errMsg)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !authCtx.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
