// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the user identity via context

package auth

import (
	"context"

	"github.com/2389/marketchat/internal/store"
)

// AuthContext holds the authenticated identity extracted from a request.
// It is populated by HTTPAuthMiddleware and read by handlers.
type AuthContext struct {
	UserID   string         // id of the authenticated user (token subject)
	Username string         // display username at authentication time
	Role     store.UserRole // marketplace role
}

// IsAdmin returns true if the user has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == store.UserRoleAdmin
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// UserID returns the authenticated user id, or "" for anonymous contexts.
func UserID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.UserID
	}
	return ""
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
