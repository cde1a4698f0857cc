// Package auth authenticates marketchat API callers.
//
// # Tokens
//
// Callers present an HS256 JWT either as a Bearer token in the Authorization
// header or in the session cookie set by the storefront. The subject is read
// from the "sub" claim, falling back to the legacy "id" claim:
//
//	verifier, err := auth.NewJWTVerifier(secret) // secret >= 32 bytes
//	token, err := verifier.Generate(userID, 24*time.Hour)
//
// # Middleware
//
// HTTPAuthMiddleware verifies the token, resolves the subject to a stored
// user and attaches an AuthContext to the request:
//
//	r.Use(auth.HTTPAuthMiddleware(store, verifier, "session", logger))
//
// Handlers read the caller with FromContext or MustFromContext.
// RequireAdminHTTP gates admin routes on the admin role.
package auth
