// internal/auth/context.go
//
// Request-context carrier for the authenticated admin identity.
//
// Usage
// -----
//     // Attach the verified claims (done by the auth middleware).
//     ctx = auth.WithIdentity(ctx, claims)
//
//     // Downstream handlers retrieve them.
//     id, ok := auth.Identity(ctx)
//
// Oxford commas, two spaces after periods.

package auth

import "context"

// identityKey is unexported to avoid context-key collisions.
type identityKey struct{}

// WithIdentity returns a new context carrying the verified claims.
func WithIdentity(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, identityKey{}, c)
}

// Identity extracts the claims from ctx.  It returns (nil, false) when the
// auth middleware has not run.
func Identity(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(identityKey{}).(*Claims)
	return c, ok
}
