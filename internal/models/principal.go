package models

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller attached to each request.
// The core treats it as opaque beyond UserID and Email.
type Principal struct {
	UserID string `json:"sub"`
	Email  string `json:"email"`
}

// Claims are the JWT fields the auth middleware understands.
type Claims struct {
	Email                string `json:"email"`
	jwt.RegisteredClaims        // Subject carries the user id
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// PrincipalContextKey stores the Principal on the request context.
const PrincipalContextKey contextKey = "principal"

// PrincipalFromContext extracts the Principal from ctx.
// Returns false if no principal is attached.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(Principal)
	return p, ok
}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}
