package auth

import (
	"context"
	"slices"
)

// Principal is the authenticated caller of a request.
// It is a transient value injected into the request by the auth middleware.
type Principal struct {
	Subject string
	Email   string
	Roles   []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// PrincipalContextKey is the key for storing the Principal in request context
	PrincipalContextKey ContextKey = "principal"
)

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal extracts the Principal from a request context.
// Returns nil if the request had no valid token.
func GetPrincipal(ctx context.Context) *Principal {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}
