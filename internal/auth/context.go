// ABOUTME: Authentication context for tracking the operator through API handlers
// ABOUTME: Provides WithPrincipal/PrincipalFrom for propagating identity via context

package auth

import (
	"context"
)

type principalKey struct{}

// WithPrincipal returns a new context carrying the authenticated principal ID.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFrom returns the principal ID stored in ctx, or "" if the request
// was not authenticated.
func PrincipalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}
