// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// Role names carried in the roles claim.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string   // the token's sub claim, used as the client userId
	Roles   []string // roles granted by the token
}

// IsOperator returns true if the subject may use operator endpoints.
func (a *AuthContext) IsOperator() bool {
	return slices.Contains(a.Roles, RoleOperator) || slices.Contains(a.Roles, RoleAdmin)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// Subject returns the authenticated subject in ctx, or "" when anonymous.
func Subject(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.Subject
	}
	return ""
}
