package auth

import "context"

// Principal is the verified identity attached to a request: the token claims
// plus the role/status gates downstream authorization checks rely on.
type Principal struct {
	UserID   string
	Username string
	Email    string
	Role     *Role
	Scope    string
}

// HasRole reports whether the principal carries the given role. A principal
// without a role assignment has no privileges anywhere.
func (p Principal) HasRole(role Role) bool {
	return p.Role != nil && *p.Role == role
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
