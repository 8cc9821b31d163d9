package auth

import "context"

// Principal is the authenticated caller with its resolved permissions.
type Principal struct {
	UserID      string
	OrgID       string
	Roles       []string
	Permissions map[string]struct{}
}

// NewPrincipal resolves the permissions granted by roles.
func NewPrincipal(userID, orgID string, roles []string) Principal {
	roles = dedupeRoles(roles)
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			set[p] = struct{}{}
		}
	}
	return Principal{UserID: userID, OrgID: orgID, Roles: roles, Permissions: set}
}

// PrincipalFromContext builds the principal for the identity stored in ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return Principal{}, false
	}
	orgID, _ := OrgIDFromContext(ctx)
	return NewPrincipal(userID, orgID, RolesFromContext(ctx)), true
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// Authorize returns ErrForbidden unless the caller in ctx holds perm.
func Authorize(ctx context.Context, perm string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || !p.HasPermission(perm) {
		return ErrForbidden
	}
	return nil
}
