// Package auth answers the question "who is this request, and which
// services and tools may it reach". It validates bearer credentials
// (OIDC JWTs, gateway-minted tokens, session cookies), resolves the
// principal's groups through the scope mapping, and exposes the internal
// /validate endpoint consumed by the edge router.
package auth

import (
	"context"
	"sort"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/scopes"
)

// AuthMethod records which credential mode authenticated a principal.
type AuthMethod string

// Supported credential modes.
const (
	MethodOIDC    AuthMethod = "oidc"
	MethodSession AuthMethod = "session"
	MethodMinted  AuthMethod = "minted"
)

// Principal is an authenticated caller together with its resolved access.
// Principals are ephemeral: computed per request, never stored.
type Principal struct {
	// Username is preferred_username, falling back to the sub claim.
	Username string

	// Groups are the IdP-asserted group memberships.
	Groups []string

	// Scopes is the effective scope identifier set after group mapping.
	Scopes []string

	// Method is the credential mode that authenticated this principal.
	Method AuthMethod

	// Provider names the issuer (or "session"/"registry").
	Provider string

	// IsAdmin is true when any group is configured as administrative.
	IsAdmin bool

	// Access is the compiled server/tool permission set.
	Access *scopes.Access
}

// CanAccessServer reports whether the principal may reach the service
// registered at path.
func (p *Principal) CanAccessServer(path string) bool {
	return p.Access != nil && p.Access.CanAccessServer(path)
}

// CanAccessTool reports whether the principal may call the named tool on
// the service registered at path.
func (p *Principal) CanAccessTool(path, tool string) bool {
	return p.Access != nil && p.Access.CanAccessTool(path, tool)
}

// AccessibleServers returns the sorted set of service paths the principal
// may reach. For admins this is conceptually "everything"; callers should
// check IsAdmin before treating the list as exhaustive.
func (p *Principal) AccessibleServers() []string {
	if p.Access == nil {
		return nil
	}
	return p.Access.ServerPaths()
}

// ScopeString renders the scope set as the space-separated form carried in
// the X-Scopes response header.
func (p *Principal) ScopeString() string {
	s := append([]string(nil), p.Scopes...)
	sort.Strings(s)
	return strings.Join(s, " ")
}

type principalContextKey struct{}

// WithPrincipal stores the principal in the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the principal stored by the auth
// middleware, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}
