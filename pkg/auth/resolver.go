package auth

import (
	"net/http"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/scopes"
)

// InternalAuthHeader carries the client's original Authorization value on
// the internal validation sub-request issued by the edge router.
const InternalAuthHeader = "X-Authorization"

// Identity headers returned by the /validate endpoint and copied onto
// upstream requests by the router.
const (
	HeaderUser       = "X-User"
	HeaderUsername   = "X-Username"
	HeaderScopes     = "X-Scopes"
	HeaderAuthMethod = "X-Auth-Method"
)

// Resolver turns request credentials into a Principal. It combines the
// token validator, the session store and the scope mapping provider.
type Resolver struct {
	validator *TokenValidator
	provider  *scopes.Provider
	sessions  *SessionStore
	cache     *identityCache
}

// NewResolver wires a resolver from its collaborators.
func NewResolver(validator *TokenValidator, provider *scopes.Provider, sessions *SessionStore) *Resolver {
	return &Resolver{
		validator: validator,
		provider:  provider,
		sessions:  sessions,
		cache:     newIdentityCache(),
	}
}

// Sessions exposes the session store for the login surface.
func (r *Resolver) Sessions() *SessionStore {
	return r.sessions
}

// ResolveRequest authenticates the request and computes its principal. The
// access set is always derived from a single generation of the scope
// mapping, loaded once per call.
func (r *Resolver) ResolveRequest(req *http.Request) (*Principal, error) {
	identity, err := r.resolveIdentity(req)
	if err != nil {
		return nil, err
	}
	return r.principalFor(identity), nil
}

func (r *Resolver) resolveIdentity(req *http.Request) (*Identity, error) {
	raw := bearerToken(req)
	if raw != "" {
		key := cacheKey(raw)
		if identity, ok := r.cache.get(key); ok {
			return identity, nil
		}
		identity, err := r.validator.Validate(req.Context(), raw)
		if err != nil {
			return nil, err
		}
		r.cache.put(key, identity)
		return identity, nil
	}

	if r.sessions != nil {
		if cookie, err := req.Cookie(SessionCookieName); err == nil {
			return r.sessions.Get(cookie.Value)
		}
	}
	return nil, ErrNoToken
}

// principalFor layers the current scope mapping over a validated identity.
func (r *Resolver) principalFor(identity *Identity) *Principal {
	mapping := r.provider.Current()
	if unknown := mapping.UnknownGroups(identity.Groups); len(unknown) > 0 {
		logger.Warnw("principal carries unmapped groups", "username", identity.Username, "groups", unknown)
	}
	access := mapping.Resolve(identity.Groups)
	return &Principal{
		Username: identity.Username,
		Groups:   identity.Groups,
		Scopes:   access.Scopes,
		Method:   identity.Method,
		Provider: identity.Provider,
		IsAdmin:  access.Admin,
		Access:   access,
	}
}

// bearerToken extracts the bearer credential, preferring the internal
// X-Authorization header the router uses for validation sub-requests.
func bearerToken(req *http.Request) string {
	for _, header := range []string{InternalAuthHeader, "Authorization"} {
		value := req.Header.Get(header)
		if value == "" {
			continue
		}
		if token, ok := strings.CutPrefix(value, "Bearer "); ok {
			return token
		}
	}
	return ""
}
