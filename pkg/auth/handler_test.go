package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/scopes"
)

const scopeFixture = `
admin_groups:
  - mcp-admins
group_mappings:
  developers:
    - dev-tools
scopes:
  dev-tools:
    - server: /fininfo
      tools:
        - get_stock_price
    - server: /weather
      tools:
        - "*"
`

func newTestResolver(t *testing.T, idp *fakeIdP, issuer string) *Resolver {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yml")
	require.NoError(t, os.WriteFile(path, []byte(scopeFixture), 0600))
	provider, err := scopes.NewProvider(path)
	require.NoError(t, err)

	validator := NewTokenValidator(context.Background(), []IssuerConfig{
		{Issuer: issuer, JWKSURL: idp.jwksURL()},
	}, nil, 0)
	return NewResolver(validator, provider, NewSessionStore(time.Hour))
}

func TestValidateHandler(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com"
	resolver := newTestResolver(t, idp, issuer)
	handler := NewValidateHandler(resolver)

	devToken := idp.mint(t, baseClaims(issuer), nil)
	adminClaims := baseClaims(issuer)
	adminClaims["groups"] = []string{"mcp-admins"}
	adminToken := idp.mint(t, adminClaims, nil)

	tests := []struct {
		name        string
		auth        string
		originalURI string
		wantStatus  int
		check       func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:       "valid token no path check",
			auth:       "Bearer " + devToken,
			wantStatus: http.StatusNoContent,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "alice", rec.Header().Get(HeaderUser))
				assert.Equal(t, "alice", rec.Header().Get(HeaderUsername))
				assert.Equal(t, "dev-tools", rec.Header().Get(HeaderScopes))
				assert.Equal(t, "oidc", rec.Header().Get(HeaderAuthMethod))
			},
		},
		{
			name:        "permitted service path",
			auth:        "Bearer " + devToken,
			originalURI: "/fininfo",
			wantStatus:  http.StatusNoContent,
		},
		{
			name:        "forbidden service path",
			auth:        "Bearer " + devToken,
			originalURI: "/internal-only",
			wantStatus:  http.StatusForbidden,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, ErrNoAccess.Error(), body["detail"])
			},
		},
		{
			name:        "admin bypasses path check",
			auth:        "Bearer " + adminToken,
			originalURI: "/internal-only",
			wantStatus:  http.StatusNoContent,
		},
		{
			name:       "missing credentials",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid token",
			auth:       "Bearer not-a-token",
			wantStatus: http.StatusUnauthorized,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/validate", nil)
			if tt.auth != "" {
				req.Header.Set(InternalAuthHeader, tt.auth)
			}
			if tt.originalURI != "" {
				req.Header.Set(OriginalPathHeader, tt.originalURI)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.check != nil {
				tt.check(t, rec)
			}
		})
	}
}

func TestResolverHeaderPrecedence(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com"
	resolver := newTestResolver(t, idp, issuer)

	token := idp.mint(t, baseClaims(issuer), nil)

	// X-Authorization wins over a garbage Authorization header, so the edge
	// router can forward client credentials without clients interfering.
	req := httptest.NewRequest(http.MethodGet, "/validate", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	req.Header.Set(InternalAuthHeader, "Bearer "+token)

	principal, err := resolver.ResolveRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Username)

	// Plain Authorization works when no internal header is present.
	req = httptest.NewRequest(http.MethodGet, "/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	principal, err = resolver.ResolveRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Username)
}

func TestResolverSessionCookie(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com"
	resolver := newTestResolver(t, idp, issuer)

	token := resolver.Sessions().Create(&Identity{
		Subject:  "alice",
		Username: "alice",
		Groups:   []string{"developers"},
	})

	req := httptest.NewRequest(http.MethodGet, "/validate", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})

	principal, err := resolver.ResolveRequest(req)
	require.NoError(t, err)
	assert.Equal(t, MethodSession, principal.Method)
	assert.True(t, principal.CanAccessTool("/fininfo", "get_stock_price"))
	assert.False(t, principal.CanAccessTool("/fininfo", "delete_account"))
	assert.True(t, principal.CanAccessTool("/weather", "anything"))

	resolver.Sessions().Delete(token)
	_, err = resolver.ResolveRequest(req)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestResolverScopeReloadAtomicity(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com"
	resolver := newTestResolver(t, idp, issuer)
	token := idp.mint(t, baseClaims(issuer), nil)

	req := httptest.NewRequest(http.MethodGet, "/validate", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	before, err := resolver.ResolveRequest(req)
	require.NoError(t, err)
	assert.True(t, before.CanAccessServer("/fininfo"))

	// Revoke the grant; the identity stays cached but access is recomputed
	// from the new mapping generation on the next request.
	require.NoError(t, resolver.provider.RemoveServerFromScope("dev-tools", "/fininfo"))

	after, err := resolver.ResolveRequest(req)
	require.NoError(t, err)
	assert.False(t, after.CanAccessServer("/fininfo"))
	assert.True(t, after.CanAccessServer("/weather"))
}

func TestIdentityCache(t *testing.T) {
	t.Parallel()

	cache := newIdentityCache()
	identity := &Identity{Username: "alice", ExpiresAt: time.Now().Add(time.Hour)}

	key := cacheKey("aaa.bbb.ccc")
	require.Equal(t, "ccc", key)
	cache.put(key, identity)
	got, ok := cache.get(key)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)

	// Entries expire with the token even when within the cache TTL.
	expired := &Identity{Username: "bob", ExpiresAt: time.Now().Add(-time.Second)}
	cache.put("x.y.z-sig", expired)
	_, ok = cache.get("x.y.z-sig")
	assert.False(t, ok)

	// Non-JWT credentials are never cached.
	assert.Empty(t, cacheKey("opaque-token"))
	cache.put("", identity)
	_, ok = cache.get("")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com"
	resolver := newTestResolver(t, idp, issuer)

	var seen *Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	protected := Middleware(resolver)(inner)
	adminOnly := Middleware(resolver)(RequireAdmin(inner))

	token := idp.mint(t, baseClaims(issuer), nil)
	adminClaims := baseClaims(issuer)
	adminClaims["groups"] = []string{"mcp-admins"}
	adminToken := idp.mint(t, adminClaims, nil)

	t.Run("authenticated request carries principal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/services", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "alice", seen.Username)
	})

	t.Run("unauthenticated request rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/services", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("non-admin blocked from admin routes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/services", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		adminOnly.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("admin allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/services", nil)
		req.Header.Set("Authorization", "Bearer "+adminToken)
		rec := httptest.NewRecorder()
		adminOnly.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
