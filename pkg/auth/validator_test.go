package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdP serves a JWKS over httptest and mints RS256 tokens against it.
type fakeIdP struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{key: key, kid: "test-key-1"}

	pub, err := jwk.FromRaw(key.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, idp.kid))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	jwks, err := json.Marshal(set)
	require.NoError(t, err)

	idp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *fakeIdP) jwksURL() string { return idp.server.URL + "/jwks" }

func (idp *fakeIdP) mint(t *testing.T, claims jwt.MapClaims, mutate func(*jwt.Token)) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = idp.kid
	if mutate != nil {
		mutate(token)
	}
	signed, err := token.SignedString(idp.key)
	require.NoError(t, err)
	return signed
}

func baseClaims(issuer string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                issuer,
		"sub":                "svc-account-1",
		"preferred_username": "alice",
		"groups":             []string{"developers"},
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
}

func TestTokenValidatorValidate(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com/realms/mcp"

	validator := NewTokenValidator(context.Background(), []IssuerConfig{
		{Issuer: "https://other.example.com", JWKSURL: idp.jwksURL()},
		{Issuer: issuer, JWKSURL: idp.jwksURL()},
	}, nil, 0)

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr error
		check   func(t *testing.T, identity *Identity)
	}{
		{
			name:  "valid token",
			token: func(t *testing.T) string { return idp.mint(t, baseClaims(issuer), nil) },
			check: func(t *testing.T, identity *Identity) {
				assert.Equal(t, "alice", identity.Username)
				assert.Equal(t, "svc-account-1", identity.Subject)
				assert.Equal(t, []string{"developers"}, identity.Groups)
				assert.Equal(t, MethodOIDC, identity.Method)
				assert.Equal(t, issuer, identity.Provider)
			},
		},
		{
			name: "username falls back to sub",
			token: func(t *testing.T) string {
				claims := baseClaims(issuer)
				delete(claims, "preferred_username")
				return idp.mint(t, claims, nil)
			},
			check: func(t *testing.T, identity *Identity) {
				assert.Equal(t, "svc-account-1", identity.Username)
			},
		},
		{
			name: "expired token",
			token: func(t *testing.T) string {
				claims := baseClaims(issuer)
				claims["exp"] = time.Now().Add(-time.Minute).Unix()
				return idp.mint(t, claims, nil)
			},
			wantErr: ErrTokenExpired,
		},
		{
			name: "unknown issuer",
			token: func(t *testing.T) string {
				return idp.mint(t, baseClaims("https://rogue.example.com"), nil)
			},
			wantErr: ErrUnknownIssuer,
		},
		{
			name: "missing kid",
			token: func(t *testing.T) string {
				return idp.mint(t, baseClaims(issuer), func(tok *jwt.Token) {
					delete(tok.Header, "kid")
				})
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "unknown kid",
			token: func(t *testing.T) string {
				return idp.mint(t, baseClaims(issuer), func(tok *jwt.Token) {
					tok.Header["kid"] = "no-such-key"
				})
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "signature from wrong key",
			token: func(t *testing.T) string {
				rogue, err := rsa.GenerateKey(rand.Reader, 2048)
				require.NoError(t, err)
				tok := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(issuer))
				tok.Header["kid"] = idp.kid
				signed, err := tok.SignedString(rogue)
				require.NoError(t, err)
				return signed
			},
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty token",
			token:   func(*testing.T) string { return "" },
			wantErr: ErrNoToken,
		},
		{
			name:    "garbage token",
			token:   func(*testing.T) string { return "not.a.jwt" },
			wantErr: ErrInvalidToken,
		},
		{
			name: "missing exp claim",
			token: func(t *testing.T) string {
				claims := baseClaims(issuer)
				delete(claims, "exp")
				return idp.mint(t, claims, nil)
			},
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			identity, err := validator.Validate(context.Background(), tt.token(t))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, identity)
		})
	}
}

func TestTokenValidatorMinted(t *testing.T) {
	t.Parallel()

	secret := []byte("gateway-signing-secret")
	validator := NewTokenValidator(context.Background(), nil, &MintedConfig{
		Issuer: "https://gateway.internal",
		Secret: secret,
	}, 0)

	claims := jwt.MapClaims{
		"iss":    "https://gateway.internal",
		"sub":    "bob",
		"groups": []string{"mcp-admins"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	identity, err := validator.Validate(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, MethodMinted, identity.Method)
	assert.Equal(t, "bob", identity.Username)

	// An RSA-signed token claiming the minted issuer must be rejected.
	idp := newFakeIdP(t)
	rsaMinted := idp.mint(t, claims, nil)
	_, err = validator.Validate(context.Background(), rsaMinted)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestClockSkewLeeway(t *testing.T) {
	t.Parallel()

	idp := newFakeIdP(t)
	const issuer = "https://idp.example.com"
	issuers := []IssuerConfig{{Issuer: issuer, JWKSURL: idp.jwksURL()}}

	claims := baseClaims(issuer)
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	token := idp.mint(t, claims, nil)

	strict := NewTokenValidator(context.Background(), issuers, nil, 0)
	_, err := strict.Validate(context.Background(), token)
	require.ErrorIs(t, err, ErrTokenExpired)

	lenient := NewTokenValidator(context.Background(), issuers, nil, 30*time.Second)
	_, err = lenient.Validate(context.Background(), token)
	require.NoError(t, err)
}
