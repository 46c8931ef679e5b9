package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssuerConfig describes one acceptable token issuer. A multi-issuer list
// is required because the same IdP may be reachable under different
// hostnames than the one a token was minted against.
type IssuerConfig struct {
	// Issuer is the expected iss claim value.
	Issuer string

	// JWKSURL is where the issuer publishes its signing keys.
	JWKSURL string
}

// MintedConfig configures validation of gateway-minted tokens: HMAC-signed
// JWTs with the gateway itself as issuer, handed to humans using the API.
type MintedConfig struct {
	Issuer string
	Secret []byte
}

// Identity is the validated, mapping-independent result of credential
// validation. Access is layered on top per request so a scope reload is
// never smeared across a cached identity.
type Identity struct {
	Subject  string
	Username string
	Groups   []string
	Provider string
	Method   AuthMethod

	// ExpiresAt bounds how long the identity may be cached.
	ExpiresAt time.Time
}

// TokenValidator validates JWT bearer tokens against a list of acceptable
// issuers, each with its own JWKS, plus optionally the gateway's own
// minted-token issuer.
type TokenValidator struct {
	issuers []IssuerConfig
	minted  *MintedConfig
	jwks    *jwksCache
	parser  *jwt.Parser
}

// NewTokenValidator creates a validator. leeway is the permitted clock skew
// when checking exp (0 by default per the deployment posture).
func NewTokenValidator(ctx context.Context, issuers []IssuerConfig, minted *MintedConfig, leeway time.Duration) *TokenValidator {
	return &TokenValidator{
		issuers: issuers,
		minted:  minted,
		jwks:    newJWKSCache(ctx),
		parser: jwt.NewParser(
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "HS256"}),
		),
	}
}

// Validate checks the token's signature, expiry and issuer and extracts the
// identity claims. Errors are classified per the package taxonomy.
func (v *TokenValidator) Validate(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrNoToken
	}

	var matched *IssuerConfig
	var mintedMatch bool

	token, err := v.parser.Parse(raw, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, ErrMalformedClaims
		}
		iss, err := claims.GetIssuer()
		if err != nil || iss == "" {
			return nil, fmt.Errorf("%w: missing iss claim", ErrMalformedClaims)
		}

		if v.minted != nil && iss == v.minted.Issuer {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("%w: minted tokens must be HMAC-signed", ErrInvalidToken)
			}
			mintedMatch = true
			return v.minted.Secret, nil
		}

		// Try configured issuers in order; the first match wins.
		for i := range v.issuers {
			if v.issuers[i].Issuer != iss {
				continue
			}
			matched = &v.issuers[i]
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
			}
			kid, ok := t.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
			}
			return v.jwks.lookupKey(ctx, v.issuers[i].JWKSURL, kid)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, iss)
	})

	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedClaims
	}

	identity, err := identityFromClaims(claims)
	if err != nil {
		return nil, err
	}
	switch {
	case mintedMatch:
		identity.Method = MethodMinted
		identity.Provider = v.minted.Issuer
	case matched != nil:
		identity.Method = MethodOIDC
		identity.Provider = matched.Issuer
	}
	return identity, nil
}

// classifyJWTError maps golang-jwt parse errors onto the package taxonomy,
// preserving errors that are already classified.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, ErrNoToken),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrUnknownIssuer),
		errors.Is(err, ErrMalformedClaims),
		errors.Is(err, ErrJWKSUnavailable):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: signature verification failed", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

// identityFromClaims extracts the identity fields: preferred_username with
// sub fallback, the groups array, and exp.
func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: missing sub claim", ErrMalformedClaims)
	}

	username := sub
	if preferred, ok := claims["preferred_username"].(string); ok && preferred != "" {
		username = preferred
	}

	var groups []string
	switch raw := claims["groups"].(type) {
	case nil:
	case []any:
		for _, g := range raw {
			s, ok := g.(string)
			if !ok {
				return nil, fmt.Errorf("%w: groups claim contains non-string entry", ErrMalformedClaims)
			}
			groups = append(groups, s)
		}
	case []string:
		groups = raw
	default:
		return nil, fmt.Errorf("%w: groups claim has unexpected type %T", ErrMalformedClaims, raw)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformedClaims)
	}

	return &Identity{
		Subject:   sub,
		Username:  username,
		Groups:    groups,
		ExpiresAt: exp.Time,
	}, nil
}
