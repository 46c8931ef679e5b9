package auth

import (
	"errors"
	"net/http"
)

// Failure taxonomy. Each category is reported separately so operators can
// tell a bad signature from an expired token from a scope miss. All but
// ErrNoAccess map to 401; ErrNoAccess maps to 403.
var (
	// ErrNoToken means no credential was presented at all.
	ErrNoToken = errors.New("no token provided")

	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired means the exp claim has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrUnknownIssuer means the iss claim matched no configured issuer.
	ErrUnknownIssuer = errors.New("unknown issuer")

	// ErrMalformedClaims means required claims were missing or mistyped.
	ErrMalformedClaims = errors.New("malformed claims")

	// ErrNoAccess means the principal authenticated but has no scope
	// granting the requested service.
	ErrNoAccess = errors.New("no permitted service for this path")

	// ErrSessionExpired means the session cookie no longer resolves.
	ErrSessionExpired = errors.New("session expired")

	// ErrJWKSUnavailable means the issuer's key set could not be fetched.
	ErrJWKSUnavailable = errors.New("failed to fetch JWKS")
)

// StatusFor maps an auth error onto the HTTP status the resolver returns.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusNoContent
	case errors.Is(err, ErrNoAccess):
		return http.StatusForbidden
	case errors.Is(err, ErrNoToken),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrUnknownIssuer),
		errors.Is(err, ErrMalformedClaims),
		errors.Is(err, ErrSessionExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
