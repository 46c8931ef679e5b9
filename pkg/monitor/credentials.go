package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// CredentialSource supplies the bearer credential attached to probe
// requests. Invalidate discards any cached credential, so the next Token
// call produces a fresh one; the prober calls it after an upstream 401
// before its single retry.
type CredentialSource interface {
	oauth2.TokenSource
	Invalidate()
}

// mintedSource mints short-lived HMAC tokens against the gateway's own
// issuer, so probes authenticate like any other client.
type mintedSource struct {
	issuer string
	secret []byte
	group  string
	ttl    time.Duration

	mu      sync.Mutex
	current *oauth2.Token
}

// NewMintedCredentialSource returns a source minting gateway-issued probe
// tokens carrying the given group.
func NewMintedCredentialSource(issuer string, secret []byte, group string, ttl time.Duration) CredentialSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &mintedSource{issuer: issuer, secret: secret, group: group, ttl: ttl}
}

func (s *mintedSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Valid() {
		return s.current, nil
	}

	expiry := time.Now().Add(s.ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":                s.issuer,
		"sub":                "health-monitor",
		"preferred_username": "health-monitor",
		"groups":             []string{s.group},
		"exp":                expiry.Unix(),
		"jti":                uuid.NewString(),
	}).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to mint probe token: %w", err)
	}

	s.current = &oauth2.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		Expiry:      expiry.Add(-30 * time.Second),
	}
	return s.current, nil
}

func (s *mintedSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}
