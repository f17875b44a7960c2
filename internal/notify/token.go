// Package notify sends APNs push notifications and decides, per recipient,
// whether a new post matches one of their standing queries (C7). Grounded
// on original_source/apns_client.py for the provider-token HTTP/2 POST
// shape, and on subculture-collective-subcults/internal/auth/jwt.go's
// Claims-embeds-RegisteredClaims service-struct pattern for token signing,
// adapted from HS256 secret signing to ES256 key-pair signing since APNs
// provider tokens require it.
package notify

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// providerTokenLifetime bounds how long a signed token is reused before
// being refreshed. Apple accepts tokens up to an hour old.
const providerTokenLifetime = 50 * time.Minute

type providerTokenClaims struct {
	jwt.RegisteredClaims
}

// ProviderTokenSource signs and caches the ES256 JWT APNs requires on the
// Authorization header of every push request.
type ProviderTokenSource struct {
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewProviderTokenSource parses a PEM-encoded EC private key — the .p8
// file downloaded from the Apple developer portal for a given key id.
func NewProviderTokenSource(pemKey []byte, keyID, teamID string) (*ProviderTokenSource, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse apns private key: %w", err)
	}
	return &ProviderTokenSource{key: key, keyID: keyID, teamID: teamID}, nil
}

// Token returns a currently-valid provider token, signing a fresh one if
// the cached token has aged past providerTokenLifetime.
func (s *ProviderTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && time.Now().Before(s.expires) {
		return s.cached, nil
	}

	now := time.Now()
	claims := providerTokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:   s.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}

	s.cached = signed
	s.expires = now.Add(providerTokenLifetime)
	return signed, nil
}
