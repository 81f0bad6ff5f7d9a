package serviceaccount

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"

	"github.com/distribution-auth/credentials/credentials"
)

// jwtLifetime is the validity claimed in self-signed JWTs.
const jwtLifetime = time.Hour

// JWTAccessSource mints a self-signed JWT per request and attaches it directly
// as a bearer token, skipping the token endpoint entirely.
//
// Minting is pure CPU work, so there is no shared network cost to amortize and
// no caching layer involved. It implements the credentials.MetadataSource interface.
type JWTAccessSource struct {
	clientEmail  string
	privateKey   *rsa.PrivateKey
	privateKeyID string

	// defaultAudience is claimed when a request does not carry a target URI.
	defaultAudience string

	clock clockwork.Clock
}

// JWTAccessOption configures a JWTAccessSource.
type JWTAccessOption interface {
	applyJWTAccessSource(s *JWTAccessSource)
}

type jwtAccessOptionFunc func(s *JWTAccessSource)

func (fn jwtAccessOptionFunc) applyJWTAccessSource(s *JWTAccessSource) {
	fn(s)
}

// WithDefaultAudience sets the audience claimed when a request does not carry a target URI.
func WithDefaultAudience(audience string) JWTAccessOption {
	return jwtAccessOptionFunc(func(s *JWTAccessSource) {
		s.defaultAudience = audience
	})
}

// WithJWTAccessClock sets the clock used for JWT claims.
func WithJWTAccessClock(clock clockwork.Clock) JWTAccessOption {
	return jwtAccessOptionFunc(func(s *JWTAccessSource) {
		s.clock = clock
	})
}

// NewJWTAccessSource returns a source minting self-signed JWTs
// with the service account key described by config.
//
// The TokenURL and Scopes fields of config are ignored: a self-signed JWT
// claims the request target as its audience instead of carrying scopes.
func NewJWTAccessSource(config Config, opts ...JWTAccessOption) (*JWTAccessSource, error) {
	if config.ClientEmail == "" {
		return nil, errors.New("serviceaccount: client email is required")
	}

	if len(config.PrivateKey) == 0 {
		return nil, errors.New("serviceaccount: private key is required")
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("serviceaccount: parsing private key: %w", err)
	}

	s := &JWTAccessSource{
		clientEmail:  config.ClientEmail,
		privateKey:   privateKey,
		privateKeyID: config.PrivateKeyID,
		clock:        clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt.applyJWTAccessSource(s)
	}

	return s, nil
}

// RequestMetadata implements the credentials.MetadataSource interface.
//
// It returns an Authorization header carrying a JWT freshly signed for uri.
func (s *JWTAccessSource) RequestMetadata(ctx context.Context, uri string) (map[string][]string, error) {
	audience := uri
	if audience == "" {
		audience = s.defaultAudience
	}

	if audience == "" {
		return nil, errors.New("serviceaccount: a target URI or a default audience is required to mint a JWT")
	}

	signed, err := s.signJWT(audience)
	if err != nil {
		return nil, err
	}

	return map[string][]string{
		credentials.AuthorizationHeader: {"Bearer " + signed},
	}, nil
}

func (s *JWTAccessSource) signJWT(audience string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()

	claims := jwt.RegisteredClaims{
		Issuer:    s.clientEmail,
		Subject:   s.clientEmail,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        id.String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	if s.privateKeyID != "" {
		token.Header["kid"] = s.privateKeyID
	}

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("serviceaccount: signing JWT: %w", err)
	}

	return signed, nil
}
