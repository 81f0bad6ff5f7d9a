// Package serviceaccount implements credentials backed by a service account key:
// a signed JWT assertion exchanged at a token endpoint for an access token,
// and self-signed JWTs attached directly to requests.
package serviceaccount

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

const (
	assertionGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// assertionLifetime is the validity claimed in the signed assertion.
	assertionLifetime = time.Hour
)

// ErrScopesRequired is returned when a refresh is attempted without scopes being set.
// Use Source.WithScopes to create a scoped copy.
var ErrScopesRequired = errors.New("serviceaccount: scopes are required to refresh an access token")

// Config describes a service account key.
type Config struct {
	// ClientEmail is the service account email, claimed as both issuer and subject.
	ClientEmail string

	// PrivateKey is the PEM encoded private key of the service account.
	PrivateKey []byte

	// PrivateKeyID identifies the key within the account (the kid header of assertions).
	PrivateKeyID string

	// TokenURL is the endpoint the assertion is exchanged at.
	TokenURL string

	// Scopes to request during the authorization grant.
	// A source without scopes fails to refresh until WithScopes is used.
	Scopes []string
}

func (c Config) validate() error {
	if c.ClientEmail == "" {
		return errors.New("serviceaccount: client email is required")
	}

	if len(c.PrivateKey) == 0 {
		return errors.New("serviceaccount: private key is required")
	}

	if c.TokenURL == "" {
		return errors.New("serviceaccount: token URL is required")
	}

	return nil
}

// Source exchanges a signed JWT assertion for an access token.
// It implements the credentials.TokenProvider interface.
type Source struct {
	clientEmail  string
	privateKey   *rsa.PrivateKey
	privateKeyID string
	tokenURL     string
	scopes       []string

	httpClient *http.Client
	client     *tokenendpoint.Client
	clock      clockwork.Clock
}

// Option configures a Source.
type Option interface {
	applySource(s *Source)
}

type optionFunc func(s *Source)

func (fn optionFunc) applySource(s *Source) {
	fn(s)
}

// WithHTTPClient sets the HTTP client used for the token exchange.
func WithHTTPClient(httpClient *http.Client) Option {
	return optionFunc(func(s *Source) {
		s.httpClient = httpClient
	})
}

// WithClock sets the clock used for assertion claims and token expiry.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(s *Source) {
		s.clock = clock
	})
}

// NewSource returns a new Source for the service account described by config.
func NewSource(config Config, opts ...Option) (*Source, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("serviceaccount: parsing private key: %w", err)
	}

	s := &Source{
		clientEmail:  config.ClientEmail,
		privateKey:   privateKey,
		privateKeyID: config.PrivateKeyID,
		tokenURL:     config.TokenURL,
		scopes:       slices.Clone(config.Scopes),
		clock:        clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt.applySource(s)
	}

	clientOpts := []tokenendpoint.Option{tokenendpoint.WithClock(s.clock)}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, tokenendpoint.WithHTTPClient(s.httpClient))
	}

	s.client = tokenendpoint.NewClient(clientOpts...)

	return s, nil
}

// NewCredentials returns cached credentials backed by the service account described by config.
func NewCredentials(config Config, opts ...Option) (*credentials.Credentials, error) {
	source, err := NewSource(config, opts...)
	if err != nil {
		return nil, err
	}

	return credentials.NewCredentials(source, credentials.WithClock(source.clock)), nil
}

// WithScopes returns a copy of the source requesting the given scopes.
// The receiver is left unmodified.
func (s *Source) WithScopes(scopes ...string) *Source {
	scoped := *s
	scoped.scopes = slices.Clone(scopes)

	return &scoped
}

// FetchToken implements the credentials.TokenProvider interface.
func (s *Source) FetchToken(ctx context.Context) (credentials.AccessToken, error) {
	if len(s.scopes) == 0 {
		return credentials.AccessToken{}, ErrScopesRequired
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return credentials.AccessToken{}, err
	}

	form := url.Values{
		"grant_type": {assertionGrantType},
		"assertion":  {assertion},
	}

	token, err := s.client.Token(ctx, s.tokenURL, form, nil)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("serviceaccount: %w", err)
	}

	return token, nil
}

type assertionClaims struct {
	jwt.RegisteredClaims

	Scope string `json:"scope"`
}

func (s *Source) signAssertion() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()

	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.clientEmail,
			Subject:   s.clientEmail,
			Audience:  jwt.ClaimStrings{s.tokenURL},
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        id.String(),
		},
		Scope: strings.Join(s.scopes, " "),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	if s.privateKeyID != "" {
		token.Header["kid"] = s.privateKeyID
	}

	assertion, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("serviceaccount: signing assertion: %w", err)
	}

	return assertion, nil
}
