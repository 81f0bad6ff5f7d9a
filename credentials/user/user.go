// Package user implements credentials representing a user's identity and consent:
// access tokens obtained with the OAuth2 refresh token grant,
// and an authorizer tying the authorization code flow to a token store.
package user

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/schema"
	"github.com/jonboulle/clockwork"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

// Set an Encoder instance as a package global, because it caches
// meta-data about structs, and an instance can be shared safely.
var encoder = schema.NewEncoder()

// ErrNoRefreshToken is returned when a refresh is attempted without a refresh token.
// No network call is made in that case.
var ErrNoRefreshToken = errors.New("user: credentials cannot refresh without a refresh token")

// Config describes a user credential.
type Config struct {
	// ClientID and ClientSecret identify the application the user consented to.
	ClientID     string
	ClientSecret string

	// RefreshToken is the long-lived token resulting from an OAuth2 consent flow.
	// It may be empty for 3LO scenarios carrying only an initial access token,
	// in which case refreshing fails once the token expires.
	RefreshToken string

	// TokenURL is the endpoint that serves the refresh token grant.
	TokenURL string

	// InitialToken is an already issued access token (if any).
	InitialToken *credentials.AccessToken
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return errors.New("user: client ID is required")
	}

	if c.ClientSecret == "" {
		return errors.New("user: client secret is required")
	}

	if c.RefreshToken == "" && c.InitialToken == nil {
		return errors.New("user: either a refresh token or an initial access token is required")
	}

	if c.TokenURL == "" {
		return errors.New("user: token URL is required")
	}

	return nil
}

// Source obtains access tokens using the OAuth2 refresh token grant.
// It implements the credentials.TokenProvider interface.
type Source struct {
	clientID     string
	clientSecret string
	refreshToken string
	tokenURL     string

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

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return optionFunc(func(s *Source) {
		s.httpClient = httpClient
	})
}

// WithClock sets the clock used to compute token expiry.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(s *Source) {
		s.clock = clock
	})
}

// NewSource returns a new Source for the user credential described by config.
func NewSource(config Config, opts ...Option) (*Source, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	s := &Source{
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		refreshToken: config.RefreshToken,
		tokenURL:     config.TokenURL,
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

// NewCredentials returns cached credentials for the user credential described by config.
func NewCredentials(config Config, opts ...Option) (*credentials.Credentials, error) {
	source, err := NewSource(config, opts...)
	if err != nil {
		return nil, err
	}

	credOpts := []credentials.Option{credentials.WithClock(source.clock)}
	if config.InitialToken != nil {
		credOpts = append(credOpts, credentials.WithInitialToken(*config.InitialToken))
	}

	return credentials.NewCredentials(source, credOpts...), nil
}

// RefreshToken returns the refresh token backing the source.
func (s *Source) RefreshToken() string {
	return s.refreshToken
}

type tokenRequest struct {
	ClientID     string `schema:"client_id"`
	ClientSecret string `schema:"client_secret"`
	RefreshToken string `schema:"refresh_token"`
	GrantType    string `schema:"grant_type"`
}

// FetchToken implements the credentials.TokenProvider interface.
func (s *Source) FetchToken(ctx context.Context) (credentials.AccessToken, error) {
	if s.refreshToken == "" {
		return credentials.AccessToken{}, ErrNoRefreshToken
	}

	form := url.Values{}

	err := encoder.Encode(tokenRequest{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		RefreshToken: s.refreshToken,
		GrantType:    "refresh_token",
	}, form)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	token, err := s.client.Token(ctx, s.tokenURL, form, nil)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("user: %w", err)
	}

	return token, nil
}
