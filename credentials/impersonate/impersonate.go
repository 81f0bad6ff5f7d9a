// Package impersonate implements credentials acting as a service account
// the caller does not hold a key for, by asking the IAM credentials API
// to generate short-lived tokens for it.
package impersonate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

const (
	// MaxLifetime is the upper bound the IAM credentials API accepts for a generated token.
	MaxLifetime = time.Hour

	defaultEndpointFormat = "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/%s:generateAccessToken"
)

// Config describes an impersonated service account credential.
type Config struct {
	// Source supplies the identity performing the impersonation.
	// It must hold the Service Account Token Creator role on the target.
	Source credentials.MetadataSource

	// TargetPrincipal is the email of the service account to impersonate.
	TargetPrincipal string

	// Delegates is the chain of service accounts the request travels through,
	// each holding the Token Creator role on the next. May be empty.
	Delegates []string

	// Scopes carried by the generated token. Must not be empty.
	Scopes []string

	// Lifetime of generated tokens. Defaults to MaxLifetime, which is also the cap.
	Lifetime time.Duration

	// Endpoint overrides the generateAccessToken URL (used in tests).
	Endpoint string
}

func (c Config) validate() error {
	if c.Source == nil {
		return errors.New("impersonate: a source credential is required")
	}

	if c.TargetPrincipal == "" {
		return errors.New("impersonate: a target principal is required")
	}

	if len(c.Scopes) == 0 {
		return errors.New("impersonate: scopes are required")
	}

	if c.Lifetime > MaxLifetime {
		return fmt.Errorf("impersonate: lifetime must be at most %s", MaxLifetime)
	}

	return nil
}

// Source generates access tokens for the target principal.
// It implements the credentials.TokenProvider interface.
type Source struct {
	source          credentials.MetadataSource
	targetPrincipal string
	delegates       []string
	scopes          []string
	lifetime        time.Duration
	endpoint        string

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

// WithHTTPClient sets the HTTP client used for IAM credentials API calls.
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

// NewSource returns a new Source impersonating the service account described by config.
func NewSource(config Config, opts ...Option) (*Source, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(defaultEndpointFormat, config.TargetPrincipal)
	}

	lifetime := config.Lifetime
	if lifetime == 0 {
		lifetime = MaxLifetime
	}

	s := &Source{
		source:          config.Source,
		targetPrincipal: config.TargetPrincipal,
		delegates:       slices.Clone(config.Delegates),
		scopes:          slices.Clone(config.Scopes),
		lifetime:        lifetime,
		endpoint:        endpoint,
		clock:           clockwork.NewRealClock(),
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

// NewCredentials returns cached credentials impersonating the service account described by config.
func NewCredentials(config Config, opts ...Option) (*credentials.Credentials, error) {
	source, err := NewSource(config, opts...)
	if err != nil {
		return nil, err
	}

	return credentials.NewCredentials(source, credentials.WithClock(source.clock)), nil
}

type generateAccessTokenRequest struct {
	Delegates []string `json:"delegates,omitempty"`
	Scope     []string `json:"scope"`
	Lifetime  string   `json:"lifetime"`
}

// FetchToken implements the credentials.TokenProvider interface.
func (s *Source) FetchToken(ctx context.Context) (credentials.AccessToken, error) {
	header, err := s.authHeader(ctx)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	body := generateAccessTokenRequest{
		Delegates: s.delegates,
		Scope:     s.scopes,
		Lifetime:  fmt.Sprintf("%ds", int(s.lifetime.Seconds())),
	}

	response, err := s.client.PostJSON(ctx, s.endpoint, body, header)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("impersonate: generating access token: %w", err)
	}

	const errPrefix = "impersonate: parsing token response"

	value, err := tokenendpoint.StringField(response, "accessToken", errPrefix)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	expireTime, err := tokenendpoint.StringField(response, "expireTime", errPrefix)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	expiry, err := time.Parse(time.RFC3339, expireTime)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("%s: parsing expire time: %w", errPrefix, err)
	}

	return credentials.AccessToken{
		Value:  value,
		Expiry: expiry,
	}, nil
}

type signBlobRequest struct {
	Delegates []string `json:"delegates,omitempty"`
	Payload   string   `json:"payload"`
}

// SignBytes asks the IAM credentials API to sign payload
// with the target principal's system-managed key.
func (s *Source) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	header, err := s.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := strings.Replace(s.endpoint, ":generateAccessToken", ":signBlob", 1)

	body := signBlobRequest{
		Delegates: s.delegates,
		Payload:   base64.StdEncoding.EncodeToString(payload),
	}

	response, err := s.client.PostJSON(ctx, endpoint, body, header)
	if err != nil {
		return nil, fmt.Errorf("impersonate: signing payload: %w", err)
	}

	signedBlob, err := tokenendpoint.StringField(response, "signedBlob", "impersonate: parsing sign response")
	if err != nil {
		return nil, err
	}

	signature, err := base64.StdEncoding.DecodeString(signedBlob)
	if err != nil {
		return nil, fmt.Errorf("impersonate: decoding signature: %w", err)
	}

	return signature, nil
}

func (s *Source) authHeader(ctx context.Context) (http.Header, error) {
	metadata, err := s.source.RequestMetadata(ctx, s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("impersonate: fetching source credentials: %w", err)
	}

	return http.Header(metadata), nil
}
