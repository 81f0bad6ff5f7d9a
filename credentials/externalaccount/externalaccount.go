// Package externalaccount implements workload identity federation:
// a credential issued by an external identity provider is exchanged
// for an access token at an STS endpoint, optionally followed by
// service account impersonation.
package externalaccount

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/impersonate"
	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

const (
	tokenExchangeGrantType   = "urn:ietf:params:oauth:grant-type:token-exchange"
	accessTokenRequestedType = "urn:ietf:params:oauth:token-type:access_token"

	defaultTokenURL = "https://sts.googleapis.com/v1/token"

	// cloudPlatformScope is the broad scope used when impersonation narrows
	// the effective scopes in a second step.
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	// quotaProjectHeader attributes quota and billing of API calls to a project.
	quotaProjectHeader = "x-goog-user-project"
)

var targetPrincipalPattern = regexp.MustCompile(`serviceAccounts/([^:]+):generateAccessToken$`)

// Config describes an external account credential.
type Config struct {
	// Audience is the identifier of the workload identity pool provider.
	Audience string

	// SubjectTokenType is the token type URN of the external credential,
	// e.g. urn:ietf:params:oauth:token-type:jwt.
	SubjectTokenType string

	// SubjectTokenSource retrieves the external credential to exchange.
	SubjectTokenSource SubjectTokenSource

	// TokenURL is the STS exchange endpoint. Defaults to the public STS endpoint.
	TokenURL string

	// ServiceAccountImpersonationURL (if set) chains the exchanged token
	// into a generateAccessToken call for the service account named in the URL.
	ServiceAccountImpersonationURL string

	// ClientID and ClientSecret (if set) authenticate the exchange itself
	// with HTTP basic auth.
	ClientID     string
	ClientSecret string

	// QuotaProjectID (if set) is attached to requests as the quota project.
	QuotaProjectID string

	// Scopes to request. Defaults to the cloud-platform scope.
	Scopes []string
}

func (c Config) validate() error {
	if c.Audience == "" {
		return errors.New("externalaccount: an audience is required")
	}

	if c.SubjectTokenType == "" {
		return errors.New("externalaccount: a subject token type is required")
	}

	if c.SubjectTokenSource == nil {
		return errors.New("externalaccount: a subject token source is required")
	}

	if c.ServiceAccountImpersonationURL != "" && !targetPrincipalPattern.MatchString(c.ServiceAccountImpersonationURL) {
		return errors.New("externalaccount: unable to determine the target principal from the impersonation URL")
	}

	return nil
}

// Source exchanges an external credential for an access token at an STS endpoint.
// It implements the credentials.TokenProvider interface.
type Source struct {
	audience         string
	subjectTokenType string
	subjectTokens    SubjectTokenSource
	tokenURL         string
	clientID         string
	clientSecret     string
	scopes           []string

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

// WithHTTPClient sets the HTTP client used for the exchange.
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

// NewSource returns a new Source for the external account described by config.
//
// The source performs the STS exchange only. Use NewCredentials to get the
// full chain including impersonation and the quota project.
func NewSource(config Config, opts ...Option) (*Source, error) {
	err := config.validate()
	if err != nil {
		return nil, err
	}

	tokenURL := config.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	scopes := slices.Clone(config.Scopes)
	if len(scopes) == 0 {
		scopes = []string{cloudPlatformScope}
	}

	// Impersonation narrows to the configured scopes in the second step,
	// so the exchanged token itself needs the broad scope.
	if config.ServiceAccountImpersonationURL != "" {
		scopes = []string{cloudPlatformScope}
	}

	s := &Source{
		audience:         config.Audience,
		subjectTokenType: config.SubjectTokenType,
		subjectTokens:    config.SubjectTokenSource,
		tokenURL:         tokenURL,
		clientID:         config.ClientID,
		clientSecret:     config.ClientSecret,
		scopes:           scopes,
		clock:            clockwork.NewRealClock(),
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

// NewCredentials returns cached credentials for the external account described by config,
// chaining service account impersonation and the quota project when configured.
func NewCredentials(config Config, opts ...Option) (*credentials.Credentials, error) {
	source, err := NewSource(config, opts...)
	if err != nil {
		return nil, err
	}

	credOpts := []credentials.Option{credentials.WithClock(source.clock)}

	if config.ServiceAccountImpersonationURL == "" {
		if config.QuotaProjectID != "" {
			credOpts = append(credOpts, credentials.WithRequestMetadata(quotaProjectHeader, config.QuotaProjectID))
		}

		return credentials.NewCredentials(source, credOpts...), nil
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{cloudPlatformScope}
	}

	impersonateOpts := []impersonate.Option{impersonate.WithClock(source.clock)}
	if source.httpClient != nil {
		impersonateOpts = append(impersonateOpts, impersonate.WithHTTPClient(source.httpClient))
	}

	impersonated, err := impersonate.NewSource(
		impersonate.Config{
			Source:          credentials.NewCredentials(source, credentials.WithClock(source.clock)),
			TargetPrincipal: extractTargetPrincipal(config.ServiceAccountImpersonationURL),
			Scopes:          scopes,
			Endpoint:        config.ServiceAccountImpersonationURL,
		},
		impersonateOpts...,
	)
	if err != nil {
		return nil, err
	}

	if config.QuotaProjectID != "" {
		credOpts = append(credOpts, credentials.WithRequestMetadata(quotaProjectHeader, config.QuotaProjectID))
	}

	return credentials.NewCredentials(impersonated, credOpts...), nil
}

// extractTargetPrincipal returns the service account email named in an impersonation URL.
func extractTargetPrincipal(impersonationURL string) string {
	match := targetPrincipalPattern.FindStringSubmatch(impersonationURL)
	if match == nil {
		return ""
	}

	return match[1]
}

// FetchToken implements the credentials.TokenProvider interface.
func (s *Source) FetchToken(ctx context.Context) (credentials.AccessToken, error) {
	subjectToken, err := s.subjectTokens.SubjectToken(ctx)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	form := url.Values{
		"grant_type":           {tokenExchangeGrantType},
		"audience":             {s.audience},
		"scope":                {strings.Join(s.scopes, " ")},
		"requested_token_type": {accessTokenRequestedType},
		"subject_token":        {subjectToken},
		"subject_token_type":   {s.subjectTokenType},
	}

	var header http.Header

	if s.clientID != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(s.clientID + ":" + s.clientSecret))

		header = http.Header{}
		header.Set(credentials.AuthorizationHeader, "Basic "+auth)
	}

	token, err := s.client.Token(ctx, s.tokenURL, form, header)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("externalaccount: %w", err)
	}

	return token, nil
}
