package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

// Default endpoints of the authorization code flow.
const (
	defaultAuthorizationURL = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL         = "https://oauth2.googleapis.com/token"
	defaultRevokeURL        = "https://oauth2.googleapis.com/revoke"

	defaultCallbackPath = "/oauth2callback"
)

// ClientID identifies the application requesting consent.
type ClientID struct {
	ID     string
	Secret string
}

// Authorizer ties the OAuth2 authorization code flow to a TokenStore,
// producing per-user credentials that persist their tokens across refreshes.
type Authorizer struct {
	clientID ClientID
	scopes   []string
	store    TokenStore

	callbackURI      *url.URL
	authorizationURL string
	tokenURL         string
	revokeURL        string

	httpClient *http.Client
	client     *tokenendpoint.Client
	clock      clockwork.Clock
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption interface {
	applyAuthorizer(a *Authorizer)
}

type authorizerOptionFunc func(a *Authorizer)

func (fn authorizerOptionFunc) applyAuthorizer(a *Authorizer) {
	fn(a)
}

// WithCallbackURI sets the redirect URI of the flow.
// A relative URI is resolved against the base URI passed to AuthorizationURL.
func WithCallbackURI(uri *url.URL) AuthorizerOption {
	return authorizerOptionFunc(func(a *Authorizer) {
		a.callbackURI = uri
	})
}

// WithAuthorizationEndpoint overrides the user authorization endpoint.
func WithAuthorizationEndpoint(endpoint string) AuthorizerOption {
	return authorizerOptionFunc(func(a *Authorizer) {
		a.authorizationURL = endpoint
	})
}

// WithTokenEndpoint overrides the token endpoint.
func WithTokenEndpoint(endpoint string) AuthorizerOption {
	return authorizerOptionFunc(func(a *Authorizer) {
		a.tokenURL = endpoint
	})
}

// WithRevokeEndpoint overrides the revocation endpoint.
func WithRevokeEndpoint(endpoint string) AuthorizerOption {
	return authorizerOptionFunc(func(a *Authorizer) {
		a.revokeURL = endpoint
	})
}

// WithAuthorizerHTTPClient sets the HTTP client used for token and revocation requests.
func WithAuthorizerHTTPClient(httpClient *http.Client) AuthorizerOption {
	return authorizerOptionFunc(func(a *Authorizer) {
		a.httpClient = httpClient
	})
}

// WithAuthorizerClock sets the clock used to compute token expiry.
func WithAuthorizerClock(clock clockwork.Clock) AuthorizerOption {
	return authorizerOptionFunc(func(a *Authorizer) {
		a.clock = clock
	})
}

// NewAuthorizer returns a new Authorizer.
func NewAuthorizer(clientID ClientID, scopes []string, store TokenStore, opts ...AuthorizerOption) (*Authorizer, error) {
	if clientID.ID == "" || clientID.Secret == "" {
		return nil, errors.New("user: a client ID and secret are required")
	}

	if len(scopes) == 0 {
		return nil, errors.New("user: scopes are required")
	}

	a := &Authorizer{
		clientID:         clientID,
		scopes:           slices.Clone(scopes),
		store:            store,
		callbackURI:      &url.URL{Path: defaultCallbackPath},
		authorizationURL: defaultAuthorizationURL,
		tokenURL:         defaultTokenURL,
		revokeURL:        defaultRevokeURL,
	}

	for _, opt := range opts {
		opt.applyAuthorizer(a)
	}

	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}

	clientOpts := []tokenendpoint.Option{tokenendpoint.WithClock(a.clock)}
	if a.httpClient != nil {
		clientOpts = append(clientOpts, tokenendpoint.WithHTTPClient(a.httpClient))
	}

	a.client = tokenendpoint.NewClient(clientOpts...)

	return a, nil
}

// CallbackURL resolves the configured callback URI against base (if relative).
func (a *Authorizer) CallbackURL(base *url.URL) *url.URL {
	if a.callbackURI.IsAbs() || base == nil {
		return a.callbackURI
	}

	return base.ResolveReference(a.callbackURI)
}

// AuthorizationURL returns the URL the user should be sent to in order to grant consent.
// userID (if any) is passed as a login hint; state is round-tripped through the flow.
func (a *Authorizer) AuthorizationURL(userID string, state string, base *url.URL) (*url.URL, error) {
	u, err := url.Parse(a.authorizationURL)
	if err != nil {
		return nil, err
	}

	query := url.Values{
		"response_type": {"code"},
		"client_id":     {a.clientID.ID},
		"redirect_uri":  {a.CallbackURL(base).String()},
		"scope":         {strings.Join(a.scopes, " ")},
	}

	if state != "" {
		query.Set("state", state)
	}

	if userID != "" {
		query.Set("login_hint", userID)
	}

	u.RawQuery = query.Encode()

	return u, nil
}

// storedTokens is the persisted representation of a user's tokens.
// It carries only data fields, never live transport handles.
type storedTokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
}

// Credentials returns the credentials stored for userID.
// It returns ErrTokenNotFound when the user has not authorized yet.
//
// Tokens obtained by later refreshes are persisted back to the store.
func (a *Authorizer) Credentials(ctx context.Context, userID string) (*credentials.Credentials, error) {
	if a.store == nil {
		return nil, errors.New("user: authorizer has no token store")
	}

	if userID == "" {
		return nil, errors.New("user: user ID is required")
	}

	payload, err := a.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}

	var stored storedTokens

	err = json.Unmarshal([]byte(payload), &stored)
	if err != nil {
		return nil, fmt.Errorf("user: decoding stored tokens: %w", err)
	}

	return a.newStoredCredentials(userID, stored)
}

// AuthorizeFromCode exchanges an authorization code for tokens,
// stores them under userID and returns the resulting credentials.
func (a *Authorizer) AuthorizeFromCode(ctx context.Context, userID string, code string, base *url.URL) (*credentials.Credentials, error) {
	if a.store == nil {
		return nil, errors.New("user: authorizer has no token store")
	}

	if userID == "" {
		return nil, errors.New("user: user ID is required")
	}

	token, refreshToken, err := a.exchangeCode(ctx, code, base)
	if err != nil {
		return nil, err
	}

	stored := storedTokens{
		AccessToken:  token.Value,
		Expiry:       token.Expiry,
		RefreshToken: refreshToken,
	}

	err = a.storeTokens(ctx, userID, stored)
	if err != nil {
		return nil, err
	}

	return a.newStoredCredentials(userID, stored)
}

// CredentialsFromCode exchanges an authorization code for tokens
// without persisting anything.
func (a *Authorizer) CredentialsFromCode(ctx context.Context, code string, base *url.URL) (*credentials.Credentials, error) {
	token, refreshToken, err := a.exchangeCode(ctx, code, base)
	if err != nil {
		return nil, err
	}

	return NewCredentials(
		Config{
			ClientID:     a.clientID.ID,
			ClientSecret: a.clientID.Secret,
			RefreshToken: refreshToken,
			TokenURL:     a.tokenURL,
			InitialToken: &token,
		},
		a.sourceOptions()...,
	)
}

// Revoke revokes the user's grant at the authorization server
// and deletes the stored tokens.
func (a *Authorizer) Revoke(ctx context.Context, userID string) error {
	if a.store == nil {
		return errors.New("user: authorizer has no token store")
	}

	payload, err := a.store.Load(ctx, userID)
	if err != nil {
		return err
	}

	var stored storedTokens

	err = json.Unmarshal([]byte(payload), &stored)
	if err != nil {
		return fmt.Errorf("user: decoding stored tokens: %w", err)
	}

	token := stored.RefreshToken
	if token == "" {
		token = stored.AccessToken
	}

	_, err = a.client.PostForm(ctx, a.revokeURL, url.Values{"token": {token}}, nil)
	if err != nil {
		return fmt.Errorf("user: revoking authorization: %w", err)
	}

	return a.store.Delete(ctx, userID)
}

func (a *Authorizer) exchangeCode(ctx context.Context, code string, base *url.URL) (credentials.AccessToken, string, error) {
	if code == "" {
		return credentials.AccessToken{}, "", errors.New("user: authorization code is required")
	}

	form := url.Values{
		"code":          {code},
		"client_id":     {a.clientID.ID},
		"client_secret": {a.clientID.Secret},
		"redirect_uri":  {a.CallbackURL(base).String()},
		"grant_type":    {"authorization_code"},
	}

	response, err := a.client.PostForm(ctx, a.tokenURL, form, nil)
	if err != nil {
		return credentials.AccessToken{}, "", fmt.Errorf("user: exchanging authorization code: %w", err)
	}

	token, err := a.client.AccessToken(response)
	if err != nil {
		return credentials.AccessToken{}, "", fmt.Errorf("user: %w", err)
	}

	refreshToken, _ := response["refresh_token"].(string)

	return token, refreshToken, nil
}

func (a *Authorizer) newStoredCredentials(userID string, stored storedTokens) (*credentials.Credentials, error) {
	config := Config{
		ClientID:     a.clientID.ID,
		ClientSecret: a.clientID.Secret,
		RefreshToken: stored.RefreshToken,
		TokenURL:     a.tokenURL,
	}

	if stored.AccessToken != "" {
		config.InitialToken = &credentials.AccessToken{
			Value:  stored.AccessToken,
			Expiry: stored.Expiry,
		}
	}

	creds, err := NewCredentials(config, a.sourceOptions()...)
	if err != nil {
		return nil, err
	}

	// Persist every refreshed token so other credential instances for the same user pick it up.
	creds.OnChange(func(token credentials.AccessToken) error {
		return a.storeTokens(context.Background(), userID, storedTokens{
			AccessToken:  token.Value,
			Expiry:       token.Expiry,
			RefreshToken: stored.RefreshToken,
		})
	})

	return creds, nil
}

func (a *Authorizer) storeTokens(ctx context.Context, userID string, stored storedTokens) error {
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	return a.store.Store(ctx, userID, string(payload))
}

func (a *Authorizer) sourceOptions() []Option {
	opts := []Option{WithClock(a.clock)}
	if a.httpClient != nil {
		opts = append(opts, WithHTTPClient(a.httpClient))
	}

	return opts
}
