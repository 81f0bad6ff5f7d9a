// Package compute implements credentials served by a compute platform's
// metadata server, where the platform attaches an identity to the workload
// and no key material is present in the process.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

const (
	// defaultMetadataHost is where the metadata server answers on supported platforms.
	defaultMetadataHost = "metadata.google.internal"

	// metadataHostEnv overrides the metadata server host (host or host:port).
	metadataHostEnv = "GCE_METADATA_HOST"

	// skipPlatformCheckEnv disables the platform probe when set to "true".
	// The probe reports not-on-platform without touching the network.
	skipPlatformCheckEnv = "NO_GCE_CHECK"

	tokenPath = "/computeMetadata/v1/instance/service-accounts/default/token"

	// flavorHeader marks requests (and genuine responses) of the metadata protocol.
	flavorHeader = "Metadata-Flavor"
	flavorValue  = "Google"
)

// ErrNotOnPlatform is returned when the metadata server cannot be reached,
// meaning the process is not running on a supported compute platform.
var ErrNotOnPlatform = errors.New("compute: metadata server is unreachable (not running on a supported compute platform?)")

// ErrScopesNotConfigured is returned when the metadata server answers 404,
// which it does when the instance was created without permission scopes.
var ErrScopesNotConfigured = errors.New("compute: metadata server has no token for this instance (missing permission scopes?)")

// MetadataHost returns the metadata server host, honoring the environment override.
func MetadataHost() string {
	if host := os.Getenv(metadataHostEnv); host != "" {
		return host
	}

	return defaultMetadataHost
}

// Source fetches access tokens from the metadata server.
// It implements the credentials.TokenProvider interface.
type Source struct {
	host   string
	scopes []string

	httpClient *http.Client
	clock      clockwork.Clock
	logger     *zap.Logger
}

// Option configures a Source.
type Option interface {
	applySource(s *Source)
}

type optionFunc func(s *Source)

func (fn optionFunc) applySource(s *Source) {
	fn(s)
}

// WithMetadataHost overrides the metadata server host (host or host:port).
func WithMetadataHost(host string) Option {
	return optionFunc(func(s *Source) {
		s.host = host
	})
}

// WithScopes narrows the requested token to the given scopes.
// Without it the token carries the scopes configured on the instance.
func WithScopes(scopes ...string) Option {
	return optionFunc(func(s *Source) {
		s.scopes = slices.Clone(scopes)
	})
}

// WithHTTPClient sets the HTTP client used for metadata requests.
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

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(s *Source) {
		s.logger = logger
	})
}

// NewSource returns a new Source talking to the metadata server.
func NewSource(opts ...Option) *Source {
	s := &Source{
		host: MetadataHost(),
	}

	for _, opt := range opts {
		opt.applySource(s)
	}

	if s.httpClient == nil {
		s.httpClient = http.DefaultClient
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	return s
}

// NewCredentials returns cached credentials backed by the metadata server.
func NewCredentials(opts ...Option) *credentials.Credentials {
	source := NewSource(opts...)

	return credentials.NewCredentials(source, credentials.WithClock(source.clock), credentials.WithLogger(source.logger))
}

func (s *Source) tokenURL() string {
	u := url.URL{
		Scheme: "http",
		Host:   s.host,
		Path:   tokenPath,
	}

	if len(s.scopes) > 0 {
		u.RawQuery = url.Values{"scopes": {strings.Join(s.scopes, ",")}}.Encode()
	}

	return u.String()
}

// FetchToken implements the credentials.TokenProvider interface.
func (s *Source) FetchToken(ctx context.Context) (credentials.AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tokenURL(), nil)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	req.Header.Set(flavorHeader, flavorValue)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("%w: %s", ErrNotOnPlatform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("compute: reading metadata response: %w", err)
	}

	// The metadata server answers 404 for instances created without scopes.
	if resp.StatusCode == http.StatusNotFound {
		return credentials.AccessToken{}, ErrScopesNotConfigured
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return credentials.AccessToken{}, fmt.Errorf("compute: metadata server answered status %d: %s", resp.StatusCode, body)
	}

	var response map[string]any

	err = json.Unmarshal(body, &response)
	if err != nil {
		return credentials.AccessToken{}, fmt.Errorf("compute: decoding metadata response: %w", err)
	}

	const errPrefix = "compute: parsing token response"

	value, err := tokenendpoint.StringField(response, "access_token", errPrefix)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	expiresIn, err := tokenendpoint.IntField(response, "expires_in", errPrefix)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	return credentials.AccessToken{
		Value:  value,
		Expiry: s.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

const (
	probeAttempts = 3
	probeTimeout  = 500 * time.Millisecond
)

// OnComputePlatform reports whether the process appears to run on a compute
// platform with a metadata server. It probes the server root a few times with
// a short timeout and checks the response flavor header, so a web server that
// happens to squat on the metadata address is not mistaken for the real thing.
func OnComputePlatform(ctx context.Context, opts ...Option) bool {
	s := NewSource(opts...)

	if strings.EqualFold(os.Getenv(skipPlatformCheckEnv), "true") {
		return false
	}

	u := url.URL{Scheme: "http", Host: s.host, Path: "/"}

	for i := 0; i < probeAttempts; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)

		ok, retry := s.probe(probeCtx, u.String())
		cancel()

		if ok {
			return true
		}

		if !retry {
			return false
		}
	}

	return false
}

func (s *Source) probe(ctx context.Context, url string) (ok bool, retry bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false
	}

	req.Header.Set(flavorHeader, flavorValue)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug("metadata server probe failed", zap.Error(err))

		return false, true
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	return resp.Header.Get(flavorHeader) == flavorValue, false
}
