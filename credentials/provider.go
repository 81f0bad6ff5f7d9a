package credentials

import (
	"context"
	"errors"
)

// ErrRefreshNotSupported is returned when a refresh is attempted on credentials
// that only hold a fixed access token.
//
// Credentials constructed without a TokenProvider cannot mint a replacement token:
// either supply a new token by constructing new credentials, or use a provider-backed variant.
var ErrRefreshNotSupported = errors.New("credentials do not support refreshing the access token")

// TokenProvider obtains a new access token, typically by performing network calls
// specific to a credential variant (assertion exchange, refresh token grant,
// metadata server fetch, STS exchange, impersonation).
//
// Implementations do not need to be aware of caching: Credentials guarantees
// at most one FetchToken call is in flight per instance at any time.
type TokenProvider interface {
	FetchToken(ctx context.Context) (AccessToken, error)
}

// TokenProviderFunc allows a plain function to act as a TokenProvider.
type TokenProviderFunc func(ctx context.Context) (AccessToken, error)

// FetchToken implements the TokenProvider interface.
func (fn TokenProviderFunc) FetchToken(ctx context.Context) (AccessToken, error) {
	return fn(ctx)
}

// MetadataSource supplies request metadata (headers) for an outbound request to uri.
//
// It is implemented by Credentials and by sources that mint a credential
// per request without caching (eg. self-signed JWTs).
type MetadataSource interface {
	RequestMetadata(ctx context.Context, uri string) (map[string][]string, error)
}
