package credentials

import (
	"time"
)

// Header name and value prefix for the request metadata produced by this package.
const (
	AuthorizationHeader = "Authorization"

	bearerPrefix = "Bearer "
)

// AccessToken is a short-lived credential presented as a bearer token to authenticate requests.
type AccessToken struct {
	// Value is the opaque token string.
	Value string

	// Expiry is the instant the token expires at.
	// A zero Expiry means the token does not expire.
	Expiry time.Time
}

// cachedValue is an immutable snapshot of the access token owned by Credentials
// together with the request metadata rendered from it.
// It is replaced as a whole on refresh, never mutated in place.
type cachedValue struct {
	token    AccessToken
	metadata map[string][]string
}

func newCachedValue(token AccessToken, extraMetadata map[string][]string) *cachedValue {
	metadata := map[string][]string{
		AuthorizationHeader: {bearerPrefix + token.Value},
	}

	for key, values := range extraMetadata {
		metadata[key] = values
	}

	return &cachedValue{
		token:    token,
		metadata: metadata,
	}
}
