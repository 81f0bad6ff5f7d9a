// Package transport integrates credentials with net/http clients.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/distribution-auth/credentials/credentials"
)

// Transport is an http.RoundTripper that attaches credential metadata
// (typically an Authorization header) to outgoing requests.
//
// It wraps an existing transport and asks the metadata source for headers
// before each request, so cached credentials refresh transparently.
type Transport struct {
	// Base is the underlying transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Source provides per-request metadata.
	Source credentials.MetadataSource
}

// RoundTrip implements the http.RoundTripper interface.
//
// The metadata fetch respects the request context's cancellation and deadline.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Source == nil {
		return nil, errors.New("transport: no metadata source configured")
	}

	metadata, err := t.Source.RequestMetadata(req.Context(), requestURI(req))
	if err != nil {
		return nil, fmt.Errorf("transport: fetching request metadata: %w", err)
	}

	// Clone so the caller's request is left unmodified.
	req = req.Clone(req.Context())

	for key, values := range metadata {
		req.Header[http.CanonicalHeaderKey(key)] = values
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(req)
}

// requestURI renders the request target the way audience-bound credentials
// expect it: scheme, host and path, without query or fragment.
func requestURI(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}

// NewTransport returns a transport attaching metadata from source,
// delegating to base (or http.DefaultTransport when base is nil).
func NewTransport(source credentials.MetadataSource, base http.RoundTripper) *Transport {
	return &Transport{
		Base:   base,
		Source: source,
	}
}

// NewClient returns an HTTP client attaching metadata from source to every request.
func NewClient(source credentials.MetadataSource) *http.Client {
	return &http.Client{
		Transport: NewTransport(source, nil),
		Timeout:   30 * time.Second,
	}
}
