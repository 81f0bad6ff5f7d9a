package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution-auth/credentials/credentials"
)

type metadataSourceStub struct {
	metadata map[string][]string
	err      error

	requestedURI string
}

func (s *metadataSourceStub) RequestMetadata(_ context.Context, uri string) (map[string][]string, error) {
	s.requestedURI = uri

	return s.metadata, s.err
}

func TestTransport_RoundTrip(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, []string{"Bearer token"}, r.Header["Authorization"])
			assert.Equal(t, []string{"my-project"}, r.Header["X-Goog-User-Project"])
		}))
		defer server.Close()

		source := &metadataSourceStub{
			metadata: map[string][]string{
				"Authorization":       {"Bearer token"},
				"x-goog-user-project": {"my-project"},
			},
		}

		client := NewClient(source)

		req, err := http.NewRequest(http.MethodGet, server.URL+"/resource?query=value", nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		// The target passed to the source carries no query string.
		assert.Equal(t, server.URL+"/resource", source.requestedURI)

		// The caller's request is left untouched.
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("SourceError", func(t *testing.T) {
		sourceErr := errors.New("refreshing failed")

		client := NewClient(&metadataSourceStub{err: sourceErr})

		req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
		require.NoError(t, err)

		_, err = client.Do(req)
		require.Error(t, err)

		assert.ErrorIs(t, err, sourceErr)
	})

	t.Run("MissingSource", func(t *testing.T) {
		client := &http.Client{Transport: &Transport{}}

		req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
		require.NoError(t, err)

		_, err = client.Do(req)

		assert.Error(t, err)
	})
}

func TestTransport_WithCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"Bearer token"}, r.Header["Authorization"])
	}))
	defer server.Close()

	creds := credentials.NewStaticCredentials(credentials.AccessToken{Value: "token"})

	client := &http.Client{
		Transport: NewTransport(creds, server.Client().Transport),
	}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
