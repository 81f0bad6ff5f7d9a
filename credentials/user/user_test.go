package user

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distribution-auth/credentials/credentials"
)

func TestNewSource(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected string
	}{
		{
			name: "MissingClientID",
			config: Config{
				ClientSecret: "secret",
				RefreshToken: "refresh",
				TokenURL:     "https://example.com/token",
			},
			expected: "client ID is required",
		},
		{
			name: "MissingClientSecret",
			config: Config{
				ClientID:     "client",
				RefreshToken: "refresh",
				TokenURL:     "https://example.com/token",
			},
			expected: "client secret is required",
		},
		{
			name: "MissingRefreshTokenAndInitialToken",
			config: Config{
				ClientID:     "client",
				ClientSecret: "secret",
				TokenURL:     "https://example.com/token",
			},
			expected: "either a refresh token or an initial access token is required",
		},
		{
			name: "MissingTokenURL",
			config: Config{
				ClientID:     "client",
				ClientSecret: "secret",
				RefreshToken: "refresh",
			},
			expected: "token URL is required",
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			_, err := NewSource(test.config)
			require.Error(t, err)

			assert.ErrorContains(t, err, test.expected)
		})
	}
}

func TestSource_FetchToken(t *testing.T) {
	now := time.UnixMicro(1257894000000)
	clock := clockwork.NewFakeClockAt(now)

	router := mux.NewRouter()
	router.Path("/token").Methods(http.MethodPost).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "token", "expires_in": 3600}`))
	})

	server := httptest.NewServer(router)
	defer server.Close()

	source, err := NewSource(
		Config{
			ClientID:     "client",
			ClientSecret: "secret",
			RefreshToken: "refresh",
			TokenURL:     server.URL + "/token",
		},
		WithClock(clock),
		WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)

	token, err := source.FetchToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, credentials.AccessToken{
		Value:  "token",
		Expiry: now.Add(time.Hour),
	}, token)
}

func TestSource_FetchToken_NoRefreshToken(t *testing.T) {
	source, err := NewSource(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     "https://example.com/token",
		InitialToken: &credentials.AccessToken{Value: "token"},
	})
	require.NoError(t, err)

	_, err = source.FetchToken(context.Background())
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestNewCredentials_InitialToken(t *testing.T) {
	initialToken := credentials.AccessToken{Value: "token"}

	creds, err := NewCredentials(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     "https://example.com/token",
		InitialToken: &initialToken,
	})
	require.NoError(t, err)

	token := creds.AccessToken()
	require.True(t, token.HasValue())

	assert.Equal(t, initialToken, token.Value())
}
