package externalaccount

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAudience         = "//iam.example.com/projects/123/locations/global/workloadIdentityPools/pool/providers/provider"
	testSubjectTokenType = "urn:ietf:params:oauth:token-type:jwt"
)

type subjectTokenStub struct {
	token string
}

func (s subjectTokenStub) SubjectToken(_ context.Context) (string, error) {
	return s.token, nil
}

func TestNewSource(t *testing.T) {
	valid := Config{
		Audience:           testAudience,
		SubjectTokenType:   testSubjectTokenType,
		SubjectTokenSource: subjectTokenStub{token: "subject-token"},
	}

	t.Run("OK", func(t *testing.T) {
		_, err := NewSource(valid)

		assert.NoError(t, err)
	})

	t.Run("MissingAudience", func(t *testing.T) {
		config := valid
		config.Audience = ""

		_, err := NewSource(config)

		assert.ErrorContains(t, err, "audience is required")
	})

	t.Run("MissingSubjectTokenType", func(t *testing.T) {
		config := valid
		config.SubjectTokenType = ""

		_, err := NewSource(config)

		assert.ErrorContains(t, err, "subject token type is required")
	})

	t.Run("MissingSubjectTokenSource", func(t *testing.T) {
		config := valid
		config.SubjectTokenSource = nil

		_, err := NewSource(config)

		assert.ErrorContains(t, err, "subject token source is required")
	})

	t.Run("MalformedImpersonationURL", func(t *testing.T) {
		config := valid
		config.ServiceAccountImpersonationURL = "https://iamcredentials.example.com/v1/serviceAccounts/robot"

		_, err := NewSource(config)

		assert.ErrorContains(t, err, "target principal")
	})
}

func TestSource_FetchToken(t *testing.T) {
	now := time.UnixMicro(1257894000000)
	clock := clockwork.NewFakeClockAt(now)

	t.Run("OK", func(t *testing.T) {
		router := mux.NewRouter()
		router.Path("/v1/token").Methods(http.MethodPost).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())

			assert.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", r.PostForm.Get("grant_type"))
			assert.Equal(t, testAudience, r.PostForm.Get("audience"))
			assert.Equal(t, "https://www.googleapis.com/auth/cloud-platform", r.PostForm.Get("scope"))
			assert.Equal(t, "urn:ietf:params:oauth:token-type:access_token", r.PostForm.Get("requested_token_type"))
			assert.Equal(t, "subject-token", r.PostForm.Get("subject_token"))
			assert.Equal(t, testSubjectTokenType, r.PostForm.Get("subject_token_type"))

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token": "token", "expires_in": 3600, "issued_token_type": "urn:ietf:params:oauth:token-type:access_token"}`))
		})

		server := httptest.NewServer(router)
		defer server.Close()

		source, err := NewSource(
			Config{
				Audience:           testAudience,
				SubjectTokenType:   testSubjectTokenType,
				SubjectTokenSource: subjectTokenStub{token: "subject-token"},
				TokenURL:           server.URL + "/v1/token",
			},
			WithClock(clock),
			WithHTTPClient(server.Client()),
		)
		require.NoError(t, err)

		token, err := source.FetchToken(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "token", token.Value)
		assert.Equal(t, now.Add(time.Hour), token.Expiry)
	})

	t.Run("ClientAuthentication", func(t *testing.T) {
		router := mux.NewRouter()
		router.Path("/v1/token").Methods(http.MethodPost).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()

			require.True(t, ok)
			assert.Equal(t, "client", username)
			assert.Equal(t, "secret", password)

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token": "token", "expires_in": 3600}`))
		})

		server := httptest.NewServer(router)
		defer server.Close()

		source, err := NewSource(
			Config{
				Audience:           testAudience,
				SubjectTokenType:   testSubjectTokenType,
				SubjectTokenSource: subjectTokenStub{token: "subject-token"},
				TokenURL:           server.URL + "/v1/token",
				ClientID:           "client",
				ClientSecret:       "secret",
			},
			WithHTTPClient(server.Client()),
		)
		require.NoError(t, err)

		_, err = source.FetchToken(context.Background())

		assert.NoError(t, err)
	})
}

func TestNewCredentials_Impersonation(t *testing.T) {
	const targetPrincipal = "robot@project.iam.example.com"

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	router := mux.NewRouter()
	router.Path("/v1/token").Methods(http.MethodPost).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		// The exchanged token carries the broad scope; impersonation narrows it.
		assert.Equal(t, "https://www.googleapis.com/auth/cloud-platform", r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "sts-token", "expires_in": 3600}`))
	})
	router.Path("/v1/projects/-/serviceAccounts/" + targetPrincipal + ":generateAccessToken").Methods(http.MethodPost).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"Bearer sts-token"}, r.Header["Authorization"])

		var request struct {
			Scope []string `json:"scope"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, []string{"https://www.example.com/auth/devstorage"}, request.Scope)

		w.Header().Set("Content-Type", "application/json")

		response := map[string]string{
			"accessToken": "impersonated-token",
			"expireTime":  expiry.Format(time.RFC3339),
		}

		require.NoError(t, json.NewEncoder(w).Encode(response))
	})

	server := httptest.NewServer(router)
	defer server.Close()

	creds, err := NewCredentials(
		Config{
			Audience:                       testAudience,
			SubjectTokenType:               testSubjectTokenType,
			SubjectTokenSource:             subjectTokenStub{token: "subject-token"},
			TokenURL:                       server.URL + "/v1/token",
			ServiceAccountImpersonationURL: server.URL + "/v1/projects/-/serviceAccounts/" + targetPrincipal + ":generateAccessToken",
			QuotaProjectID:                 "my-project",
			Scopes:                         []string{"https://www.example.com/auth/devstorage"},
		},
		WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)

	metadata, err := creds.RequestMetadata(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, map[string][]string{
		"Authorization":       {"Bearer impersonated-token"},
		"x-goog-user-project": {"my-project"},
	}, metadata)

	token := creds.AccessToken()
	require.True(t, token.HasValue())

	assert.True(t, token.Value().Expiry.Equal(expiry))
}

func TestExtractTargetPrincipal(t *testing.T) {
	principal := extractTargetPrincipal("https://iamcredentials.example.com/v1/projects/-/serviceAccounts/robot@project.iam.example.com:generateAccessToken")

	assert.Equal(t, "robot@project.iam.example.com", principal)
}
