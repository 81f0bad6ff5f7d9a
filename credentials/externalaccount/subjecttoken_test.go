package externalaccount

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_Validate(t *testing.T) {
	assert.NoError(t, Format{}.validate())
	assert.NoError(t, Format{Type: "text"}.validate())
	assert.NoError(t, Format{Type: "json", SubjectTokenFieldName: "token"}.validate())

	assert.Error(t, Format{Type: "json"}.validate())
	assert.Error(t, Format{Type: "xml"}.validate())
}

func TestFileSource(t *testing.T) {
	writeFile := func(t *testing.T, content string) string {
		t.Helper()

		path := filepath.Join(t.TempDir(), "token")

		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		return path
	}

	t.Run("Text", func(t *testing.T) {
		source, err := NewFileSource(writeFile(t, "subject-token\n"), Format{})
		require.NoError(t, err)

		token, err := source.SubjectToken(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "subject-token", token)
	})

	t.Run("JSON", func(t *testing.T) {
		source, err := NewFileSource(
			writeFile(t, `{"id_token": "subject-token"}`),
			Format{Type: "json", SubjectTokenFieldName: "id_token"},
		)
		require.NoError(t, err)

		token, err := source.SubjectToken(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "subject-token", token)
	})

	t.Run("MissingField", func(t *testing.T) {
		source, err := NewFileSource(
			writeFile(t, `{"token": "subject-token"}`),
			Format{Type: "json", SubjectTokenFieldName: "id_token"},
		)
		require.NoError(t, err)

		_, err = source.SubjectToken(context.Background())

		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		source, err := NewFileSource(filepath.Join(t.TempDir(), "missing"), Format{})
		require.NoError(t, err)

		_, err = source.SubjectToken(context.Background())

		assert.Error(t, err)
	})

	t.Run("MissingPath", func(t *testing.T) {
		_, err := NewFileSource("", Format{})

		assert.Error(t, err)
	})
}

func TestURLSource(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "api-key", r.Header.Get("X-Api-Key"))

			w.Write([]byte("subject-token"))
		}))
		defer server.Close()

		source, err := NewURLSource(server.URL, map[string]string{"X-Api-Key": "api-key"}, Format{})
		require.NoError(t, err)

		source.HTTPClient = server.Client()

		token, err := source.SubjectToken(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "subject-token", token)
	})

	t.Run("JSON", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token": "subject-token"}`))
		}))
		defer server.Close()

		source, err := NewURLSource(server.URL, nil, Format{Type: "json", SubjectTokenFieldName: "access_token"})
		require.NoError(t, err)

		source.HTTPClient = server.Client()

		token, err := source.SubjectToken(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "subject-token", token)
	})

	t.Run("ErrorStatus", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer server.Close()

		source, err := NewURLSource(server.URL, nil, Format{})
		require.NoError(t, err)

		source.HTTPClient = server.Client()

		_, err = source.SubjectToken(context.Background())
		require.Error(t, err)

		assert.ErrorContains(t, err, "status 403")
	})
}
