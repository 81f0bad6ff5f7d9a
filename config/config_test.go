package config

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCredential_UnmarshalYAML(t *testing.T) {
	t.Run("ServiceAccount", func(t *testing.T) {
		const source = `
credential:
    type: serviceAccount
    config:
        clientEmail: robot@project.iam.example.com
        privateKeyFile: testdata/key.pem
        privateKeyId: key-id
        scopes:
            - https://www.example.com/auth/devstorage
`

		var config Config

		require.NoError(t, yaml.Unmarshal([]byte(source), &config))
		require.NoError(t, config.Validate())

		factory, ok := config.Credential.Config.(*serviceAccountCredential)
		require.True(t, ok)

		assert.Equal(t, "robot@project.iam.example.com", factory.ClientEmail)
		assert.Equal(t, "testdata/key.pem", factory.PrivateKeyFile)
		assert.Equal(t, "key-id", factory.PrivateKeyID)
		assert.Equal(t, []string{"https://www.example.com/auth/devstorage"}, factory.Scopes)

		creds, err := factory.CreateCredentials()
		require.NoError(t, err)

		assert.NotNil(t, creds)
	})

	t.Run("User", func(t *testing.T) {
		const source = `
credential:
    type: user
    config:
        clientId: client
        clientSecret: secret
        refreshToken: refresh
`

		var config Config

		require.NoError(t, yaml.Unmarshal([]byte(source), &config))
		require.NoError(t, config.Validate())

		factory, ok := config.Credential.Config.(*userCredential)
		require.True(t, ok)

		assert.Equal(t, "client", factory.ClientID)
		assert.Equal(t, "secret", factory.ClientSecret)
		assert.Equal(t, "refresh", factory.RefreshToken)

		creds, err := factory.CreateCredentials()
		require.NoError(t, err)

		assert.NotNil(t, creds)
	})

	t.Run("Compute", func(t *testing.T) {
		const source = `
credential:
    type: compute
    config:
        scopes:
            - https://www.example.com/auth/devstorage
`

		var config Config

		require.NoError(t, yaml.Unmarshal([]byte(source), &config))
		require.NoError(t, config.Validate())

		factory, ok := config.Credential.Config.(*computeCredential)
		require.True(t, ok)

		assert.Equal(t, []string{"https://www.example.com/auth/devstorage"}, factory.Scopes)
	})

	t.Run("ExternalAccount", func(t *testing.T) {
		const source = `
credential:
    type: externalAccount
    config:
        audience: //iam.example.com/projects/123/providers/provider
        subjectTokenType: urn:ietf:params:oauth:token-type:jwt
        credentialSource:
            file: /var/run/secrets/token
            format:
                type: json
                subjectTokenFieldName: id_token
`

		var config Config

		require.NoError(t, yaml.Unmarshal([]byte(source), &config))
		require.NoError(t, config.Validate())

		factory, ok := config.Credential.Config.(*externalAccountCredential)
		require.True(t, ok)

		assert.Equal(t, "//iam.example.com/projects/123/providers/provider", factory.Audience)
		assert.Equal(t, "/var/run/secrets/token", factory.CredentialSource.File)
		assert.Equal(t, "json", factory.CredentialSource.Format.Type)
	})

	t.Run("UnknownType", func(t *testing.T) {
		const source = `
credential:
    type: unknown
`

		var config Config

		err := yaml.Unmarshal([]byte(source), &config)
		require.Error(t, err)

		assert.ErrorContains(t, err, "unknown credential type: unknown")
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("MissingCredential", func(t *testing.T) {
		err := Config{}.Validate()
		require.Error(t, err)

		assert.ErrorContains(t, err, "credential is required")
	})

	t.Run("InvalidServiceAccount", func(t *testing.T) {
		config := Config{
			Credential: Credential{
				Config: &serviceAccountCredential{},
			},
		}

		err := config.Validate()
		require.Error(t, err)

		assert.ErrorContains(t, err, "clientEmail is required")
	})

	t.Run("InvalidExternalAccount", func(t *testing.T) {
		config := Config{
			Credential: Credential{
				Config: &externalAccountCredential{
					Audience:         "//iam.example.com/projects/123/providers/provider",
					SubjectTokenType: "urn:ietf:params:oauth:token-type:jwt",
					CredentialSource: rawCredentialSource{
						File: "/var/run/secrets/token",
						URL:  "https://example.com/token",
					},
				},
			},
		}

		err := config.Validate()
		require.Error(t, err)

		assert.ErrorContains(t, err, "mutually exclusive")
	})
}

func TestParseCredentials(t *testing.T) {
	privateKey, err := os.ReadFile("testdata/key.pem")
	require.NoError(t, err)

	t.Run("ServiceAccount", func(t *testing.T) {
		content, err := json.Marshal(map[string]string{
			"type":           ServiceAccountFileType,
			"client_email":   "robot@project.iam.example.com",
			"private_key":    string(privateKey),
			"private_key_id": "key-id",
		})
		require.NoError(t, err)

		creds, err := ParseCredentials(content, "https://www.example.com/auth/devstorage")
		require.NoError(t, err)

		assert.NotNil(t, creds)
	})

	t.Run("AuthorizedUser", func(t *testing.T) {
		content, err := json.Marshal(map[string]string{
			"type":          UserFileType,
			"client_id":     "client",
			"client_secret": "secret",
			"refresh_token": "refresh",
		})
		require.NoError(t, err)

		creds, err := ParseCredentials(content)
		require.NoError(t, err)

		assert.NotNil(t, creds)
	})

	t.Run("ExternalAccount", func(t *testing.T) {
		content, err := json.Marshal(map[string]interface{}{
			"type":               ExternalAccountFileType,
			"audience":           "//iam.example.com/projects/123/providers/provider",
			"subject_token_type": "urn:ietf:params:oauth:token-type:jwt",
			"credential_source": map[string]interface{}{
				"file": "/var/run/secrets/token",
			},
		})
		require.NoError(t, err)

		creds, err := ParseCredentials(content)
		require.NoError(t, err)

		assert.NotNil(t, creds)
	})

	t.Run("MissingType", func(t *testing.T) {
		_, err := ParseCredentials([]byte(`{"client_id": "client"}`))
		require.Error(t, err)

		assert.ErrorContains(t, err, "missing type field")
	})

	t.Run("UnrecognizedType", func(t *testing.T) {
		_, err := ParseCredentials([]byte(`{"type": "certificate"}`))
		require.Error(t, err)

		assert.ErrorContains(t, err, `unrecognized type "certificate"`)
	})

	t.Run("MalformedContent", func(t *testing.T) {
		_, err := ParseCredentials([]byte("not json"))

		assert.Error(t, err)
	})
}

func TestLoadCredentialsFile(t *testing.T) {
	_, err := LoadCredentialsFile("testdata/missing.json")

	assert.Error(t, err)
}
