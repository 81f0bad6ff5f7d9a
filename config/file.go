package config

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/externalaccount"
	"github.com/distribution-auth/credentials/credentials/serviceaccount"
	"github.com/distribution-auth/credentials/credentials/user"
)

// DefaultTokenURL is used when a credential does not name a token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// Credential file types.
const (
	ServiceAccountFileType  = "service_account"
	UserFileType            = "authorized_user"
	ExternalAccountFileType = "external_account"
)

// credentialsFile is the union of the JSON credential file formats.
type credentialsFile struct {
	Type string `json:"type"`

	// service account
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`

	// authorized user
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`

	// external account
	Audience                       string `json:"audience"`
	SubjectTokenType               string `json:"subject_token_type"`
	TokenURL                       string `json:"token_url"`
	ServiceAccountImpersonationURL string `json:"service_account_impersonation_url"`
	QuotaProjectID                 string `json:"quota_project_id"`

	CredentialSource *credentialSource `json:"credential_source"`
}

type credentialSource struct {
	File    string            `json:"file"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`

	Format struct {
		Type                  string `json:"type"`
		SubjectTokenFieldName string `json:"subject_token_field_name"`
	} `json:"format"`
}

// LoadCredentialsFile reads a JSON credential file from path.
// See ParseCredentials for the recognized formats.
func LoadCredentialsFile(path string, scopes ...string) (*credentials.Credentials, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	return ParseCredentials(content, scopes...)
}

// ParseCredentials parses a JSON credential file, dispatching on its type field.
//
// Recognized types are service_account, authorized_user and external_account.
// Scopes apply to credential types that request them during the grant;
// an authorized user credential carries the consented scopes already.
func ParseCredentials(content []byte, scopes ...string) (*credentials.Credentials, error) {
	var file credentialsFile

	err := json.Unmarshal(content, &file)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	switch file.Type {
	case ServiceAccountFileType:
		tokenURL := file.TokenURI
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}

		return serviceaccount.NewCredentials(serviceaccount.Config{
			ClientEmail:  file.ClientEmail,
			PrivateKey:   []byte(file.PrivateKey),
			PrivateKeyID: file.PrivateKeyID,
			TokenURL:     tokenURL,
			Scopes:       slices.Clone(scopes),
		})
	case UserFileType:
		tokenURL := file.TokenURI
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}

		return user.NewCredentials(user.Config{
			ClientID:     file.ClientID,
			ClientSecret: file.ClientSecret,
			RefreshToken: file.RefreshToken,
			TokenURL:     tokenURL,
		})
	case ExternalAccountFileType:
		source, err := subjectTokenSourceFromFile(file.CredentialSource)
		if err != nil {
			return nil, err
		}

		return externalaccount.NewCredentials(externalaccount.Config{
			Audience:                       file.Audience,
			SubjectTokenType:               file.SubjectTokenType,
			SubjectTokenSource:             source,
			TokenURL:                       file.TokenURL,
			ServiceAccountImpersonationURL: file.ServiceAccountImpersonationURL,
			ClientID:                       file.ClientID,
			ClientSecret:                   file.ClientSecret,
			QuotaProjectID:                 file.QuotaProjectID,
			Scopes:                         slices.Clone(scopes),
		})
	case "":
		return nil, fmt.Errorf("parsing credentials file: missing type field")
	default:
		return nil, fmt.Errorf("parsing credentials file: unrecognized type %q", file.Type)
	}
}

func subjectTokenSourceFromFile(source *credentialSource) (externalaccount.SubjectTokenSource, error) {
	if source == nil {
		return nil, fmt.Errorf("parsing credentials file: missing credential source")
	}

	format := externalaccount.Format{
		Type:                  source.Format.Type,
		SubjectTokenFieldName: source.Format.SubjectTokenFieldName,
	}

	if source.File != "" {
		return externalaccount.NewFileSource(source.File, format)
	}

	return externalaccount.NewURLSource(source.URL, maps.Clone(source.Headers), format)
}
