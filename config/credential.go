package config

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/distribution-auth/credentials/credentials"
	"github.com/distribution-auth/credentials/credentials/compute"
	"github.com/distribution-auth/credentials/credentials/externalaccount"
	"github.com/distribution-auth/credentials/credentials/serviceaccount"
	"github.com/distribution-auth/credentials/credentials/user"
)

var (
	credentialFactoriesMu sync.RWMutex
	credentialFactories   = make(map[string]CredentialFactory)
)

// RegisterCredentialFactory makes a CredentialFactory available by the provided name in configuration.
//
// If RegisterCredentialFactory is called twice with the same name or if factory is nil,
// it panics.
func RegisterCredentialFactory(name string, factory CredentialFactory) {
	credentialFactoriesMu.Lock()
	defer credentialFactoriesMu.Unlock()

	if factory == nil {
		panic("registering credential factory: factory is nil")
	}

	if _, dup := credentialFactories[name]; dup {
		panic("registering credential factory: registration called twice for factory " + name)
	}

	credentialFactories[name] = factory
}

func init() {
	RegisterCredentialFactory("serviceAccount", &serviceAccountCredential{})
	RegisterCredentialFactory("user", &userCredential{})
	RegisterCredentialFactory("compute", &computeCredential{})
	RegisterCredentialFactory("externalAccount", &externalAccountCredential{})
	RegisterCredentialFactory("file", &fileCredential{})
}

// Credential is the configuration for a credentials.Credentials.
type Credential struct {
	Config CredentialFactory
}

func (c *Credential) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig rawConfig

	err := value.Decode(&rawConfig)
	if err != nil {
		return err
	}

	credentialFactoriesMu.RLock()
	registered, ok := credentialFactories[rawConfig.Type]
	credentialFactoriesMu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown credential type: %s", rawConfig.Type)
	}

	factory := registered.New()

	err = decode(rawConfig.Config, factory)
	if err != nil {
		return err
	}

	c.Config = factory

	return nil
}

// CredentialFactory creates a new credentials.Credentials.
type CredentialFactory interface {
	New() CredentialFactory
	CreateCredentials() (*credentials.Credentials, error)
	Validate() error
}

type serviceAccountCredential struct {
	ClientEmail    string   `mapstructure:"clientEmail"`
	PrivateKeyFile string   `mapstructure:"privateKeyFile"`
	PrivateKeyID   string   `mapstructure:"privateKeyId"`
	TokenURL       string   `mapstructure:"tokenUrl"`
	Scopes         []string `mapstructure:"scopes"`
}

func (c *serviceAccountCredential) New() CredentialFactory {
	return &serviceAccountCredential{}
}

func (c *serviceAccountCredential) CreateCredentials() (*credentials.Credentials, error) {
	privateKey, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, err
	}

	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	return serviceaccount.NewCredentials(serviceaccount.Config{
		ClientEmail:  c.ClientEmail,
		PrivateKey:   privateKey,
		PrivateKeyID: c.PrivateKeyID,
		TokenURL:     tokenURL,
		Scopes:       slices.Clone(c.Scopes),
	})
}

func (c *serviceAccountCredential) Validate() error {
	if c.ClientEmail == "" {
		return fmt.Errorf("credential: service account: clientEmail is required")
	}

	if c.PrivateKeyFile == "" {
		return fmt.Errorf("credential: service account: privateKeyFile is required")
	}

	if len(c.Scopes) == 0 {
		return fmt.Errorf("credential: service account: scopes are required")
	}

	return nil
}

type userCredential struct {
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
	RefreshToken string `mapstructure:"refreshToken"`
	TokenURL     string `mapstructure:"tokenUrl"`
}

func (c *userCredential) New() CredentialFactory {
	return &userCredential{}
}

func (c *userCredential) CreateCredentials() (*credentials.Credentials, error) {
	tokenURL := c.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	return user.NewCredentials(user.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RefreshToken: c.RefreshToken,
		TokenURL:     tokenURL,
	})
}

func (c *userCredential) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("credential: user: clientId is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("credential: user: clientSecret is required")
	}

	if c.RefreshToken == "" {
		return fmt.Errorf("credential: user: refreshToken is required")
	}

	return nil
}

type computeCredential struct {
	MetadataHost string   `mapstructure:"metadataHost"`
	Scopes       []string `mapstructure:"scopes"`
}

func (c *computeCredential) New() CredentialFactory {
	return &computeCredential{}
}

func (c *computeCredential) CreateCredentials() (*credentials.Credentials, error) {
	var opts []compute.Option

	if c.MetadataHost != "" {
		opts = append(opts, compute.WithMetadataHost(c.MetadataHost))
	}

	if len(c.Scopes) > 0 {
		opts = append(opts, compute.WithScopes(c.Scopes...))
	}

	return compute.NewCredentials(opts...), nil
}

func (c *computeCredential) Validate() error {
	return nil
}

type externalAccountCredential struct {
	Audience                       string              `mapstructure:"audience"`
	SubjectTokenType               string              `mapstructure:"subjectTokenType"`
	TokenURL                       string              `mapstructure:"tokenUrl"`
	ServiceAccountImpersonationURL string              `mapstructure:"serviceAccountImpersonationUrl"`
	ClientID                       string              `mapstructure:"clientId"`
	ClientSecret                   string              `mapstructure:"clientSecret"`
	QuotaProjectID                 string              `mapstructure:"quotaProjectId"`
	Scopes                         []string            `mapstructure:"scopes"`
	CredentialSource               rawCredentialSource `mapstructure:"credentialSource"`
}

type rawCredentialSource struct {
	File    string            `mapstructure:"file"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Format  rawFormat         `mapstructure:"format"`
}

type rawFormat struct {
	Type                  string `mapstructure:"type"`
	SubjectTokenFieldName string `mapstructure:"subjectTokenFieldName"`
}

func (c *externalAccountCredential) New() CredentialFactory {
	return &externalAccountCredential{}
}

func (c *externalAccountCredential) subjectTokenSource() (externalaccount.SubjectTokenSource, error) {
	format := externalaccount.Format{
		Type:                  c.CredentialSource.Format.Type,
		SubjectTokenFieldName: c.CredentialSource.Format.SubjectTokenFieldName,
	}

	if c.CredentialSource.File != "" {
		return externalaccount.NewFileSource(c.CredentialSource.File, format)
	}

	return externalaccount.NewURLSource(c.CredentialSource.URL, maps.Clone(c.CredentialSource.Headers), format)
}

func (c *externalAccountCredential) CreateCredentials() (*credentials.Credentials, error) {
	source, err := c.subjectTokenSource()
	if err != nil {
		return nil, err
	}

	return externalaccount.NewCredentials(externalaccount.Config{
		Audience:                       c.Audience,
		SubjectTokenType:               c.SubjectTokenType,
		SubjectTokenSource:             source,
		TokenURL:                       c.TokenURL,
		ServiceAccountImpersonationURL: c.ServiceAccountImpersonationURL,
		ClientID:                       c.ClientID,
		ClientSecret:                   c.ClientSecret,
		QuotaProjectID:                 c.QuotaProjectID,
		Scopes:                         slices.Clone(c.Scopes),
	})
}

func (c *externalAccountCredential) Validate() error {
	if c.Audience == "" {
		return fmt.Errorf("credential: external account: audience is required")
	}

	if c.SubjectTokenType == "" {
		return fmt.Errorf("credential: external account: subjectTokenType is required")
	}

	if c.CredentialSource.File == "" && c.CredentialSource.URL == "" {
		return fmt.Errorf("credential: external account: a credential source file or url is required")
	}

	if c.CredentialSource.File != "" && c.CredentialSource.URL != "" {
		return fmt.Errorf("credential: external account: credential source file and url are mutually exclusive")
	}

	return nil
}

type fileCredential struct {
	Path   string   `mapstructure:"path"`
	Scopes []string `mapstructure:"scopes"`
}

func (c *fileCredential) New() CredentialFactory {
	return &fileCredential{}
}

func (c *fileCredential) CreateCredentials() (*credentials.Credentials, error) {
	return LoadCredentialsFile(c.Path, c.Scopes...)
}

func (c *fileCredential) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("credential: file: path is required")
	}

	return nil
}
