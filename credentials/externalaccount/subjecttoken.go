package externalaccount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/distribution-auth/credentials/credentials/internal/tokenendpoint"
)

// SubjectTokenSource retrieves the external credential to be exchanged.
type SubjectTokenSource interface {
	// SubjectToken returns the external credential in its wire form.
	SubjectToken(ctx context.Context) (string, error)
}

// Format describes how a subject token is extracted from retrieved content.
type Format struct {
	// Type is either "text" (the content is the token) or "json".
	// An empty type means "text".
	Type string

	// SubjectTokenFieldName is the field holding the token when Type is "json".
	SubjectTokenFieldName string
}

func (f Format) validate() error {
	switch f.Type {
	case "", "text":
		return nil
	case "json":
		if f.SubjectTokenFieldName == "" {
			return errors.New("externalaccount: a subject token field name is required for the json format")
		}

		return nil
	default:
		return fmt.Errorf("externalaccount: unsupported subject token format %q", f.Type)
	}
}

func (f Format) extract(content []byte) (string, error) {
	if f.Type != "json" {
		return strings.TrimSpace(string(content)), nil
	}

	var decoded map[string]interface{}

	err := json.Unmarshal(content, &decoded)
	if err != nil {
		return "", fmt.Errorf("externalaccount: decoding subject token content: %w", err)
	}

	return tokenendpoint.StringField(decoded, f.SubjectTokenFieldName, "externalaccount: parsing subject token content")
}

// FileSource reads the subject token from a file on every exchange,
// picking up rotated credentials without restarting.
type FileSource struct {
	Path   string
	Format Format
}

// NewFileSource returns a source reading the subject token from the file at path.
func NewFileSource(path string, format Format) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("externalaccount: a file path is required")
	}

	err := format.validate()
	if err != nil {
		return nil, err
	}

	return &FileSource{Path: path, Format: format}, nil
}

// SubjectToken implements the SubjectTokenSource interface.
func (s *FileSource) SubjectToken(ctx context.Context) (string, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("externalaccount: reading subject token file: %w", err)
	}

	return s.Format.extract(content)
}

// URLSource fetches the subject token from a local or remote endpoint on every exchange.
type URLSource struct {
	URL     string
	Headers map[string]string
	Format  Format

	HTTPClient *http.Client
}

// NewURLSource returns a source fetching the subject token from url.
func NewURLSource(url string, headers map[string]string, format Format) (*URLSource, error) {
	if url == "" {
		return nil, errors.New("externalaccount: a URL is required")
	}

	err := format.validate()
	if err != nil {
		return nil, err
	}

	return &URLSource{URL: url, Headers: headers, Format: format}, nil
}

// SubjectToken implements the SubjectTokenSource interface.
func (s *URLSource) SubjectToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", err
	}

	for key, value := range s.Headers {
		req.Header.Set(key, value)
	}

	httpClient := s.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("externalaccount: fetching subject token: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("externalaccount: reading subject token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("externalaccount: subject token endpoint returned status %d: %s", resp.StatusCode, content)
	}

	return s.Format.extract(content)
}
