// Package tokenendpoint implements the HTTP and JSON plumbing shared by the
// credential variants that exchange something for an access token.
package tokenendpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/distribution-auth/credentials/credentials"
)

// Client issues token requests and parses token responses.
type Client struct {
	httpClient *http.Client
	clock      clockwork.Clock
}

// Option configures a Client.
type Option interface {
	applyClient(c *Client)
}

type optionFunc func(c *Client)

func (fn optionFunc) applyClient(c *Client) {
	fn(c)
}

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return optionFunc(func(c *Client) {
		c.httpClient = httpClient
	})
}

// WithClock sets the clock used to compute token expiry from expires_in values.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(c *Client) {
		c.clock = clock
	})
}

// NewClient returns a new Client.
func NewClient(opts ...Option) *Client {
	c := &Client{}

	for _, opt := range opts {
		opt.applyClient(c)
	}

	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}

	return c
}

// Token POSTs form to the token endpoint at endpoint and parses the response
// into an access token, using header (if any) for client authentication.
func (c *Client) Token(ctx context.Context, endpoint string, form url.Values, header http.Header) (credentials.AccessToken, error) {
	response, err := c.PostForm(ctx, endpoint, form, header)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	return c.AccessToken(response)
}

// PostForm POSTs form to endpoint and decodes the JSON response body.
// Non-2xx responses are turned into errors carrying the remote error detail.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values, header http.Header) (map[string]interface{}, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		request.Header[key] = values
	}

	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(request)
}

// PostJSON POSTs a JSON body to endpoint and decodes the JSON response body.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body interface{}, header http.Header) (map[string]interface{}, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(encoded)))
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		request.Header[key] = values
	}

	request.Header.Set("Content-Type", "application/json")

	return c.do(request)
}

func (c *Client) do(request *http.Request) (map[string]interface{}, error) {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{
			StatusCode: response.StatusCode,
			Detail:     errorDetail(body),
		}
	}

	var decoded map[string]interface{}

	err = json.Unmarshal(body, &decoded)
	if err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	return decoded, nil
}

// AccessToken extracts an access token from a decoded token response.
// The expiry is computed from the expires_in field relative to the client's clock.
func (c *Client) AccessToken(response map[string]interface{}) (credentials.AccessToken, error) {
	const errPrefix = "parsing token response"

	value, err := StringField(response, "access_token", errPrefix)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	expiresIn, err := IntField(response, "expires_in", errPrefix)
	if err != nil {
		return credentials.AccessToken{}, err
	}

	return credentials.AccessToken{
		Value:  value,
		Expiry: c.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// StatusError is a non-2xx token endpoint response.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	}

	return fmt.Sprintf("token endpoint returned status %d: %s", e.StatusCode, e.Detail)
}

// errorDetail renders a structured OAuth2 error body ({"error": ..., "error_description": ...})
// into a human-readable message, falling back to the raw body.
func errorDetail(body []byte) string {
	var decoded map[string]interface{}

	if err := json.Unmarshal(body, &decoded); err == nil {
		switch e := decoded["error"].(type) {
		case string:
			if description, ok := decoded["error_description"].(string); ok && description != "" {
				return fmt.Sprintf("%s: %s", e, description)
			}

			return e
		case map[string]interface{}:
			// IAM style error body: {"error": {"code": ..., "message": ...}}
			if message, ok := e["message"].(string); ok {
				return message
			}
		}
	}

	return strings.TrimSpace(string(body))
}

// StringField reads a required string field from a decoded JSON response.
func StringField(response map[string]interface{}, key string, errPrefix string) (string, error) {
	raw, ok := response[key]
	if !ok {
		return "", fmt.Errorf("%s: missing field %q", errPrefix, key)
	}

	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s: field %q is not a string", errPrefix, key)
	}

	return value, nil
}

// IntField reads a required integer field from a decoded JSON response.
func IntField(response map[string]interface{}, key string, errPrefix string) (int, error) {
	raw, ok := response[key]
	if !ok {
		return 0, fmt.Errorf("%s: missing field %q", errPrefix, key)
	}

	// encoding/json decodes numbers into float64
	switch value := raw.(type) {
	case float64:
		return int(value), nil
	case string:
		var parsed int

		_, err := fmt.Sscanf(value, "%d", &parsed)
		if err != nil {
			return 0, fmt.Errorf("%s: field %q is not a number", errPrefix, key)
		}

		return parsed, nil
	default:
		return 0, fmt.Errorf("%s: field %q is not a number", errPrefix, key)
	}
}
