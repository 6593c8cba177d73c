package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/microsoft"
)

// DefaultScope is requested on every refresh so the provider keeps issuing refresh tokens.
const DefaultScope = "Files.ReadWrite offline_access"

// DefaultTimeout bounds one token request, connection to last body byte.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 64 << 10

var (
	// ErrRefreshFailed matches every failed exchange, including *RefreshError.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrResponseParse means the provider answered 2xx with a body we cannot use.
	ErrResponseParse = errors.New("failed to parse token response")
)

// RefreshError is a non-2xx answer from the token endpoint.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", ErrRefreshFailed, e.StatusCode, e.Body)
}

func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}

// TokenResponse is the decoded success body of a refresh.
// RefreshToken is empty unless the provider rotated it.
type TokenResponse struct {
	AccessToken  string
	ExpiresIn    time.Duration
	RefreshToken string
}

type tokenBody struct {
	AccessToken  *string `json:"access_token"`
	ExpiresIn    *int64  `json:"expires_in"`
	RefreshToken *string `json:"refresh_token"`
}

// Client exchanges refresh tokens at the Microsoft identity platform token endpoint.
type Client struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
}

type ClientOption func(*Client)

// WithTokenURL points the client at another token endpoint, e.g. a sandbox tenant or a test server.
func WithTokenURL(tokenURL string) ClientOption {
	return func(c *Client) {
		if tokenURL != "" {
			c.tokenURL = tokenURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithScope(scope string) ClientOption {
	return func(c *Client) {
		c.scope = scope
	}
}

func NewClient(clientID, clientSecret string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		tokenURL:     microsoft.AzureADEndpoint("common").TokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        DefaultScope,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")
	data.Set("scope", c.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			body = []byte("no response body")
		}

		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tb tokenBody
	if err := json.NewDecoder(resp.Body).Decode(&tb); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponseParse, err)
	}

	switch {
	case tb.AccessToken == nil || *tb.AccessToken == "":
		return nil, fmt.Errorf("%w: missing access_token", ErrResponseParse)
	case tb.ExpiresIn == nil:
		return nil, fmt.Errorf("%w: missing expires_in", ErrResponseParse)
	}

	tr := &TokenResponse{
		AccessToken: *tb.AccessToken,
		ExpiresIn:   time.Duration(*tb.ExpiresIn) * time.Second,
	}

	if tb.RefreshToken != nil {
		tr.RefreshToken = *tb.RefreshToken
	}

	return tr, nil
}
