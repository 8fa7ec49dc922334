package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Provider names an OAuth account type held by the token broker.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ErrNoAccount is returned when the broker has no account for the provider.
var ErrNoAccount = errors.New("no account connected")

// BrokerClient fetches provider access tokens from an auth server that owns
// storage and refresh of the underlying OAuth grant.
type BrokerClient struct {
	baseURL string
	client  *http.Client
}

// NewBrokerClient returns a client for the auth server at baseURL.
func NewBrokerClient(baseURL string) *BrokerClient {
	return &BrokerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches the current access token for provider using the caller's JWT.
func (c *BrokerClient) Token(ctx context.Context, bearer string, provider Provider) (*oauth2.Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAccount)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    "Bearer",
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}

// TokenSource adapts the broker to oauth2.TokenSource. Tokens are cached
// until they expire.
func (c *BrokerClient) TokenSource(ctx context.Context, bearer string, provider Provider) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, brokerSource{ctx: ctx, client: c, bearer: bearer, provider: provider})
}

type brokerSource struct {
	ctx      context.Context
	client   *BrokerClient
	bearer   string
	provider Provider
}

func (s brokerSource) Token() (*oauth2.Token, error) {
	return s.client.Token(s.ctx, s.bearer, s.provider)
}
