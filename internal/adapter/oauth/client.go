// Package oauth implements a generic OAuth 2.0 authorization-code client.
// Provider differences are handled entirely through configuration: scope
// parameter naming and joining, Basic-Auth vs body client secrets, PKCE,
// and nested token response payloads.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domain "github.com/lattice-hq/lattice/internal/domain/oauth"
)

// ErrNoRefreshToken is returned by Refresh when the provider issued no
// refresh token.
var ErrNoRefreshToken = errors.New("oauth: no refresh token")

// Client drives the authorization-code flow for one provider config.
type Client struct {
	cfg        domain.Config
	httpClient *http.Client
}

// NewClient validates the provider config and creates a client for it.
func NewClient(cfg domain.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// Provider returns the provider name this client serves.
func (c *Client) Provider() string { return c.cfg.Provider }

// UsesPKCE reports whether the provider config requires PKCE.
func (c *Client) UsesPKCE() bool { return c.cfg.UsePKCE }

// AuthCodeURL builds the authorization redirect URL for the given state.
// pkce may be nil when the provider config does not use PKCE.
func (c *Client) AuthCodeURL(state string, pkce *PKCE) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("state", state)
	if len(c.cfg.Scopes) > 0 {
		q.Set(c.scopeParam(), strings.Join(c.cfg.Scopes, c.scopeJoin()))
	}
	if c.cfg.UsePKCE && pkce != nil {
		q.Set("code_challenge", pkce.Challenge)
		q.Set("code_challenge_method", "S256")
	}

	sep := "?"
	if strings.Contains(c.cfg.AuthURL, "?") {
		sep = "&"
	}
	return c.cfg.AuthURL + sep + q.Encode()
}

// Exchange redeems an authorization code for a token.
func (c *Client) Exchange(ctx context.Context, code string, pkce *PKCE) (*domain.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	if c.cfg.UsePKCE && pkce != nil {
		form.Set("code_verifier", pkce.Verifier)
	}

	tok, err := c.tokenRequest(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// Refresh obtains a new token using a refresh token. Providers that
// rotate refresh tokens return the new one; otherwise the old one is
// carried over so callers can always persist the returned token whole.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tok, err := c.tokenRequest(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (c *Client) scopeParam() string {
	if c.cfg.ScopeParam != "" {
		return c.cfg.ScopeParam
	}
	return "scope"
}

func (c *Client) scopeJoin() string {
	if c.cfg.ScopeJoin != "" {
		return c.cfg.ScopeJoin
	}
	return " "
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*domain.Token, error) {
	if c.cfg.AuthStyle == domain.AuthStyleBody {
		form.Set("client_id", c.cfg.ClientID)
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.cfg.AuthStyle != domain.AuthStyleBody {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, oauthError(data))
	}

	return c.parseToken(data)
}

// parseToken decodes the token response, descending the configured dotted
// token path first for providers that nest the token object.
func (c *Client) parseToken(data []byte) (*domain.Token, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	obj := payload
	if c.cfg.TokenPath != "" {
		for _, seg := range strings.Split(c.cfg.TokenPath, ".") {
			next, ok := obj[seg].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("token path %q not found in response", c.cfg.TokenPath)
			}
			obj = next
		}
	}

	if errMsg, ok := obj["error"].(string); ok && errMsg != "" {
		return nil, fmt.Errorf("provider error: %s", errMsg)
	}

	access, _ := obj["access_token"].(string)
	if access == "" {
		return nil, errors.New("response has no access_token")
	}

	now := time.Now()
	tok := &domain.Token{
		Provider:    c.cfg.Provider,
		AccessToken: access,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if rt, ok := obj["refresh_token"].(string); ok {
		tok.RefreshToken = rt
	}
	if tt, ok := obj["token_type"].(string); ok {
		tok.TokenType = tt
	}
	if secs := expiresIn(obj["expires_in"]); secs > 0 {
		tok.Expiry = now.Add(time.Duration(secs) * time.Second)
	}
	return tok, nil
}

// expiresIn tolerates providers that send expires_in as a string.
func expiresIn(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		secs, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return secs
	default:
		return 0
	}
}

func oauthError(data []byte) string {
	var body struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		if body.Description != "" {
			return body.Error + ": " + body.Description
		}
		return body.Error
	}
	return string(data)
}
