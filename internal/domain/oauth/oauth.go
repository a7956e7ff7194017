// Package oauth defines generic OAuth provider configuration and token
// entities. Provider quirks (nested token paths, Basic-Auth vs body
// secrets, scope parameter naming) are expressed as configuration knobs so
// that one client implementation serves every provider.
package oauth

import (
	"errors"
	"time"
)

// AuthStyle controls where the client secret is sent during token exchange.
type AuthStyle string

const (
	// AuthStyleBasic sends client credentials via HTTP Basic auth.
	AuthStyleBasic AuthStyle = "basic"
	// AuthStyleBody sends client credentials as form fields.
	AuthStyleBody AuthStyle = "body"
)

// Config describes one provider's authorization endpoints and quirks.
type Config struct {
	Provider     string    `yaml:"provider" json:"provider"`
	ClientID     string    `yaml:"client_id" json:"client_id"`
	ClientSecret string    `yaml:"client_secret" json:"-"`
	AuthURL      string    `yaml:"auth_url" json:"auth_url"`
	TokenURL     string    `yaml:"token_url" json:"token_url"`
	RedirectURL  string    `yaml:"redirect_url" json:"redirect_url"`
	Scopes       []string  `yaml:"scopes" json:"scopes,omitempty"`
	ScopeParam   string    `yaml:"scope_param" json:"scope_param,omitempty"`         // default "scope"
	ScopeJoin    string    `yaml:"scope_join" json:"scope_join,omitempty"`           // default " "
	AuthStyle    AuthStyle `yaml:"auth_style" json:"auth_style,omitempty"`           // default basic
	TokenPath    string    `yaml:"token_path" json:"token_path,omitempty"`           // dotted path to the token object, e.g. "data"
	UsePKCE      bool      `yaml:"use_pkce" json:"use_pkce,omitempty"`
}

// Validate checks the config has the fields every flow needs.
func (c *Config) Validate() error {
	switch {
	case c.Provider == "":
		return errors.New("oauth: provider is required")
	case c.ClientID == "":
		return errors.New("oauth: client_id is required")
	case c.AuthURL == "":
		return errors.New("oauth: auth_url is required")
	case c.TokenURL == "":
		return errors.New("oauth: token_url is required")
	case c.RedirectURL == "":
		return errors.New("oauth: redirect_url is required")
	}
	return nil
}

// Token is an issued credential, normalized across providers.
type Token struct {
	Provider     string    `json:"provider"`
	ConnectorID  string    `json:"connector_id,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// expirySkew is subtracted from the expiry when deciding whether a token
// still has useful life left.
const expirySkew = 30 * time.Second

// Valid reports whether the token exists and has not expired.
func (t *Token) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return time.Now().Before(t.Expiry.Add(-expirySkew))
}
