package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	oauthclient "github.com/lattice-hq/lattice/internal/adapter/oauth"
	"github.com/lattice-hq/lattice/internal/domain/oauth"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/secrets"
)

// StateStore persists short-lived flow state between the authorize
// redirect and the provider callback. Entries expire on their own.
type StateStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// flowState is what the authorize step stashes for the callback.
type flowState struct {
	Provider    string `json:"provider"`
	ConnectorID string `json:"connector_id"`
	Verifier    string `json:"verifier,omitempty"`
}

// OAuthService runs the authorization-code flow for connectors and hands
// out live access tokens, refreshing them as they expire. Tokens are
// sealed before they reach the store.
type OAuthService struct {
	clients map[string]*oauthclient.Client
	states  StateStore
	store   database.Store
	sealer  *secrets.Sealer
}

// NewOAuthService builds clients for every configured provider.
func NewOAuthService(providers map[string]oauth.Config, states StateStore, store database.Store, sealer *secrets.Sealer) (*OAuthService, error) {
	clients := make(map[string]*oauthclient.Client, len(providers))
	for name, cfg := range providers {
		if cfg.Provider == "" {
			cfg.Provider = name
		}
		client, err := oauthclient.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("oauth provider %q: %w", name, err)
		}
		clients[name] = client
	}
	return &OAuthService{
		clients: clients,
		states:  states,
		store:   store,
		sealer:  sealer,
	}, nil
}

// Providers returns the names of all configured providers.
func (s *OAuthService) Providers() []string {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	return names
}

// Begin starts the authorization flow for a connector and returns the
// provider URL to redirect the user to.
func (s *OAuthService) Begin(ctx context.Context, provider, connectorID string) (string, error) {
	client, ok := s.clients[provider]
	if !ok {
		return "", fmt.Errorf("oauth provider %q is not configured", provider)
	}

	state := uuid.NewString()
	fs := flowState{Provider: provider, ConnectorID: connectorID}

	var pkce *oauthclient.PKCE
	if client.UsesPKCE() {
		var err error
		pkce, err = oauthclient.GeneratePKCE()
		if err != nil {
			return "", fmt.Errorf("generate pkce: %w", err)
		}
		fs.Verifier = pkce.Verifier
	}

	data, err := json.Marshal(fs)
	if err != nil {
		return "", fmt.Errorf("marshal flow state: %w", err)
	}
	if err := s.states.Put(ctx, state, data); err != nil {
		return "", fmt.Errorf("store flow state: %w", err)
	}

	return client.AuthCodeURL(state, pkce), nil
}

// Complete finishes the flow on the provider callback: it validates the
// state, exchanges the code, seals the token and persists it. Returns the
// connector ID the flow was started for.
func (s *OAuthService) Complete(ctx context.Context, state, code string) (string, error) {
	data, err := s.states.Get(ctx, state)
	if err != nil {
		return "", fmt.Errorf("unknown or expired oauth state: %w", err)
	}
	// One-shot: a replayed callback must not exchange twice.
	if err := s.states.Delete(ctx, state); err != nil {
		slog.Warn("delete oauth state failed", "error", err)
	}

	var fs flowState
	if err := json.Unmarshal(data, &fs); err != nil {
		return "", fmt.Errorf("unmarshal flow state: %w", err)
	}

	client, ok := s.clients[fs.Provider]
	if !ok {
		return "", fmt.Errorf("oauth provider %q is not configured", fs.Provider)
	}

	var pkce *oauthclient.PKCE
	if fs.Verifier != "" {
		pkce = &oauthclient.PKCE{Verifier: fs.Verifier}
	}

	token, err := client.Exchange(ctx, code, pkce)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	token.Provider = fs.Provider
	token.ConnectorID = fs.ConnectorID

	if err := s.saveToken(ctx, token); err != nil {
		return "", err
	}

	slog.Info("oauth flow completed", "provider", fs.Provider, "connector_id", fs.ConnectorID)
	return fs.ConnectorID, nil
}

// Token returns a live access token for the connector, refreshing and
// re-sealing it when expired.
func (s *OAuthService) Token(ctx context.Context, provider, connectorID string) (string, error) {
	token, err := s.loadToken(ctx, provider, connectorID)
	if err != nil {
		return "", err
	}
	if token.Valid() {
		return token.AccessToken, nil
	}

	client, ok := s.clients[provider]
	if !ok {
		return "", fmt.Errorf("oauth provider %q is not configured", provider)
	}

	refreshed, err := client.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token for %s/%s: %w", provider, connectorID, err)
	}
	refreshed.Provider = provider
	refreshed.ConnectorID = connectorID
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	if err := s.saveToken(ctx, refreshed); err != nil {
		return "", err
	}

	slog.Info("oauth token refreshed", "provider", provider, "connector_id", connectorID)
	return refreshed.AccessToken, nil
}

// TokenFunc returns a closure handing out live tokens for one connector,
// in the shape source factories expect.
func (s *OAuthService) TokenFunc(provider, connectorID string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return s.Token(ctx, provider, connectorID)
	}
}

// Disconnect removes the stored token for a connector.
func (s *OAuthService) Disconnect(ctx context.Context, provider, connectorID string) error {
	return s.store.DeleteOAuthToken(ctx, provider, connectorID)
}

func (s *OAuthService) saveToken(ctx context.Context, token *oauth.Token) error {
	plain, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}

	var expiry time.Time
	if !token.Expiry.IsZero() {
		expiry = token.Expiry
	}
	if err := s.store.UpsertOAuthToken(ctx, token.Provider, token.ConnectorID, sealed, expiry); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (s *OAuthService) loadToken(ctx context.Context, provider, connectorID string) (*oauth.Token, error) {
	sealed, err := s.store.GetOAuthToken(ctx, provider, connectorID)
	if err != nil {
		return nil, err
	}
	plain, err := s.sealer.Unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal token for %s/%s: %w", provider, connectorID, err)
	}
	var token oauth.Token
	if err := json.Unmarshal(plain, &token); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &token, nil
}
