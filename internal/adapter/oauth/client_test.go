package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	domain "github.com/lattice-hq/lattice/internal/domain/oauth"
)

func baseConfig() domain.Config {
	return domain.Config{
		Provider:     "testprov",
		ClientID:     "cid",
		ClientSecret: "csecret",
		AuthURL:      "https://auth.example.com/authorize",
		TokenURL:     "https://auth.example.com/token",
		RedirectURL:  "https://app.example.com/callback",
		Scopes:       []string{"read", "write"},
	}
}

func TestNewClientValidates(t *testing.T) {
	cfg := baseConfig()
	cfg.TokenURL = ""
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected validation error for missing token_url")
	}
}

func TestAuthCodeURL(t *testing.T) {
	c, err := NewClient(baseConfig())
	if err != nil {
		t.Fatal(err)
	}

	raw := c.AuthCodeURL("state123", nil)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("client_id") != "cid" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") != "state123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("scope") != "read write" {
		t.Errorf("scope = %q, want space-joined default", q.Get("scope"))
	}
	if q.Get("code_challenge") != "" {
		t.Error("PKCE params present without use_pkce")
	}
}

func TestAuthCodeURLScopeKnobs(t *testing.T) {
	cfg := baseConfig()
	cfg.ScopeParam = "scopes"
	cfg.ScopeJoin = ","
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(c.AuthCodeURL("s", nil))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("scope") != "" {
		t.Error("default scope param should not be set")
	}
	if q.Get("scopes") != "read,write" {
		t.Errorf("scopes = %q, want comma-joined", q.Get("scopes"))
	}
}

func TestAuthCodeURLWithPKCEAndExistingQuery(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthURL = "https://auth.example.com/authorize?audience=api"
	cfg.UsePKCE = true
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}
	raw := c.AuthCodeURL("s", pkce)
	if strings.Count(raw, "?") != 1 {
		t.Fatalf("malformed URL %q", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("audience") != "api" {
		t.Error("existing query parameter lost")
	}
	if q.Get("code_challenge") != pkce.Challenge {
		t.Errorf("code_challenge = %q", q.Get("code_challenge"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
}

func TestGeneratePKCEUnique(t *testing.T) {
	a, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GeneratePKCE()
	if err != nil {
		t.Fatal(err)
	}
	if a.Verifier == b.Verifier {
		t.Fatal("verifiers must be random")
	}
	if a.Challenge == a.Verifier {
		t.Fatal("challenge must be derived, not the verifier itself")
	}
}

func TestExchangeBasicAuth(t *testing.T) {
	var gotForm url.Values
	var gotUser, gotPass string
	var hadBasic bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, hadBasic = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.TokenURL = srv.URL
	cfg.UsePKCE = true
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	pkce, _ := GeneratePKCE()
	tok, err := c.Exchange(context.Background(), "authcode", pkce)
	if err != nil {
		t.Fatal(err)
	}

	if !hadBasic || gotUser != "cid" || gotPass != "csecret" {
		t.Errorf("basic auth = %v %q:%q, want cid:csecret", hadBasic, gotUser, gotPass)
	}
	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code") != "authcode" {
		t.Errorf("code = %q", gotForm.Get("code"))
	}
	if gotForm.Get("code_verifier") != pkce.Verifier {
		t.Errorf("code_verifier = %q", gotForm.Get("code_verifier"))
	}
	if gotForm.Get("client_secret") != "" {
		t.Error("basic style must not put the secret in the body")
	}

	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.TokenType != "Bearer" {
		t.Errorf("unexpected token %+v", tok)
	}
	if tok.Provider != "testprov" {
		t.Errorf("provider = %q", tok.Provider)
	}
	until := time.Until(tok.Expiry)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expiry %v not ~1h away", tok.Expiry)
	}
}

func TestExchangeBodySecrets(t *testing.T) {
	var gotForm url.Values
	var hadBasic bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, hadBasic = r.BasicAuth()
		_ = r.ParseForm()
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"access_token":"at"}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.TokenURL = srv.URL
	cfg.AuthStyle = domain.AuthStyleBody
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Exchange(context.Background(), "code", nil); err != nil {
		t.Fatal(err)
	}
	if hadBasic {
		t.Error("body style must not send basic auth")
	}
	if gotForm.Get("client_id") != "cid" || gotForm.Get("client_secret") != "csecret" {
		t.Errorf("credentials missing from body: %v", gotForm)
	}
}

func TestExchangeNestedTokenPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"data":{"auth":{"access_token":"nested-at","expires_in":"7200"}}}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.TokenURL = srv.URL
	cfg.TokenPath = "data.auth"
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tok, err := c.Exchange(context.Background(), "code", nil)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "nested-at" {
		t.Errorf("access token = %q", tok.AccessToken)
	}
	// expires_in arrived as a string and must still be honored.
	if tok.Expiry.IsZero() {
		t.Error("string expires_in was dropped")
	}
}

func TestExchangeMissingTokenPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"at"}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.TokenURL = srv.URL
	cfg.TokenPath = "data"
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Exchange(context.Background(), "code", nil); err == nil {
		t.Fatal("expected error for missing token path")
	}
}

func TestExchangeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.TokenURL = srv.URL
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Exchange(context.Background(), "code", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "invalid_grant") || !strings.Contains(err.Error(), "code expired") {
		t.Errorf("error %q should carry the provider error", err)
	}
}

func TestRefreshCarriesOldRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "old-rt" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		_, _ = w.Write([]byte(`{"access_token":"new-at"}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	cfg.TokenURL = srv.URL
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tok, err := c.Refresh(context.Background(), "old-rt")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "new-at" {
		t.Errorf("access token = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "old-rt" {
		t.Errorf("refresh token = %q, want the old one carried over", tok.RefreshToken)
	}
}

func TestRefreshWithoutToken(t *testing.T) {
	c, err := NewClient(baseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Refresh(context.Background(), ""); err != ErrNoRefreshToken {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}
