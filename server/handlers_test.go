package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OAuth2.JWTSigningAlgorithm = "ES256"
	cfg.Users = []UserConfig{{
		Username:     "alice",
		PasswordHash: mustHash(t, "s3cret"),
		Email:        "alice@example.com",
		Name:         "Alice",
	}}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	return app
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func createClientViaAPI(t *testing.T, srv *httptest.Server, spec ClientSpec) (string, string) {
	t.Helper()
	payload, err := json.Marshal(spec)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/oauth_clients/", "application/json", strings.NewReader(string(payload)))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
	id, _ := body["client_id"].(string)
	secret, _ := body["client_secret"].(string)
	require.NotEmpty(t, id)
	return id, secret
}

func TestDiscoveryAndJWKSEndpoints(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	doc := decodeBody(t, resp)
	require.Equal(t, app.Config.Issuer(), doc["issuer"])
	require.Contains(t, doc["authorization_endpoint"], "/api/oauth/authorize")

	resp, err = http.Get(srv.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	jwks := decodeBody(t, resp)
	keys, ok := jwks["keys"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, keys)
}

func TestClientCredentialsOverHTTP(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, clientSecret := createClientViaAPI(t, srv, confidentialSpec())

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"read"},
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.NotEmpty(t, body["access_token"])
	require.Equal(t, "Bearer", body["token_type"])
	require.Equal(t, "read", body["scope"])
	require.Nil(t, body["refresh_token"])
}

func TestTokenEndpointInvalidClientIs401(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, _ := createClientViaAPI(t, srv, confidentialSpec())

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {"wrong"},
	}
	resp, err := http.PostForm(srv.URL+"/api/oauth/token", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "invalid_client", body["error"])
}

func TestTokenEndpointUnsupportedGrantType(t *testing.T) {
	app := newTestApp(t, func(cfg *Config) {
		cfg.OAuth2.AllowedGrantTypes = []string{string(GrantAuthorizationCode)}
	})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/api/oauth/token", url.Values{
		"grant_type": {"client_credentials"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "unsupported_grant_type", body["error"])
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, _ := createClientViaAPI(t, srv, spaSpec())
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)

	// Step 1: the authorize request opens a login challenge.
	authorizeURL := srv.URL + "/api/oauth/authorize?" + url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"response_type":         {"code"},
		"scope":                 {"openid read"},
		"state":                 {"st4te"},
		"code_challenge":        {ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode()

	resp, err := noRedirectClient().Get(authorizeURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	loginChallenge := loc.Query().Get("login_challenge")
	require.NotEmpty(t, loginChallenge)

	// Step 2: the login form resolves the challenge into a consent challenge.
	resp, err = http.PostForm(srv.URL+"/api/oauth/login", url.Values{
		"login_challenge": {loginChallenge},
		"username":        {"alice"},
		"password":        {"s3cret"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody(t, resp)
	consentChallenge, _ := login["consent_challenge"].(string)
	require.NotEmpty(t, consentChallenge)

	// Step 3: approving consent yields the redirect with the code.
	resp, err = http.PostForm(srv.URL+"/api/oauth/consent", url.Values{
		"consent_challenge": {consentChallenge},
		"grant_scope":       {"openid", "read"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	consent := decodeBody(t, resp)
	redirect, _ := consent["redirect_to"].(string)
	require.NotEmpty(t, redirect)

	ru, err := url.Parse(redirect)
	require.NoError(t, err)
	code := ru.Query().Get("code")
	require.NotEmpty(t, code)
	require.Equal(t, "st4te", ru.Query().Get("state"))

	// Step 4: the public client redeems the code with its verifier only.
	resp, err = http.PostForm(srv.URL+"/api/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {"http://localhost:3000/callback"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decodeBody(t, resp)
	require.NotEmpty(t, tokens["access_token"])
	require.NotEmpty(t, tokens["refresh_token"])
	require.NotEmpty(t, tokens["id_token"])

	// Replaying the code is rejected.
	resp, err = http.PostForm(srv.URL+"/api/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {"http://localhost:3000/callback"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	replay := decodeBody(t, resp)
	require.Equal(t, "invalid_grant", replay["error"])
}

func TestConsentDenyOverHTTP(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, _ := createClientViaAPI(t, srv, webAppSpec())

	resp, err := noRedirectClient().Get(srv.URL + "/api/oauth/authorize?" + url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"s"},
	}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	resp, err = http.PostForm(srv.URL+"/api/oauth/login", url.Values{
		"login_challenge": {loc.Query().Get("login_challenge")},
		"username":        {"alice"},
		"password":        {"s3cret"},
	})
	require.NoError(t, err)
	login := decodeBody(t, resp)

	resp, err = http.PostForm(srv.URL+"/api/oauth/consent/reject", url.Values{
		"consent_challenge": {login["consent_challenge"].(string)},
	})
	require.NoError(t, err)
	body := decodeBody(t, resp)
	redirect, _ := body["redirect_to"].(string)
	require.Contains(t, redirect, "error=access_denied")
	require.NotContains(t, redirect, "code=")
}

func TestAuthorizeErrorRedirectsOnlyToRegisteredURI(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, _ := createClientViaAPI(t, srv, webAppSpec())

	// Bad scope with a registered redirect: error travels via redirect.
	resp, err := noRedirectClient().Get(srv.URL + "/api/oauth/authorize?" + url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
		"scope":         {"admin"},
	}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Location"), "error=")

	// Unregistered redirect: no redirect at all, the error stays local.
	resp, err = noRedirectClient().Get(srv.URL + "/api/oauth/authorize?" + url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"https://evil.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid"},
	}.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGlobalPKCERequirementAtAuthorize(t *testing.T) {
	app := newTestApp(t, func(cfg *Config) {
		cfg.OAuth2.RequirePKCE = true
	})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	// The client does not require PKCE for itself; the server-wide
	// setting still demands a code_challenge.
	clientID, _ := createClientViaAPI(t, srv, webAppSpec())

	resp, err := noRedirectClient().Get(srv.URL + "/api/oauth/authorize?" + url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
		"scope":         {"openid"},
	}.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc := resp.Header.Get("Location")
	require.Contains(t, loc, "error=invalid_request")
	require.NotContains(t, loc, "login_challenge")
}

func TestPublicClientManagesOwnTokens(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	// No client_credentials in the grant set.
	clientID, _ := createClientViaAPI(t, srv, spaSpec())
	ctx := context.Background()

	token, err := app.Codec.SignAccessToken(ctx, "alice", clientID, "read", "")
	require.NoError(t, err)

	resp, err := http.PostForm(srv.URL+"/api/oauth/introspect", url.Values{
		"client_id": {clientID},
		"token":     {token},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["active"])

	now := time.Now()
	require.NoError(t, app.Store.SaveRefreshToken(ctx, RefreshToken{
		ID:        "rt-public",
		ClientID:  clientID,
		Subject:   "alice",
		Scope:     "openid read",
		FamilyID:  "fam-public",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))

	resp, err = http.PostForm(srv.URL+"/api/oauth/revoke", url.Values{
		"client_id": {clientID},
		"token":     {"rt-public"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = app.Store.RotateRefreshToken(ctx, "rt-public", clientID, RefreshToken{ID: "rt-next"}, now)
	require.ErrorIs(t, err, ErrRefreshTokenReused)
}

func TestUserInfoEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	require.NoError(t, app.Store.SaveIdentity(context.Background(), Identity{
		Subject: "alice", Email: "alice@example.com", Name: "Alice",
	}))
	token, err := app.Codec.SignAccessToken(context.Background(), "alice", "client-1", "openid email profile", "")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/oauth/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "alice", body["sub"])
	require.Equal(t, "alice@example.com", body["email"])
	require.Equal(t, "Alice", body["name"])

	// No token, no answer.
	resp, err = http.Get(srv.URL + "/api/oauth/userinfo")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIntrospectEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, clientSecret := createClientViaAPI(t, srv, confidentialSpec())
	token, err := app.Codec.SignAccessToken(context.Background(), "alice", clientID, "read", "")
	require.NoError(t, err)

	form := url.Values{"token": {token}}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/oauth/introspect", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, true, body["active"])
	require.Equal(t, "alice", body["sub"])

	// Unauthenticated introspection is refused.
	resp, err = http.PostForm(srv.URL+"/api/oauth/introspect", form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestKeyAdminEndpoints(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/oauth/keys/rotate", "application/json", strings.NewReader(`{"kid":"rotated"}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, "rotated", body["kid"])

	resp, err = http.Get(srv.URL + "/api/oauth/keys")
	require.NoError(t, err)
	list := decodeBody(t, resp)
	keys, ok := list["keys"].([]any)
	require.True(t, ok)
	require.Len(t, keys, 2)

	// Deleting the current key is refused with 409.
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/oauth/keys/rotated", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAdminAPIRequiresTokenOutsideDevMode(t *testing.T) {
	app := newTestApp(t, func(cfg *Config) {
		cfg.Server.DevMode = false
		cfg.Server.TLS.Domains = []string{"auth.example.com"}
		cfg.Server.AdminToken = "top-secret"
	})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/oauth_clients/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/oauth_clients/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer top-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSeedClientsAvailableAtStartup(t *testing.T) {
	hash := mustHash(t, "seed-secret")
	app := newTestApp(t, func(cfg *Config) {
		cfg.Clients = []SeedClientConfig{{
			ClientID:   "seeded",
			SecretHash: hash,
			Name:       "seeded service",
			ClientType: "confidential",
			GrantTypes: []string{"client_credentials"},
			Scopes:     []string{"read"},
		}}
	})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/api/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"seeded"},
		"client_secret": {"seed-secret"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.NotEmpty(t, body["access_token"])
}

func TestOAuth2DisabledGatesProtocolEndpoints(t *testing.T) {
	app := newTestApp(t, func(cfg *Config) {
		cfg.OAuth2.Enabled = false
	})
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/oauth/authorize?client_id=x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.PostForm(srv.URL+"/api/oauth/token", url.Values{"grant_type": {"client_credentials"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClientCRUDOverHTTP(t *testing.T) {
	app := newTestApp(t, nil)
	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	clientID, _ := createClientViaAPI(t, srv, webAppSpec())

	resp, err := http.Get(srv.URL + "/api/oauth_clients/" + clientID)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])

	update := map[string]any{
		"id":            clientID,
		"name":          "renamed app",
		"grant_types":   []string{"authorization_code"},
		"scopes":        []string{"openid"},
		"redirect_uris": []string{"https://app.example.com/callback"},
	}
	payload, err := json.Marshal(update)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/oauth_clients/", strings.NewReader(string(payload)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	updated := decodeBody(t, resp)
	require.Equal(t, true, updated["success"])

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/api/oauth_clients/"+clientID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/oauth_clients/" + clientID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
