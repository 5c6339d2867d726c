package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     *MemoryStore
	Sessions  *SessionManager
	Clients   *ClientRegistry
	Keys      *KeyManager
	Codec     *TokenCodec
	Grants    *GrantProcessor
	Consent   *ConsentCoordinator
	Providers map[string]IdentityProvider
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store := NewMemoryStore()

	keys, err := NewKeyManager(ctx, store, cfg.OAuth2.JWTSigningAlgorithm, cfg.OAuth2.MaxJWKSKeys, logger)
	if err != nil {
		return nil, fmt.Errorf("init key manager: %w", err)
	}

	clients := NewClientRegistry(store, store, logger)
	if err := seedClients(ctx, store, cfg.Clients); err != nil {
		return nil, fmt.Errorf("seed clients: %w", err)
	}

	codec := NewTokenCodec(cfg.Issuer(), cfg.OAuth2.AccessTokenTTLDuration(), keys, store, logger)
	grants := NewGrantProcessor(clients, store, store, store, codec, cfg.OAuth2.RefreshTokenTTLDuration(), logger)

	authn := NewLocalAuthenticator(cfg.Users, logger)
	consent := NewConsentCoordinator(clients, store, store, store, store, authn,
		cfg.OAuth2.RequirePKCE, cfg.OAuth2.ChallengeTTLDuration(), cfg.OAuth2.CodeTTLDuration(), logger)

	sessions := NewSessionManager(store, cfg.OAuth2.SessionTTLDuration(), cfg.Server.DevMode, cfg.Server.CookieDomain, logger)

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Sessions:  sessions,
		Clients:   clients,
		Keys:      keys,
		Codec:     codec,
		Grants:    grants,
		Consent:   consent,
		Providers: providers,
	}, nil
}

func seedClients(ctx context.Context, store ClientStore, seeds []SeedClientConfig) error {
	for _, seed := range seeds {
		clientType, err := ParseClientType(seed.ClientType)
		if err != nil {
			return err
		}
		grants, err := parseGrantTypes(seed.GrantTypes)
		if err != nil {
			return err
		}
		if err := store.SaveClient(ctx, Client{
			ID:           seed.ClientID,
			SecretHash:   seed.SecretHash,
			Type:         clientType,
			Name:         seed.Name,
			GrantTypes:   grants,
			Scopes:       seed.Scopes,
			RedirectURIs: seed.RedirectURIs,
			RequirePKCE:  seed.RequirePKCE,
			Status:       ClientEnabled,
		}); err != nil {
			return err
		}
	}
	return nil
}

// --- admin API: client management ---

type clientView struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	ClientType   string   `json:"client_type"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	RequirePKCE  bool     `json:"require_pkce"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"created_at"`
}

func viewClient(c Client) clientView {
	grants := make([]string, len(c.GrantTypes))
	for i, g := range c.GrantTypes {
		grants[i] = string(g)
	}
	return clientView{
		ClientID:     c.ID,
		Name:         c.Name,
		Description:  c.Description,
		ClientType:   string(c.Type),
		GrantTypes:   grants,
		Scopes:       c.Scopes,
		RedirectURIs: c.RedirectURIs,
		RequirePKCE:  c.RequirePKCE,
		Status:       string(c.Status),
		CreatedAt:    c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (a *App) handleClientCreate(w http.ResponseWriter, r *http.Request) {
	var spec ClientSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	client, secret, err := a.Clients.Create(r.Context(), spec)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	resp := map[string]any{"success": true, "client_id": client.ID, "client": viewClient(client)}
	if secret != "" {
		resp["client_secret"] = secret
	}
	render.JSON(w, r, resp)
}

func (a *App) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
		ClientSpec
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ID == "" {
		renderError(w, r, http.StatusBadRequest, "id required")
		return
	}
	client, err := a.Clients.Update(r.Context(), body.ID, body.ClientSpec)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "client": viewClient(client)})
}

func (a *App) handleClientDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Clients.Delete(r.Context(), id); err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true})
}

func (a *App) handleClientList(w http.ResponseWriter, r *http.Request) {
	clients, err := a.Clients.List(r.Context())
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	views := make([]clientView, 0, len(clients))
	for _, c := range clients {
		views = append(views, viewClient(c))
	}
	render.JSON(w, r, map[string]any{"success": true, "clients": views})
}

func (a *App) handleClientGet(w http.ResponseWriter, r *http.Request) {
	client, err := a.Clients.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "client": viewClient(client)})
}

func (a *App) handleClientRegenerateSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := a.Clients.RegenerateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "client_secret": secret})
}

// --- admin API: key management ---

func (a *App) handleKeyList(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"success": true, "keys": a.Keys.Keys()})
}

func (a *App) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kid string `json:"kid"`
	}
	// Body is optional; rotation picks a random kid when absent.
	_ = json.NewDecoder(r.Body).Decode(&body)
	kid, err := a.Keys.Rotate(r.Context(), body.Kid)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "kid": kid})
}

func (a *App) handleKeyImportPEM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PEM string `json:"pem"`
		Kid string `json:"kid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PEM == "" {
		renderError(w, r, http.StatusBadRequest, "pem required")
		return
	}
	kid, err := a.Keys.ImportPEM(r.Context(), []byte(body.PEM), body.Kid)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "kid": kid})
}

func (a *App) handleKeyGenerateFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
		Kid  string `json:"kid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		renderError(w, r, http.StatusBadRequest, "path required")
		return
	}
	kid, err := a.Keys.GenerateFile(r.Context(), body.Path, body.Kid)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "kid": kid, "path": body.Path})
}

func (a *App) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.Keys.Delete(r.Context(), chi.URLParam(r, "kid")); err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true})
}

// --- discovery ---

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.JWKS())
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, BuildServerInfo(a.Config))
}

// --- authorization flow ---

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !a.Config.OAuth2.Enabled {
		http.Error(w, "oauth2 disabled", http.StatusForbidden)
		return
	}
	q := r.URL.Query()

	// approve=1 / deny=1 resolve a pending consent challenge.
	if id := q.Get("consent_challenge"); id != "" {
		switch {
		case q.Get("approve") == "1":
			a.resolveConsent(w, r, id, strings.Fields(q.Get("grant_scope")), q.Get("remember") == "1")
			return
		case q.Get("deny") == "1":
			a.rejectConsent(w, r, id)
			return
		}
	}

	req := AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if sess := a.Sessions.Fetch(r); sess != nil {
		req.Subject = sess.Subject
	}

	if q.Get("mode") == "prepare" {
		a.prepareAuthorize(w, r, req)
		return
	}

	outcome, err := a.Consent.Authorize(r.Context(), req)
	if err != nil {
		a.authorizeError(w, r, req, err)
		return
	}

	switch {
	case outcome.RedirectURL != "":
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
	case outcome.LoginChallenge != "":
		http.Redirect(w, r, "/api/oauth/login?login_challenge="+url.QueryEscape(outcome.LoginChallenge), http.StatusFound)
	case outcome.ConsentChallenge != "":
		http.Redirect(w, r, "/api/oauth/consent?consent_challenge="+url.QueryEscape(outcome.ConsentChallenge), http.StatusFound)
	default:
		a.authorizeError(w, r, req, errors.New("no outcome"))
	}
}

// prepareAuthorize dry-runs request validation without creating any flow
// state, so the console can preview what an authorization would do.
func (a *App) prepareAuthorize(w http.ResponseWriter, r *http.Request, req AuthorizeRequest) {
	client, err := a.Consent.ValidateAuthorize(r.Context(), req)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	loginRequired := req.Subject == ""
	consentRequired := true
	if !loginRequired {
		if grant, ok := a.Store.GetRememberedGrant(r.Context(), req.Subject, client.ID); ok && grant.Covers(strings.Fields(req.Scope)) {
			consentRequired = false
		}
	}
	render.JSON(w, r, map[string]any{
		"success":          true,
		"client_name":      client.Name,
		"scope":            strings.Fields(req.Scope),
		"redirect_uri":     req.RedirectURI,
		"login_required":   loginRequired,
		"consent_required": consentRequired,
	})
}

func (a *App) authorizeError(w http.ResponseWriter, r *http.Request, req AuthorizeRequest, err error) {
	a.Logger.Warn("authorize rejected", "client_id", req.ClientID, "error", err)
	// Redirect only when the client is known and the redirect URI is
	// registered; otherwise the error goes straight to the caller.
	client, lookupErr := a.Clients.Get(r.Context(), req.ClientID)
	if lookupErr == nil && req.RedirectURI != "" && client.ValidRedirect(req.RedirectURI) {
		target, rerr := errorRedirectURL(req.RedirectURI, req.State, oauthErrorCode(err), err.Error())
		if rerr == nil {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oauthErrorCode(err),
		"error_description": err.Error(),
	})
}

// --- login ---

func (a *App) handleLoginInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("login_challenge")
	ch, err := a.Consent.ChallengeInfo(r.Context(), id)
	if err != nil || ch.Kind != ChallengeLogin {
		if err == nil {
			err = ErrChallengeNotFound
		}
		renderError(w, r, httpStatus(err), "unknown login challenge")
		return
	}

	// use=<provider> hands the login off to a configured upstream IdP; the
	// challenge id rides along as the OAuth state.
	if name := r.URL.Query().Get("use"); name != "" {
		provider, ok := a.Providers[name]
		if !ok {
			renderError(w, r, http.StatusBadRequest, "unknown provider")
			return
		}
		http.Redirect(w, r, provider.AuthCodeURL(ch.ID, ch.Nonce), http.StatusFound)
		return
	}

	client, _ := a.Clients.Get(r.Context(), ch.ClientID)
	providers := make([]string, 0, len(a.Providers))
	for name := range a.Providers {
		providers = append(providers, name)
	}
	render.JSON(w, r, map[string]any{
		"success":         true,
		"login_challenge": ch.ID,
		"client_name":     client.Name,
		"scope":           ch.RequestedScope,
		"providers":       providers,
	})
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	id := r.FormValue("login_challenge")
	result, err := a.Consent.ResolveLogin(r.Context(), id, r.FormValue("username"), r.FormValue("password"))
	if errors.Is(err, ErrAuthenticationFailed) {
		// The challenge stays pending; the user may retry until expiry.
		renderError(w, r, http.StatusUnauthorized, "authentication failed")
		return
	}
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	a.loginResult(w, r, id, result)
}

func (a *App) handleLogin2FA(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	id := r.FormValue("login_challenge")
	result, err := a.Consent.Resolve2FA(r.Context(), id, r.FormValue("passcode"))
	if errors.Is(err, ErrAuthenticationFailed) {
		renderError(w, r, http.StatusUnauthorized, "invalid passcode")
		return
	}
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	a.loginResult(w, r, id, result)
}

func (a *App) handleLoginCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		renderError(w, r, http.StatusBadRequest, "missing state or code")
		return
	}
	ch, err := a.Consent.ChallengeInfo(r.Context(), state)
	if err != nil || ch.Kind != ChallengeLogin {
		if err == nil {
			err = ErrChallengeNotFound
		}
		renderError(w, r, httpStatus(err), "unknown login challenge")
		return
	}

	var identity Identity
	exchanged := false
	for _, provider := range a.Providers {
		if id, perr := provider.Exchange(r.Context(), code, ch.Nonce); perr == nil {
			identity = id
			exchanged = true
			break
		}
	}
	if !exchanged {
		renderError(w, r, http.StatusBadGateway, "upstream exchange failed")
		return
	}

	result, err := a.Consent.CompleteFederatedLogin(r.Context(), ch.ID, identity)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	a.loginResult(w, r, ch.ID, result)
}

// loginResult establishes the browser session and reports the next step.
func (a *App) loginResult(w http.ResponseWriter, r *http.Request, challengeID string, result LoginResult) {
	if result.TwoFactorRequired {
		render.JSON(w, r, map[string]any{
			"success":             true,
			"two_factor_required": true,
			"login_challenge":     challengeID,
		})
		return
	}
	if _, err := a.Sessions.Create(r.Context(), w, result.Identity.Subject); err != nil {
		renderError(w, r, http.StatusInternalServerError, "session failure")
		return
	}
	if result.RedirectURL != "" {
		render.JSON(w, r, map[string]any{"success": true, "redirect_to": result.RedirectURL})
		return
	}
	render.JSON(w, r, map[string]any{
		"success":          true,
		"consent_challenge": result.ConsentChallenge,
		"redirect_to":      "/api/oauth/consent?consent_challenge=" + url.QueryEscape(result.ConsentChallenge),
	})
}

// --- consent ---

func (a *App) handleConsentInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("consent_challenge")
	ch, err := a.Consent.ChallengeInfo(r.Context(), id)
	if err != nil || ch.Kind != ChallengeConsent {
		if err == nil {
			err = ErrChallengeNotFound
		}
		renderError(w, r, httpStatus(err), "unknown consent challenge")
		return
	}
	client, _ := a.Clients.Get(r.Context(), ch.ClientID)
	render.JSON(w, r, map[string]any{
		"success":           true,
		"consent_challenge": ch.ID,
		"client_name":       client.Name,
		"scope":             ch.RequestedScope,
		"subject":           ch.Subject,
	})
}

func (a *App) handleConsentSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	a.resolveConsent(w, r,
		r.FormValue("consent_challenge"),
		r.Form["grant_scope"],
		parseBool(r.FormValue("remember"), false))
}

func (a *App) handleConsentReject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid form")
		return
	}
	a.rejectConsent(w, r, r.FormValue("consent_challenge"))
}

func (a *App) resolveConsent(w http.ResponseWriter, r *http.Request, id string, grantScope []string, remember bool) {
	redirect, err := a.Consent.Approve(r.Context(), id, grantScope, remember)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "redirect_to": redirect})
}

func (a *App) rejectConsent(w http.ResponseWriter, r *http.Request, id string) {
	redirect, err := a.Consent.Deny(r.Context(), id)
	if err != nil {
		renderError(w, r, httpStatus(err), err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"success": true, "redirect_to": redirect})
}

// --- token endpoint ---

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if !a.Config.OAuth2.Enabled {
		tokenError(w, http.StatusForbidden, "access_denied", "oauth2 disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}

	req := TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
		Scope:        r.FormValue("scope"),
	}
	req.ClientID, req.ClientSecret = clientCredentials(r)

	grantType, err := ParseGrantType(req.GrantType)
	if err != nil || !a.Config.GrantTypeAllowed(grantType) {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", req.GrantType)
		return
	}

	resp, err := a.Grants.Exchange(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrInvalidSecret) || errors.Is(err, ErrClientNotFound) || errors.Is(err, ErrClientDisabled) {
			status = http.StatusUnauthorized
		}
		tokenError(w, status, oauthErrorCode(err), err.Error())
		return
	}
	writeJSON(w, resp)
}

// clientCredentials supports both HTTP basic auth and form fields.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

// --- userinfo / introspection / revocation ---

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := a.Codec.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	resp := map[string]any{"sub": claims.Subject}
	if identity, ok := a.Store.GetIdentity(r.Context(), claims.Subject); ok {
		if hasScope(claims.Scope, "email") && identity.Email != "" {
			resp["email"] = identity.Email
		}
		if hasScope(claims.Scope, "profile") && identity.Name != "" {
			resp["name"] = identity.Name
		}
	}
	writeJSON(w, resp)
}

func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	clientID, clientSecret := clientCredentials(r)
	if _, err := a.Clients.Authenticate(r.Context(), clientID, clientSecret); err != nil {
		tokenError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}
	writeJSON(w, a.Codec.Introspect(r.Context(), r.FormValue("token")))
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	clientID, clientSecret := clientCredentials(r)
	if _, err := a.Clients.Authenticate(r.Context(), clientID, clientSecret); err != nil {
		tokenError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}
	// Revoking a refresh token revokes its whole family.
	a.Store.RevokeFamilyByToken(r.Context(), r.FormValue("token"), clientID)
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		_ = a.Store.DeleteSession(r.Context(), cookie.Value)
	}
	a.Sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
