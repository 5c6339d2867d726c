package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// AuthorizeRequest encapsulates parsed parameters for /authorize.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	// Subject is non-empty when a live browser session exists.
	Subject string
}

// AuthorizeOutcome tells the HTTP layer what to do next: present a login
// form, present a consent form, or follow the final redirect.
type AuthorizeOutcome struct {
	LoginChallenge   string
	ConsentChallenge string
	RedirectURL      string
}

// LoginResult is the outcome of resolving a login challenge.
type LoginResult struct {
	Identity          Identity
	TwoFactorRequired bool
	ConsentChallenge  string
	// RedirectURL is set when a remembered grant skipped the consent step.
	RedirectURL string
}

// ConsentCoordinator drives the login, consent, redirect sequence. All flow
// state lives in the ChallengeStore so the machine survives across separate
// HTTP requests and browser redirects.
type ConsentCoordinator struct {
	clients      *ClientRegistry
	challenges   ChallengeStore
	codes        CodeStore
	grants       GrantStore
	identities   IdentityStore
	authn        Authenticator
	requirePKCE  bool
	challengeTTL time.Duration
	codeTTL      time.Duration
	logger       *slog.Logger
}

// NewConsentCoordinator wires the coordinator to its collaborators.
// requirePKCE is the deployment-wide mandate; individual clients can
// additionally require PKCE for themselves.
func NewConsentCoordinator(clients *ClientRegistry, challenges ChallengeStore, codes CodeStore, grants GrantStore, identities IdentityStore, authn Authenticator, requirePKCE bool, challengeTTL, codeTTL time.Duration, logger *slog.Logger) *ConsentCoordinator {
	return &ConsentCoordinator{
		clients:      clients,
		challenges:   challenges,
		codes:        codes,
		grants:       grants,
		identities:   identities,
		authn:        authn,
		requirePKCE:  requirePKCE,
		challengeTTL: challengeTTL,
		codeTTL:      codeTTL,
		logger:       logger,
	}
}

// ValidateAuthorize checks an authorization request against the client
// registry and PKCE rules without creating any state. The returned client
// is valid for error redirects only when err is nil or the redirect URI
// itself validated.
func (cc *ConsentCoordinator) ValidateAuthorize(ctx context.Context, req AuthorizeRequest) (Client, error) {
	client, err := cc.clients.Get(ctx, req.ClientID)
	if err != nil {
		return Client{}, err
	}
	if req.RedirectURI == "" || !client.ValidRedirect(req.RedirectURI) {
		return client, ErrInvalidRedirectURI
	}
	if client.Status != ClientEnabled {
		return client, ErrClientDisabled
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return client, ErrGrantTypeNotAllowed
	}
	if req.ResponseType != "code" {
		return client, fmt.Errorf("unsupported response_type %q", req.ResponseType)
	}
	for _, s := range strings.Fields(req.Scope) {
		if !containsString(client.Scopes, s) {
			return client, fmt.Errorf("scope %q not allowed for client", s)
		}
	}
	if (cc.requirePKCE || client.RequirePKCE) && req.CodeChallenge == "" {
		return client, ErrPKCERequired
	}
	if req.CodeChallenge != "" && !ValidPKCEMethod(req.CodeChallengeMethod) {
		return client, fmt.Errorf("unsupported code_challenge_method %q", req.CodeChallengeMethod)
	}
	return client, nil
}

// Authorize handles an incoming authorization request. With a live session
// and a remembered grant covering the scope it issues the code immediately;
// with a live session but no remembered grant it opens a consent challenge;
// otherwise it opens a login challenge and the caller presents a login form.
func (cc *ConsentCoordinator) Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeOutcome, error) {
	client, err := cc.ValidateAuthorize(ctx, req)
	if err != nil {
		return AuthorizeOutcome{}, err
	}

	if req.Subject != "" {
		if grant, ok := cc.grants.GetRememberedGrant(ctx, req.Subject, client.ID); ok && grant.Covers(strings.Fields(req.Scope)) {
			redirect, err := cc.issueCode(ctx, challengeFromRequest(req, ChallengeConsent), strings.Fields(req.Scope))
			if err != nil {
				return AuthorizeOutcome{}, err
			}
			return AuthorizeOutcome{RedirectURL: redirect}, nil
		}
		ch := challengeFromRequest(req, ChallengeConsent)
		ch.Subject = req.Subject
		ch.ExpiresAt = time.Now().Add(cc.challengeTTL)
		if err := cc.challenges.SaveChallenge(ctx, ch); err != nil {
			return AuthorizeOutcome{}, err
		}
		return AuthorizeOutcome{ConsentChallenge: ch.ID}, nil
	}

	ch := challengeFromRequest(req, ChallengeLogin)
	ch.ExpiresAt = time.Now().Add(cc.challengeTTL)
	if err := cc.challenges.SaveChallenge(ctx, ch); err != nil {
		return AuthorizeOutcome{}, err
	}
	return AuthorizeOutcome{LoginChallenge: ch.ID}, nil
}

// ResolveLogin verifies credentials against the authentication backend and
// advances the login challenge. On repeated failure the challenge stays
// pending so the user can retry until it expires.
func (cc *ConsentCoordinator) ResolveLogin(ctx context.Context, challengeID, username, password string) (LoginResult, error) {
	ch, err := cc.loginChallenge(ctx, challengeID)
	if err != nil {
		return LoginResult{}, err
	}

	identity, err := cc.authn.Authenticate(ctx, username, password)
	if err != nil {
		return LoginResult{}, err
	}

	if identity.TOTPSecret != "" {
		// Park the subject on the challenge until the second factor lands;
		// the identity (with its TOTP secret) must be saved now so the 2FA
		// request can verify the passcode without the password.
		if err := cc.identities.SaveIdentity(ctx, identity); err != nil {
			return LoginResult{}, err
		}
		_, err := cc.challenges.ResolveChallenge(ctx, ch.ID, time.Now(), func(c *Challenge) {
			c.Subject = identity.Subject
			c.TwoFactorPending = true
		})
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Identity: identity, TwoFactorRequired: true}, nil
	}

	return cc.completeLogin(ctx, ch, identity)
}

// CompleteFederatedLogin resolves a login challenge with an identity that
// an upstream provider already verified.
func (cc *ConsentCoordinator) CompleteFederatedLogin(ctx context.Context, challengeID string, identity Identity) (LoginResult, error) {
	ch, err := cc.loginChallenge(ctx, challengeID)
	if err != nil {
		return LoginResult{}, err
	}
	return cc.completeLogin(ctx, ch, identity)
}

// Resolve2FA completes a login challenge that is waiting on a TOTP code.
func (cc *ConsentCoordinator) Resolve2FA(ctx context.Context, challengeID, passcode string) (LoginResult, error) {
	ch, err := cc.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return LoginResult{}, err
	}
	if ch.Kind != ChallengeLogin || !ch.TwoFactorPending || ch.Subject == "" {
		return LoginResult{}, ErrChallengeNotFound
	}
	if ch.Expired(time.Now()) {
		return LoginResult{}, ErrChallengeExpired
	}
	identity, ok := cc.identities.GetIdentity(ctx, ch.Subject)
	if !ok {
		return LoginResult{}, ErrChallengeNotFound
	}
	if err := VerifyTOTP(identity.TOTPSecret, passcode); err != nil {
		return LoginResult{}, err
	}
	return cc.completeLogin(ctx, ch, identity)
}

// completeLogin consumes the login challenge exactly once and either skips
// straight to code issuance (remembered grant) or opens a consent challenge.
func (cc *ConsentCoordinator) completeLogin(ctx context.Context, ch Challenge, identity Identity) (LoginResult, error) {
	consumed, err := cc.challenges.ConsumeChallenge(ctx, ch.ID, time.Now(), nil)
	if err != nil {
		return LoginResult{}, err
	}
	if err := cc.identities.SaveIdentity(ctx, identity); err != nil {
		return LoginResult{}, err
	}

	requested := consumed.RequestedScope
	if grant, ok := cc.grants.GetRememberedGrant(ctx, identity.Subject, consumed.ClientID); ok && grant.Covers(requested) {
		next := consumed
		next.Subject = identity.Subject
		redirect, err := cc.issueCode(ctx, next, requested)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Identity: identity, RedirectURL: redirect}, nil
	}

	consent := consumed
	consent.ID = NewID()
	consent.Kind = ChallengeConsent
	consent.Subject = identity.Subject
	consent.Status = ChallengePending
	consent.TwoFactorPending = false
	consent.CreatedAt = time.Now()
	consent.ExpiresAt = time.Now().Add(cc.challengeTTL)
	if err := cc.challenges.SaveChallenge(ctx, consent); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Identity: identity, ConsentChallenge: consent.ID}, nil
}

// Approve grants the requested consent, consumes the challenge exactly
// once, and returns the final redirect carrying the authorization code.
// The granted scope and remember decision are recorded on the consumed
// challenge.
func (cc *ConsentCoordinator) Approve(ctx context.Context, challengeID string, grantScope []string, remember bool) (string, error) {
	ch, err := cc.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return "", err
	}
	if ch.Kind != ChallengeConsent || ch.Subject == "" {
		return "", ErrChallengeNotFound
	}

	if len(grantScope) == 0 {
		grantScope = ch.RequestedScope
	}
	for _, s := range grantScope {
		if !containsString(ch.RequestedScope, s) {
			return "", fmt.Errorf("granted scope %q was not requested", s)
		}
	}

	ch, err = cc.challenges.ConsumeChallenge(ctx, challengeID, time.Now(), func(c *Challenge) {
		c.GrantedScope = grantScope
		c.Remember = remember
	})
	if err != nil {
		return "", err
	}

	if remember {
		grant := RememberedGrant{
			Subject:   ch.Subject,
			ClientID:  ch.ClientID,
			Scope:     grantScope,
			CreatedAt: time.Now(),
		}
		if err := cc.grants.SaveRememberedGrant(ctx, grant); err != nil {
			return "", err
		}
	}

	return cc.issueCode(ctx, ch, grantScope)
}

// Deny consumes the challenge and produces the access_denied redirect.
func (cc *ConsentCoordinator) Deny(ctx context.Context, challengeID string) (string, error) {
	ch, err := cc.challenges.ConsumeChallenge(ctx, challengeID, time.Now(), nil)
	if err != nil {
		return "", err
	}
	cc.logger.Info("authorization denied", "client_id", ch.ClientID, "challenge", ch.ID)
	return errorRedirectURL(ch.RedirectURI, ch.State, "access_denied", "the resource owner denied the request")
}

// ChallengeInfo returns a pending challenge for rendering login and consent
// forms. Expired challenges are rejected here too so forms cannot be shown
// for flows that can no longer finish.
func (cc *ConsentCoordinator) ChallengeInfo(ctx context.Context, challengeID string) (Challenge, error) {
	ch, err := cc.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		return Challenge{}, err
	}
	if ch.Expired(time.Now()) {
		return Challenge{}, ErrChallengeExpired
	}
	if ch.Status == ChallengeConsumed {
		return Challenge{}, ErrChallengeAlreadyConsumed
	}
	return ch, nil
}

// issueCode creates the single-use authorization code bound to the
// challenge's PKCE parameters and redirect URI, and builds the final
// redirect.
func (cc *ConsentCoordinator) issueCode(ctx context.Context, ch Challenge, grantScope []string) (string, error) {
	now := time.Now()
	code := AuthorizationCode{
		Code:                NewSecret(),
		ClientID:            ch.ClientID,
		RedirectURI:         ch.RedirectURI,
		Scope:               strings.Join(grantScope, " "),
		Nonce:               ch.Nonce,
		CodeChallenge:       ch.CodeChallenge,
		CodeChallengeMethod: ch.CodeChallengeMethod,
		Subject:             ch.Subject,
		FamilyID:            NewID(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(cc.codeTTL),
	}
	if err := cc.codes.SaveAuthCode(ctx, code); err != nil {
		return "", err
	}

	redirect, err := url.Parse(ch.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	q := redirect.Query()
	q.Set("code", code.Code)
	if ch.State != "" {
		q.Set("state", ch.State)
	}
	redirect.RawQuery = q.Encode()
	cc.logger.Info("authorization code issued", "client_id", ch.ClientID, "subject", ch.Subject)
	return redirect.String(), nil
}

func (cc *ConsentCoordinator) loginChallenge(ctx context.Context, id string) (Challenge, error) {
	ch, err := cc.challenges.GetChallenge(ctx, id)
	if err != nil {
		return Challenge{}, err
	}
	if ch.Kind != ChallengeLogin {
		return Challenge{}, ErrChallengeNotFound
	}
	if ch.Expired(time.Now()) {
		return Challenge{}, ErrChallengeExpired
	}
	if ch.Status == ChallengeConsumed {
		return Challenge{}, ErrChallengeAlreadyConsumed
	}
	return ch, nil
}

func challengeFromRequest(req AuthorizeRequest, kind ChallengeKind) Challenge {
	return Challenge{
		ID:                  NewID(),
		Kind:                kind,
		ClientID:            req.ClientID,
		RequestedScope:      strings.Fields(req.Scope),
		RedirectURI:         req.RedirectURI,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Subject:             req.Subject,
		CreatedAt:           time.Now(),
		Status:              ChallengePending,
	}
}

// errorRedirectURL appends OAuth2 error parameters to a redirect URI.
func errorRedirectURL(redirectURI, state, code, desc string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

