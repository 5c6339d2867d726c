package server

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

type consentFixture struct {
	registry *ClientRegistry
	store    *MemoryStore
	coord    *ConsentCoordinator
	client   Client
}

func newConsentFixture(t *testing.T, users ...UserConfig) *consentFixture {
	t.Helper()
	registry, store := newTestRegistry(t)

	if len(users) == 0 {
		users = []UserConfig{{
			Username:     "alice",
			PasswordHash: mustHash(t, "s3cret"),
			Email:        "alice@example.com",
			Name:         "Alice",
		}}
	}
	authn := NewLocalAuthenticator(users, testLogger())
	coord := NewConsentCoordinator(registry, store, store, store, store, authn,
		false, 10*time.Minute, 2*time.Minute, testLogger())

	client, _, err := registry.Create(context.Background(), webAppSpec())
	require.NoError(t, err)

	return &consentFixture{registry: registry, store: store, coord: coord, client: client}
}

func (f *consentFixture) authorizeRequest() AuthorizeRequest {
	return AuthorizeRequest{
		ClientID:     f.client.ID,
		RedirectURI:  f.client.RedirectURIs[0],
		ResponseType: "code",
		Scope:        "openid read",
		State:        "xyz",
	}
}

func TestValidateAuthorizeRejections(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	req := f.authorizeRequest()
	req.ClientID = "unknown"
	_, err := f.coord.ValidateAuthorize(ctx, req)
	require.ErrorIs(t, err, ErrClientNotFound)

	req = f.authorizeRequest()
	req.RedirectURI = "https://evil.example.com/cb"
	_, err = f.coord.ValidateAuthorize(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRedirectURI)

	req = f.authorizeRequest()
	req.ResponseType = "token"
	_, err = f.coord.ValidateAuthorize(ctx, req)
	require.Error(t, err)

	req = f.authorizeRequest()
	req.Scope = "openid admin"
	_, err = f.coord.ValidateAuthorize(ctx, req)
	require.Error(t, err)

	req = f.authorizeRequest()
	req.CodeChallenge = "x"
	req.CodeChallengeMethod = "plain"
	_, err = f.coord.ValidateAuthorize(ctx, req)
	require.Error(t, err)
}

func TestValidateAuthorizeEnforcesPKCEForPublicClient(t *testing.T) {
	registry, store := newTestRegistry(t)
	authn := NewLocalAuthenticator(nil, testLogger())
	coord := NewConsentCoordinator(registry, store, store, store, store, authn,
		false, time.Minute, time.Minute, testLogger())

	client, _, err := registry.Create(context.Background(), spaSpec())
	require.NoError(t, err)

	_, err = coord.ValidateAuthorize(context.Background(), AuthorizeRequest{
		ClientID:     client.ID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: "code",
		Scope:        "openid",
	})
	require.ErrorIs(t, err, ErrPKCERequired)
}

func TestValidateAuthorizeGlobalPKCEMandate(t *testing.T) {
	registry, store := newTestRegistry(t)
	authn := NewLocalAuthenticator(nil, testLogger())
	coord := NewConsentCoordinator(registry, store, store, store, store, authn,
		true, time.Minute, time.Minute, testLogger())

	// The client itself does not require PKCE; the deployment does.
	client, _, err := registry.Create(context.Background(), webAppSpec())
	require.NoError(t, err)
	require.False(t, client.RequirePKCE)

	req := AuthorizeRequest{
		ClientID:     client.ID,
		RedirectURI:  client.RedirectURIs[0],
		ResponseType: "code",
		Scope:        "openid",
	}
	_, err = coord.ValidateAuthorize(context.Background(), req)
	require.ErrorIs(t, err, ErrPKCERequired)

	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)
	req.CodeChallenge = ChallengeS256(verifier)
	req.CodeChallengeMethod = "S256"
	_, err = coord.ValidateAuthorize(context.Background(), req)
	require.NoError(t, err)
}

func TestFullLoginConsentFlow(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	require.NotEmpty(t, outcome.LoginChallenge)

	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)
	require.False(t, login.TwoFactorRequired)
	require.NotEmpty(t, login.ConsentChallenge)
	require.Equal(t, "alice", login.Identity.Subject)

	redirect, err := f.coord.Approve(ctx, login.ConsentChallenge, []string{"openid", "read"}, false)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, f.client.RedirectURIs[0]))
	require.NotEmpty(t, u.Query().Get("code"))
	require.Equal(t, "xyz", u.Query().Get("state"))

	// The issued code is bound to the subject and granted scope.
	code, err := f.store.ConsumeAuthCode(ctx, u.Query().Get("code"), time.Now())
	require.NoError(t, err)
	require.Equal(t, "alice", code.Subject)
	require.Equal(t, "openid read", code.Scope)
}

func TestResolveLoginWrongPasswordKeepsChallengePending(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)

	_, err = f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "wrong")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	// A retry with the right password succeeds on the same challenge.
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)
	require.NotEmpty(t, login.ConsentChallenge)
}

func TestLoginChallengeConsumedExactlyOnce(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)

	_, err = f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)

	_, err = f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.ErrorIs(t, err, ErrChallengeAlreadyConsumed)
}

func TestConsentChallengeConsumedExactlyOnce(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)

	_, err = f.coord.Approve(ctx, login.ConsentChallenge, nil, false)
	require.NoError(t, err)

	_, err = f.coord.Approve(ctx, login.ConsentChallenge, nil, false)
	require.ErrorIs(t, err, ErrChallengeAlreadyConsumed)
}

func TestApproveRejectsUnrequestedScope(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)

	_, err = f.coord.Approve(ctx, login.ConsentChallenge, []string{"openid", "admin"}, false)
	require.Error(t, err)
}

func TestApproveRecordsGrantDecision(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)

	_, err = f.coord.Approve(ctx, login.ConsentChallenge, []string{"openid"}, true)
	require.NoError(t, err)

	ch, err := f.store.GetChallenge(ctx, login.ConsentChallenge)
	require.NoError(t, err)
	require.Equal(t, ChallengeConsumed, ch.Status)
	require.Equal(t, []string{"openid"}, ch.GrantedScope)
	require.True(t, ch.Remember)
}

func TestDenyProducesAccessDeniedRedirect(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)

	redirect, err := f.coord.Deny(ctx, login.ConsentChallenge)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, "access_denied", u.Query().Get("error"))
	require.Equal(t, "xyz", u.Query().Get("state"))
	require.Empty(t, u.Query().Get("code"))
}

func TestRememberedGrantSkipsConsent(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	// First pass: full flow with remember.
	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)
	_, err = f.coord.Approve(ctx, login.ConsentChallenge, []string{"openid", "read"}, true)
	require.NoError(t, err)

	// Second pass with a live session: straight to the redirect.
	req := f.authorizeRequest()
	req.Subject = "alice"
	second, err := f.coord.Authorize(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, second.RedirectURL)
	require.Empty(t, second.LoginChallenge)
	require.Empty(t, second.ConsentChallenge)
}

func TestRememberedGrantDoesNotCoverWiderScope(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)
	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "alice", "s3cret")
	require.NoError(t, err)
	_, err = f.coord.Approve(ctx, login.ConsentChallenge, []string{"openid"}, true)
	require.NoError(t, err)

	// The remembered grant lacks "read", so consent is asked again.
	req := f.authorizeRequest()
	req.Subject = "alice"
	second, err := f.coord.Authorize(ctx, req)
	require.NoError(t, err)
	require.Empty(t, second.RedirectURL)
	require.NotEmpty(t, second.ConsentChallenge)
}

func TestSessionWithoutGrantGoesToConsent(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	req := f.authorizeRequest()
	req.Subject = "alice"
	outcome, err := f.coord.Authorize(ctx, req)
	require.NoError(t, err)
	require.Empty(t, outcome.LoginChallenge)
	require.NotEmpty(t, outcome.ConsentChallenge)
}

func TestTwoFactorLoginFlow(t *testing.T) {
	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "authzd", AccountName: "bob"})
	require.NoError(t, err)

	f := newConsentFixture(t, UserConfig{
		Username:     "bob",
		PasswordHash: mustHash(t, "hunter2"),
		TOTPSecret:   secret.Secret(),
	})
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)

	login, err := f.coord.ResolveLogin(ctx, outcome.LoginChallenge, "bob", "hunter2")
	require.NoError(t, err)
	require.True(t, login.TwoFactorRequired)
	require.Empty(t, login.ConsentChallenge)

	// Wrong passcode does not consume the challenge.
	_, err = f.coord.Resolve2FA(ctx, outcome.LoginChallenge, "000000")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	passcode, err := totp.GenerateCode(secret.Secret(), time.Now())
	require.NoError(t, err)
	done, err := f.coord.Resolve2FA(ctx, outcome.LoginChallenge, passcode)
	require.NoError(t, err)
	require.False(t, done.TwoFactorRequired)
	require.NotEmpty(t, done.ConsentChallenge)
	require.Equal(t, "bob", done.Identity.Subject)
}

func TestResolve2FAWithoutPendingFactorRejected(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)

	_, err = f.coord.Resolve2FA(ctx, outcome.LoginChallenge, "123456")
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestCompleteFederatedLogin(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	outcome, err := f.coord.Authorize(ctx, f.authorizeRequest())
	require.NoError(t, err)

	login, err := f.coord.CompleteFederatedLogin(ctx, outcome.LoginChallenge, Identity{
		Subject: "google:12345",
		Email:   "carol@example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, login.ConsentChallenge)

	// The upstream identity is persisted for later userinfo and id_token use.
	identity, ok := f.store.GetIdentity(ctx, "google:12345")
	require.True(t, ok)
	require.Equal(t, "carol@example.com", identity.Email)
}

func TestExpiredChallengeRejected(t *testing.T) {
	f := newConsentFixture(t)
	ctx := context.Background()

	ch := Challenge{
		ID:        NewID(),
		Kind:      ChallengeLogin,
		ClientID:  f.client.ID,
		Status:    ChallengePending,
		ExpiresAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, f.store.SaveChallenge(ctx, ch))

	_, err := f.coord.ResolveLogin(ctx, ch.ID, "alice", "s3cret")
	require.ErrorIs(t, err, ErrChallengeExpired)
}
