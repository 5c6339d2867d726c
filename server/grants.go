package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// TokenRequest is the parsed form body of a token endpoint call.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// GrantProcessor validates and executes the three supported grant types.
// Suspected replays (double-spent codes, rotated refresh tokens presented
// again) revoke the whole token family as a side effect.
type GrantProcessor struct {
	clients    *ClientRegistry
	codes      CodeStore
	refresh    RefreshTokenStore
	identities IdentityStore
	codec      *TokenCodec
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewGrantProcessor wires the processor to its collaborators.
func NewGrantProcessor(clients *ClientRegistry, codes CodeStore, refresh RefreshTokenStore, identities IdentityStore, codec *TokenCodec, refreshTTL time.Duration, logger *slog.Logger) *GrantProcessor {
	return &GrantProcessor{
		clients:    clients,
		codes:      codes,
		refresh:    refresh,
		identities: identities,
		codec:      codec,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// Exchange dispatches on grant_type. Every branch authenticates the client
// through the registry first, then applies its own rules.
func (gp *GrantProcessor) Exchange(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	grantType, err := ParseGrantType(req.GrantType)
	if err != nil {
		return TokenResponse{}, err
	}
	client, err := gp.clients.Validate(ctx, req.ClientID, req.ClientSecret, grantType)
	if err != nil {
		return TokenResponse{}, err
	}

	switch grantType {
	case GrantClientCredentials:
		return gp.clientCredentials(ctx, client, req)
	case GrantAuthorizationCode:
		return gp.authorizationCode(ctx, client, req)
	case GrantRefreshToken:
		return gp.refreshToken(ctx, client, req)
	default:
		return TokenResponse{}, ErrGrantTypeNotAllowed
	}
}

// clientCredentials issues an access token only, with the requested scope
// intersected against the client's registered scopes.
func (gp *GrantProcessor) clientCredentials(ctx context.Context, client Client, req TokenRequest) (TokenResponse, error) {
	if client.Type != ClientConfidential {
		return TokenResponse{}, ErrIncompatibleGrantType
	}
	scope := intersectScope(req.Scope, client.Scopes)
	access, err := gp.codec.SignAccessToken(ctx, "", client.ID, scope, "")
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(gp.codec.AccessTTL().Seconds()),
		Scope:       scope,
	}, nil
}

// authorizationCode redeems a single-use code. The redirect_uri must match
// the one bound at authorization time exactly, and a stored PKCE challenge
// must be answered with the matching verifier.
func (gp *GrantProcessor) authorizationCode(ctx context.Context, client Client, req TokenRequest) (TokenResponse, error) {
	now := time.Now()
	code, err := gp.codes.ConsumeAuthCode(ctx, req.Code, now)
	if errors.Is(err, ErrCodeAlreadyUsed) {
		// Replay: the code was redeemed before. Revoke everything issued
		// from it.
		n := gp.refresh.RevokeFamily(ctx, code.FamilyID)
		gp.logger.Warn("authorization code replay detected",
			"client_id", req.ClientID, "family_id", code.FamilyID, "revoked_refresh_tokens", n)
		return TokenResponse{}, ErrCodeAlreadyUsed
	}
	if err != nil {
		return TokenResponse{}, err
	}
	if code.ClientID != client.ID {
		return TokenResponse{}, ErrCodeInvalid
	}
	if code.RedirectURI != req.RedirectURI {
		return TokenResponse{}, ErrCodeInvalid
	}
	if client.RequirePKCE && code.CodeChallenge == "" {
		return TokenResponse{}, ErrPKCERequired
	}
	if err := VerifyPKCE(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
		return TokenResponse{}, err
	}

	access, err := gp.codec.SignAccessToken(ctx, code.Subject, client.ID, code.Scope, code.FamilyID)
	if err != nil {
		return TokenResponse{}, err
	}

	rt := RefreshToken{
		ID:        NewSecret(),
		ClientID:  client.ID,
		Subject:   code.Subject,
		Scope:     code.Scope,
		FamilyID:  code.FamilyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(gp.refreshTTL),
	}
	if err := gp.refresh.SaveRefreshToken(ctx, rt); err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(gp.codec.AccessTTL().Seconds()),
		RefreshToken: rt.ID,
		Scope:        code.Scope,
	}

	if hasScope(code.Scope, "openid") {
		identity, _ := gp.identities.GetIdentity(ctx, code.Subject)
		idToken, err := gp.codec.SignIDToken(code.Subject, client.ID, code.Nonce, identity)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// refreshToken rotates the presented token: the old one is invalidated in
// the same store transaction that installs its successor.
func (gp *GrantProcessor) refreshToken(ctx context.Context, client Client, req TokenRequest) (TokenResponse, error) {
	if req.RefreshToken == "" {
		return TokenResponse{}, ErrRefreshTokenInvalid
	}
	now := time.Now()
	successor := RefreshToken{
		ID:        NewSecret(),
		ClientID:  client.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(gp.refreshTTL),
		ParentID:  req.RefreshToken,
	}
	old, err := gp.refresh.RotateRefreshToken(ctx, req.RefreshToken, client.ID, successor, now)
	if errors.Is(err, ErrRefreshTokenReused) {
		n := gp.refresh.RevokeFamily(ctx, old.FamilyID)
		gp.logger.Warn("refresh token replay detected",
			"client_id", client.ID, "family_id", old.FamilyID, "revoked_refresh_tokens", n)
		return TokenResponse{}, ErrRefreshTokenReused
	}
	if err != nil {
		return TokenResponse{}, err
	}

	access, err := gp.codec.SignAccessToken(ctx, old.Subject, client.ID, old.Scope, old.FamilyID)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(gp.codec.AccessTTL().Seconds()),
		RefreshToken: successor.ID,
		Scope:        old.Scope,
	}, nil
}

func intersectScope(requested string, allowed []string) string {
	if requested == "" {
		return strings.Join(allowed, " ")
	}
	var out []string
	for _, s := range strings.Fields(requested) {
		for _, a := range allowed {
			if s == a {
				out = append(out, s)
				break
			}
		}
	}
	return strings.Join(out, " ")
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
