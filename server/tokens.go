package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims captures the JWT claims minted for access tokens.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// IDTokenClaims captures the OIDC ID token claims.
type IDTokenClaims struct {
	Nonce string `json:"nonce,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies the JWTs this server issues. Signing always
// uses the KeyManager's current key; verification accepts any retained kid.
type TokenCodec struct {
	issuer    string
	accessTTL time.Duration
	keys      *KeyManager
	tokens    RefreshTokenStore
	logger    *slog.Logger
}

// NewTokenCodec constructs a codec bound to the issuer identity.
func NewTokenCodec(issuer string, accessTTL time.Duration, keys *KeyManager, tokens RefreshTokenStore, logger *slog.Logger) *TokenCodec {
	return &TokenCodec{
		issuer:    issuer,
		accessTTL: accessTTL,
		keys:      keys,
		tokens:    tokens,
		logger:    logger,
	}
}

// Issuer returns the iss value stamped into every token.
func (tc *TokenCodec) Issuer() string { return tc.issuer }

// AccessTTL returns the configured access token lifetime.
func (tc *TokenCodec) AccessTTL() time.Duration { return tc.accessTTL }

// SignAccessToken mints an access token. The subject is empty for
// client_credentials grants; familyID ties the token to a refresh family so
// replay detection can revoke it, and may be empty.
func (tc *TokenCodec) SignAccessToken(ctx context.Context, subject, clientID, scope, familyID string) (string, error) {
	now := time.Now()
	expires := now.Add(tc.accessTTL)
	claims := AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tc.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        NewID(),
		},
	}
	token, kid, err := tc.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	if familyID != "" {
		tc.tokens.RecordFamilyJTI(ctx, familyID, claims.ID, expires)
	}
	tc.logger.Debug("access token signed", "client_id", clientID, "kid", kid, "jti", claims.ID)
	return token, nil
}

// SignIDToken mints an OIDC ID token for authorization_code exchanges whose
// scope includes openid.
func (tc *TokenCodec) SignIDToken(subject, clientID, nonce string, identity Identity) (string, error) {
	now := time.Now()
	claims := IDTokenClaims{
		Nonce: nonce,
		Email: identity.Email,
		Name:  identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tc.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tc.accessTTL)),
		},
	}
	token, _, err := tc.keys.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return token, nil
}

// Verify parses and validates an access token minted by this server.
func (tc *TokenCodec) Verify(ctx context.Context, token string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(tc.issuer),
		jwt.WithExpirationRequired(),
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, tc.keys.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if tc.tokens.JTIBlacklisted(ctx, claims.ID) {
		return nil, fmt.Errorf("token revoked")
	}
	return claims, nil
}

// Introspect returns RFC 7662 metadata for a token.
func (tc *TokenCodec) Introspect(ctx context.Context, token string) map[string]any {
	claims, err := tc.Verify(ctx, token)
	if err != nil {
		return map[string]any{"active": false}
	}
	aud := ""
	if len(claims.Audience) > 0 {
		aud = claims.Audience[0]
	}
	out := map[string]any{
		"active":     true,
		"scope":      claims.Scope,
		"client_id":  claims.ClientID,
		"sub":        claims.Subject,
		"aud":        aud,
		"iss":        claims.Issuer,
		"token_type": "access_token",
	}
	if claims.ExpiresAt != nil {
		out["exp"] = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out["iat"] = claims.IssuedAt.Unix()
	}
	return out
}
