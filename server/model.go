package server

import (
	"fmt"
	"time"
)

// ClientType distinguishes clients that can keep a secret from those that cannot.
type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

// ParseClientType validates a client_type boundary input.
func ParseClientType(s string) (ClientType, error) {
	switch ClientType(s) {
	case ClientConfidential, ClientPublic:
		return ClientType(s), nil
	default:
		return "", fmt.Errorf("unknown client_type %q", s)
	}
}

// GrantType enumerates the supported OAuth2 grant flows.
type GrantType string

const (
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// ParseGrantType validates a grant_type boundary input.
func ParseGrantType(s string) (GrantType, error) {
	switch GrantType(s) {
	case GrantClientCredentials, GrantAuthorizationCode, GrantRefreshToken:
		return GrantType(s), nil
	default:
		return "", fmt.Errorf("unknown grant_type %q", s)
	}
}

// ClientStatus gates whether a client may participate in any flow.
type ClientStatus string

const (
	ClientEnabled  ClientStatus = "enabled"
	ClientDisabled ClientStatus = "disabled"
)

// Client records registered OAuth client metadata. SecretHash is a bcrypt
// hash; the plaintext secret is returned exactly once at creation or
// regeneration and never stored.
type Client struct {
	ID           string
	SecretHash   string
	Type         ClientType
	Name         string
	Description  string
	GrantTypes   []GrantType
	Scopes       []string
	RedirectURIs []string
	RequirePKCE  bool
	Status       ClientStatus
	CreatedAt    time.Time
}

// AllowsGrant reports whether the grant type was registered for the client.
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// ValidRedirect ensures the redirect URI is registered verbatim.
func (c *Client) ValidRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ChallengeKind separates login challenges from consent challenges.
type ChallengeKind string

const (
	ChallengeLogin   ChallengeKind = "login"
	ChallengeConsent ChallengeKind = "consent"
)

// ChallengeStatus tracks the single-consumption lifecycle of a challenge.
type ChallengeStatus string

const (
	ChallengePending  ChallengeStatus = "pending"
	ChallengeResolved ChallengeStatus = "resolved"
	ChallengeConsumed ChallengeStatus = "consumed"
)

// Challenge is a short-lived record referenced by an unguessable id that is
// round-tripped through browser redirects between the login and consent
// steps. It carries everything needed to resume the authorization request
// across separate HTTP requests without session affinity.
type Challenge struct {
	ID                  string
	Kind                ChallengeKind
	ClientID            string
	RequestedScope      []string
	RedirectURI         string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	GrantedScope        []string
	Remember            bool
	TwoFactorPending    bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Status              ChallengeStatus
}

// Expired reports whether the challenge may no longer transition.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AuthorizationCode represents a short-lived single-use code issued to a
// client after consent was granted.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Subject             string
	FamilyID            string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshToken is an opaque stored token rotated on every use. FamilyID ties
// together every token descended from one authorization so a detected replay
// can revoke the whole family.
type RefreshToken struct {
	ID        string
	ClientID  string
	Subject   string
	Scope     string
	FamilyID  string
	ParentID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// RememberedGrant records a user's prior consent so repeat authorizations
// for the same client/scope pair skip the consent screen.
type RememberedGrant struct {
	Subject   string
	ClientID  string
	Scope     []string
	CreatedAt time.Time
}

// Covers reports whether the remembered grant includes every requested scope.
func (g RememberedGrant) Covers(requested []string) bool {
	for _, want := range requested {
		found := false
		for _, have := range g.Scope {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string
	Subject   string
	AuthTime  time.Time
	ExpiresAt time.Time
}

// Identity is the authenticated-user view produced by an Authenticator.
type Identity struct {
	Subject    string
	Email      string
	Name       string
	TOTPSecret string
}

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
