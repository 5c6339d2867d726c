// Package client verifies access tokens minted by authzd from a resource
// server, caching the published JWKS between requests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Options configures a Verifier.
type Options struct {
	// Issuer must match the iss claim of accepted tokens.
	Issuer string
	// JWKSURL is where the authorization server publishes its keys.
	JWKSURL string
	// Audiences restricts accepted aud values. Empty means any.
	Audiences []string
	// RefreshInterval bounds how long a cached JWKS is trusted.
	RefreshInterval time.Duration
	// IntrospectionURL, when set, is consulted for tokens that pass local
	// verification so family-revoked tokens are still rejected.
	IntrospectionURL string
	// IntrospectionClientID and IntrospectionClientSecret authenticate the
	// introspection call.
	IntrospectionClientID     string
	IntrospectionClientSecret string
	HTTPClient                *http.Client
}

// TokenInfo is the validated view of an access token.
type TokenInfo struct {
	Subject   string
	ClientID  string
	Scopes    []string
	TokenID   string
	ExpiresAt time.Time
}

// GrantsScope reports whether every requested scope was granted.
func (t *TokenInfo) GrantsScope(required ...string) bool {
	have := make(map[string]struct{}, len(t.Scopes))
	for _, sc := range t.Scopes {
		have[sc] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return false
		}
	}
	return true
}

// Verifier validates authzd-issued JWT access tokens offline, with an
// optional online introspection check.
type Verifier struct {
	opts Options
	http *http.Client

	mu      sync.RWMutex
	keys    jose.JSONWebKeySet
	expires time.Time
}

// NewVerifier builds a Verifier with defaults applied.
func NewVerifier(opts Options) *Verifier {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	return &Verifier{opts: opts, http: opts.HTTPClient}
}

// Verify checks signature, issuer, expiry, and audience, refreshing the JWKS
// when the token references an unknown kid.
func (v *Verifier) Verify(ctx context.Context, raw string) (*TokenInfo, error) {
	if raw == "" {
		return nil, errors.New("token required")
	}

	set, err := v.jwks(ctx, false)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)

	claims := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if key := keyByID(set, kid); key != nil {
			return key.Key, nil
		}
		// A rotation may have published a key we have not seen yet.
		refreshed, rerr := v.jwks(ctx, true)
		if rerr != nil {
			return nil, rerr
		}
		if key := keyByID(refreshed, kid); key != nil {
			return key.Key, nil
		}
		return nil, fmt.Errorf("signing key %q not found", kid)
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	info, err := v.fromClaims(claims)
	if err != nil {
		return nil, err
	}
	if v.opts.IntrospectionURL != "" {
		if err := v.introspect(ctx, raw); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Middleware rejects requests without a valid bearer token carrying the
// required scopes and attaches the TokenInfo to the request context.
func (v *Verifier) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			info, err := v.Verify(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !info.GrantsScope(requiredScopes...) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenInfoKey{}, info)))
		})
	}
}

type tokenInfoKey struct{}

// FromContext retrieves the TokenInfo attached by Middleware.
func FromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info, ok
}

func (v *Verifier) jwks(ctx context.Context, force bool) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	set, expires := v.keys, v.expires
	v.mu.RUnlock()

	if !force && len(set.Keys) > 0 && time.Now().Before(expires) {
		return set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.opts.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var fetched jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}

	v.mu.Lock()
	v.keys = fetched
	v.expires = time.Now().Add(v.opts.RefreshInterval)
	v.mu.Unlock()
	return fetched, nil
}

func (v *Verifier) introspect(ctx context.Context, raw string) error {
	form := url.Values{"token": {raw}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.opts.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(v.opts.IntrospectionClientID, v.opts.IntrospectionClientSecret)

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("introspect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("introspect: %s", resp.Status)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("introspect decode: %w", err)
	}
	if !body.Active {
		return errors.New("token revoked")
	}
	return nil
}

func (v *Verifier) fromClaims(mc jwt.MapClaims) (*TokenInfo, error) {
	iss, _ := mc["iss"].(string)
	if v.opts.Issuer != "" && iss != v.opts.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("sub missing")
	}
	if len(v.opts.Audiences) > 0 && !audienceAllowed(audiences(mc["aud"]), v.opts.Audiences) {
		return nil, errors.New("audience rejected")
	}

	scope, _ := mc["scope"].(string)
	clientID, _ := mc["client_id"].(string)
	jti, _ := mc["jti"].(string)

	var exp time.Time
	if num, ok := mc["exp"].(float64); ok {
		exp = time.Unix(int64(num), 0)
	}

	return &TokenInfo{
		Subject:   sub,
		ClientID:  clientID,
		Scopes:    strings.Fields(scope),
		TokenID:   jti,
		ExpiresAt: exp,
	}, nil
}

func keyByID(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, want := range expected {
			if a == want {
				return true
			}
		}
	}
	return false
}

func audiences(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
