package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML file and environment are read.
const (
	DefaultAccessTokenTTLMinutes = 10
	DefaultRefreshTokenTTLHours  = 24
	DefaultSessionTTLHours       = 12
	DefaultChallengeTTLMinutes   = 10
	DefaultCodeTTLSeconds        = 120
	DefaultMaxJWKSKeys           = 3
	DefaultSweepIntervalMinutes  = 5
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	OAuth2    OAuth2Config       `yaml:"oauth2"`
	Users     []UserConfig       `yaml:"users"`
	Providers ProviderConfig     `yaml:"providers"`
	Clients   []SeedClientConfig `yaml:"clients"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	AdminToken      string     `yaml:"admin_token"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	CacheDir   string   `yaml:"cache_dir"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// OAuth2Config holds the persisted protocol options. TTL fields keep the
// units the admin console uses: minutes for access tokens, hours for
// refresh tokens.
type OAuth2Config struct {
	Enabled              bool     `yaml:"enabled"`
	Issuer               string   `yaml:"issuer"`
	AccessTokenTTL       int      `yaml:"access_token_ttl"`
	RefreshTokenTTL      int      `yaml:"refresh_token_ttl"`
	JWTSigningAlgorithm  string   `yaml:"jwt_signing_algorithm"`
	AllowedGrantTypes    []string `yaml:"allowed_grant_types"`
	RequirePKCE          bool     `yaml:"require_pkce"`
	MaxJWKSKeys          int      `yaml:"max_jwks_keys"`
	CodeTTLSeconds       int      `yaml:"code_ttl_seconds"`
	ChallengeTTLMinutes  int      `yaml:"challenge_ttl_minutes"`
	SessionTTLHours      int      `yaml:"session_ttl_hours"`
	SweepIntervalMinutes int      `yaml:"sweep_interval_minutes"`
}

// ProviderConfig groups upstream identity providers usable for the login
// step instead of local password verification.
type ProviderConfig struct {
	Default string                      `yaml:"default"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SeedClientConfig declares a client installed at startup, so machine
// clients exist before any admin API call. Secrets are configured as bcrypt
// hashes, never plaintext.
type SeedClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	SecretHash   string   `yaml:"secret_hash"`
	Name         string   `yaml:"name"`
	ClientType   string   `yaml:"client_type"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
	RedirectURIs []string `yaml:"redirect_uris"`
	RequirePKCE  bool     `yaml:"require_pkce"`
}

// AccessTokenTTL returns the access token lifetime as a duration.
func (c OAuth2Config) AccessTokenTTLDuration() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Minute
}

// RefreshTokenTTLDuration returns the refresh token lifetime as a duration.
func (c OAuth2Config) RefreshTokenTTLDuration() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Hour
}

// ChallengeTTLDuration returns the login/consent challenge lifetime.
func (c OAuth2Config) ChallengeTTLDuration() time.Duration {
	return time.Duration(c.ChallengeTTLMinutes) * time.Minute
}

// CodeTTLDuration returns the authorization code lifetime.
func (c OAuth2Config) CodeTTLDuration() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

// SessionTTLDuration returns the browser session lifetime.
func (c OAuth2Config) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// SweepInterval returns the cadence of the optional expired-record sweep.
func (c OAuth2Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
			},
		},
		OAuth2: OAuth2Config{
			Enabled:             true,
			AccessTokenTTL:      DefaultAccessTokenTTLMinutes,
			RefreshTokenTTL:     DefaultRefreshTokenTTLHours,
			JWTSigningAlgorithm: "RS256",
			AllowedGrantTypes: []string{
				string(GrantClientCredentials),
				string(GrantAuthorizationCode),
				string(GrantRefreshToken),
			},
			RequirePKCE:          false,
			MaxJWKSKeys:          DefaultMaxJWKSKeys,
			CodeTTLSeconds:       DefaultCodeTTLSeconds,
			ChallengeTTLMinutes:  DefaultChallengeTTLMinutes,
			SessionTTLHours:      DefaultSessionTTLHours,
			SweepIntervalMinutes: DefaultSweepIntervalMinutes,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHZD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHZD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHZD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHZD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHZD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHZD_SERVER_ADMIN_TOKEN":       func(v string) { cfg.Server.AdminToken = v },
		"AUTHZD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHZD_OAUTH2_ISSUER":            func(v string) { cfg.OAuth2.Issuer = v },
		"AUTHZD_OAUTH2_ACCESS_TOKEN_TTL":  func(v string) { cfg.OAuth2.AccessTokenTTL = parseInt(v, cfg.OAuth2.AccessTokenTTL) },
		"AUTHZD_OAUTH2_REFRESH_TOKEN_TTL": func(v string) { cfg.OAuth2.RefreshTokenTTL = parseInt(v, cfg.OAuth2.RefreshTokenTTL) },
		"AUTHZD_OAUTH2_REQUIRE_PKCE":      func(v string) { cfg.OAuth2.RequirePKCE = parseBool(v, cfg.OAuth2.RequirePKCE) },
		"AUTHZD_OAUTH2_MAX_JWKS_KEYS":     func(v string) { cfg.OAuth2.MaxJWKSKeys = parseInt(v, cfg.OAuth2.MaxJWKSKeys) },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", v)
	}

	if c.OAuth2.AccessTokenTTL <= 0 {
		return errors.New("oauth2.access_token_ttl must be positive")
	}
	if c.OAuth2.RefreshTokenTTL <= 0 {
		return errors.New("oauth2.refresh_token_ttl must be positive")
	}
	if c.OAuth2.MaxJWKSKeys < 1 {
		return errors.New("oauth2.max_jwks_keys must be at least 1")
	}
	switch c.OAuth2.JWTSigningAlgorithm {
	case "RS256", "ES256":
	default:
		return fmt.Errorf("oauth2.jwt_signing_algorithm must be RS256 or ES256, got: %s", c.OAuth2.JWTSigningAlgorithm)
	}
	for _, gt := range c.OAuth2.AllowedGrantTypes {
		if _, err := ParseGrantType(gt); err != nil {
			return fmt.Errorf("oauth2.allowed_grant_types: %w", err)
		}
	}

	for i, seed := range c.Clients {
		if seed.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if seed.Name == "" {
			return fmt.Errorf("clients[%d] (%s): name is required", i, seed.ClientID)
		}
		clientType, err := ParseClientType(seed.ClientType)
		if err != nil {
			return fmt.Errorf("clients[%d] (%s): %w", i, seed.ClientID, err)
		}
		if clientType == ClientConfidential && seed.SecretHash == "" {
			return fmt.Errorf("clients[%d] (%s): confidential clients need secret_hash", i, seed.ClientID)
		}
		grants, err := parseGrantTypes(seed.GrantTypes)
		if err != nil {
			return fmt.Errorf("clients[%d] (%s): %w", i, seed.ClientID, err)
		}
		if err := checkGrantCompatibility(clientType, grants, seed.RedirectURIs); err != nil {
			return fmt.Errorf("clients[%d] (%s): %w", i, seed.ClientID, err)
		}
	}

	if d := c.Providers.Default; d != "" {
		p, ok := c.Providers.Extra[d]
		if !ok {
			return fmt.Errorf("providers.default %q is not configured", d)
		}
		if p.Issuer == "" || p.ClientID == "" {
			return fmt.Errorf("providers.extra.%s needs issuer and client_id", d)
		}
	}

	return nil
}

// Issuer resolves the issuer identity, falling back to the public URL.
func (c Config) Issuer() string {
	if c.OAuth2.Issuer != "" {
		return strings.TrimSuffix(c.OAuth2.Issuer, "/")
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

// GrantTypeAllowed reports whether the deployment permits the grant type at
// all, independent of per-client registration.
func (c Config) GrantTypeAllowed(gt GrantType) bool {
	for _, allowed := range c.OAuth2.AllowedGrantTypes {
		if GrantType(allowed) == gt {
			return true
		}
	}
	return false
}
