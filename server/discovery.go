package server

// DiscoveryDocument holds OIDC discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/api/oauth/authorize",
		"token_endpoint":                        issuer + "/api/oauth/token",
		"userinfo_endpoint":                     issuer + "/api/oauth/userinfo",
		"jwks_uri":                              issuer + "/api/oauth/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 cfg.OAuth2.AllowedGrantTypes,
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{cfg.OAuth2.JWTSigningAlgorithm},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"introspection_endpoint":                issuer + "/api/oauth/introspect",
		"revocation_endpoint":                   issuer + "/api/oauth/revoke",
	}
}

// BuildServerInfo is the compact endpoint map the admin console consumes.
func BuildServerInfo(cfg Config) map[string]string {
	issuer := cfg.Issuer()
	return map[string]string{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/api/oauth/authorize",
		"token_endpoint":         issuer + "/api/oauth/token",
		"userinfo_endpoint":      issuer + "/api/oauth/userinfo",
		"jwks_uri":               issuer + "/api/oauth/jwks",
	}
}
