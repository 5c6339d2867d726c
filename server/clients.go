package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ClientSpec is the boundary input for creating or updating a client.
// client_type and grant_types arrive as free-form strings and are parsed
// into the closed enums before anything is stored.
type ClientSpec struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	ClientType   string   `json:"client_type"`
	GrantTypes   []string `json:"grant_types"`
	Scopes       []string `json:"scopes"`
	RedirectURIs []string `json:"redirect_uris"`
	RequirePKCE  bool     `json:"require_pkce"`
	Status       string   `json:"status"`
}

// ClientRegistry manages OAuth client records: creation, updates, secret
// lifecycle, and credential validation for the token endpoint.
type ClientRegistry struct {
	store  ClientStore
	grants GrantStore
	logger *slog.Logger
}

// NewClientRegistry constructs the registry over a client store.
func NewClientRegistry(store ClientStore, grants GrantStore, logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{store: store, grants: grants, logger: logger}
}

// Create validates the spec, generates an id and (for confidential clients)
// a secret, and persists the record. The plaintext secret is returned
// exactly once; only its bcrypt hash is stored.
func (cr *ClientRegistry) Create(ctx context.Context, spec ClientSpec) (Client, string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Client{}, "", errors.New("name required")
	}
	clientType, err := ParseClientType(spec.ClientType)
	if err != nil {
		return Client{}, "", err
	}
	grants, err := parseGrantTypes(spec.GrantTypes)
	if err != nil {
		return Client{}, "", err
	}
	if err := checkGrantCompatibility(clientType, grants, spec.RedirectURIs); err != nil {
		return Client{}, "", err
	}

	client := Client{
		ID:           NewID(),
		Type:         clientType,
		Name:         spec.Name,
		Description:  spec.Description,
		GrantTypes:   grants,
		Scopes:       spec.Scopes,
		RedirectURIs: spec.RedirectURIs,
		RequirePKCE:  spec.RequirePKCE,
		Status:       ClientEnabled,
		CreatedAt:    time.Now(),
	}

	secret := ""
	if clientType == ClientConfidential {
		secret = NewSecret()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return Client{}, "", fmt.Errorf("hash secret: %w", err)
		}
		client.SecretHash = string(hash)
	}

	if err := cr.store.SaveClient(ctx, client); err != nil {
		return Client{}, "", err
	}
	cr.logger.Info("client created", "client_id", client.ID, "client_type", client.Type)
	return client, secret, nil
}

// Update re-validates grant types and redirect URIs with the creation rules.
// client_type is immutable after creation and removing every grant type is
// rejected.
func (cr *ClientRegistry) Update(ctx context.Context, id string, spec ClientSpec) (Client, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Client{}, errors.New("name required")
	}
	grants, err := parseGrantTypes(spec.GrantTypes)
	if err != nil {
		return Client{}, err
	}
	if len(grants) == 0 {
		return Client{}, errors.New("at least one grant type required")
	}

	return cr.store.UpdateClient(ctx, id, func(c *Client) error {
		if spec.ClientType != "" && spec.ClientType != string(c.Type) {
			return fmt.Errorf("client_type is immutable")
		}
		if err := checkGrantCompatibility(c.Type, grants, spec.RedirectURIs); err != nil {
			return err
		}
		c.Name = spec.Name
		c.Description = spec.Description
		c.GrantTypes = grants
		c.Scopes = spec.Scopes
		c.RedirectURIs = spec.RedirectURIs
		c.RequirePKCE = spec.RequirePKCE
		if spec.Status != "" {
			switch ClientStatus(spec.Status) {
			case ClientEnabled, ClientDisabled:
				c.Status = ClientStatus(spec.Status)
			default:
				return fmt.Errorf("unknown status %q", spec.Status)
			}
		}
		return nil
	})
}

// RegenerateSecret replaces the secret of a confidential client. The hash
// swap happens inside the store's critical section, so a concurrent
// Validate sees either the old hash or the new one, never a mix. The prior
// secret stops working immediately.
func (cr *ClientRegistry) RegenerateSecret(ctx context.Context, id string) (string, error) {
	secret := NewSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	_, err = cr.store.UpdateClient(ctx, id, func(c *Client) error {
		if c.Type != ClientConfidential {
			return fmt.Errorf("only confidential clients have secrets")
		}
		c.SecretHash = string(hash)
		return nil
	})
	if err != nil {
		return "", err
	}
	cr.logger.Info("client secret regenerated", "client_id", id)
	return secret, nil
}

// Delete removes the client and its remembered consent grants. Access
// tokens already issued remain valid until natural expiry: they are
// stateless JWTs and this registry keeps no blocklist for them.
func (cr *ClientRegistry) Delete(ctx context.Context, id string) error {
	if err := cr.store.DeleteClient(ctx, id); err != nil {
		return err
	}
	if cr.grants != nil {
		_ = cr.grants.DeleteRememberedGrants(ctx, id)
	}
	cr.logger.Info("client deleted", "client_id", id)
	return nil
}

// Get retrieves a client record.
func (cr *ClientRegistry) Get(ctx context.Context, id string) (Client, error) {
	return cr.store.GetClient(ctx, id)
}

// List returns all registered clients.
func (cr *ClientRegistry) List(ctx context.Context) ([]Client, error) {
	return cr.store.ListClients(ctx)
}

// Authenticate checks a client's credentials and status without pinning a
// grant type. Confidential clients must present their secret; public
// clients identify by id alone. Introspection and revocation use this so a
// client can handle its own tokens whatever grants it holds.
func (cr *ClientRegistry) Authenticate(ctx context.Context, clientID, clientSecret string) (Client, error) {
	client, err := cr.store.GetClient(ctx, clientID)
	if err != nil {
		return Client{}, err
	}
	if client.Status != ClientEnabled {
		return Client{}, ErrClientDisabled
	}
	if client.Type == ClientConfidential {
		if clientSecret == "" {
			return Client{}, ErrInvalidSecret
		}
		if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
			return Client{}, ErrInvalidSecret
		}
	}
	return client, nil
}

// Validate authenticates a client for the given grant type. Each failure is
// a distinct typed error so the token endpoint can answer precisely.
func (cr *ClientRegistry) Validate(ctx context.Context, clientID, clientSecret string, grantType GrantType) (Client, error) {
	client, err := cr.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return Client{}, err
	}
	if !client.AllowsGrant(grantType) {
		return Client{}, ErrGrantTypeNotAllowed
	}
	return client, nil
}

func parseGrantTypes(raw []string) ([]GrantType, error) {
	out := make([]GrantType, 0, len(raw))
	for _, s := range raw {
		gt, err := ParseGrantType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, gt)
	}
	return out, nil
}

func checkGrantCompatibility(clientType ClientType, grants []GrantType, redirectURIs []string) error {
	usesAuthCode := false
	for _, gt := range grants {
		if gt == GrantClientCredentials && clientType == ClientPublic {
			return ErrIncompatibleGrantType
		}
		if gt == GrantAuthorizationCode {
			usesAuthCode = true
		}
	}
	if usesAuthCode {
		if len(redirectURIs) == 0 {
			return fmt.Errorf("%w: authorization_code requires at least one redirect_uri", ErrInvalidRedirectURI)
		}
		for _, uri := range redirectURIs {
			if !validRedirectURI(uri) {
				return fmt.Errorf("%w: %s", ErrInvalidRedirectURI, uri)
			}
		}
	}
	return nil
}

// validRedirectURI enforces the registration rule: an absolute URI over
// https, or http restricted to loopback and *.local development hosts.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".local")
	default:
		return false
	}
}
