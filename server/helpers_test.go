package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*ClientRegistry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewClientRegistry(store, store, testLogger()), store
}

// newTestKeyManager uses ES256 so key generation stays cheap in tests.
func newTestKeyManager(t *testing.T, store *MemoryStore, maxKeys int) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(context.Background(), store, "ES256", maxKeys, testLogger())
	require.NoError(t, err)
	return km
}

func newTestCodec(t *testing.T, store *MemoryStore) *TokenCodec {
	t.Helper()
	km := newTestKeyManager(t, store, 3)
	return NewTokenCodec("https://auth.test", 10*time.Minute, km, store, testLogger())
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func confidentialSpec() ClientSpec {
	return ClientSpec{
		Name:         "billing service",
		ClientType:   "confidential",
		GrantTypes:   []string{"client_credentials"},
		Scopes:       []string{"read", "write"},
	}
}

func webAppSpec() ClientSpec {
	return ClientSpec{
		Name:         "web app",
		ClientType:   "confidential",
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "email", "profile", "read"},
		RedirectURIs: []string{"https://app.example.com/callback"},
	}
}

func spaSpec() ClientSpec {
	return ClientSpec{
		Name:         "spa",
		ClientType:   "public",
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "read"},
		RedirectURIs: []string{"http://localhost:3000/callback"},
		RequirePKCE:  true,
	}
}
