package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Minimum acceptable key strength for generated and imported keys.
const minRSABits = 2048

// SigningKey is a retained signing key. Private material stays inside the
// KeyManager/KeyStore boundary; only the public JWK projection is exported.
type SigningKey struct {
	Kid       string
	Algorithm string
	CreatedAt time.Time
	Current   bool
	Private   crypto.Signer `json:"-"`
}

// PublicJWK derives the exportable public key representation.
func (k SigningKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Private.Public(),
		KeyID:     k.Kid,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
}

// KeyInfo is the metadata projection used by the admin key list.
type KeyInfo struct {
	Kid       string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
	Current   bool      `json:"current"`
}

// KeyManager owns the signing key lifecycle: rotation, import, generation,
// retirement, and JWKS rendering. Mutations are single-writer; Sign and
// JWKS read a shared snapshot under an RWMutex, so readers never observe a
// state without a current key.
type KeyManager struct {
	mu        sync.RWMutex
	current   SigningKey
	previous  []SigningKey // newest first
	store     KeyStore
	algorithm string
	maxKeys   int
	logger    *slog.Logger
}

// NewKeyManager loads retained keys from the store, generating an initial
// key when the store is empty.
func NewKeyManager(ctx context.Context, store KeyStore, algorithm string, maxKeys int, logger *slog.Logger) (*KeyManager, error) {
	if maxKeys < 1 {
		maxKeys = 1
	}
	m := &KeyManager{store: store, algorithm: algorithm, maxKeys: maxKeys, logger: logger}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	if len(keys) > 0 {
		sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
		for _, k := range keys {
			if k.Current {
				m.current = k
			} else {
				m.previous = append(m.previous, k)
			}
		}
		if m.current.Private == nil {
			// No key was flagged current; promote the newest one.
			m.current = keys[0]
			m.current.Current = true
			m.previous = m.previous[:0]
			for _, k := range keys[1:] {
				m.previous = append(m.previous, k)
			}
			if err := store.SetCurrentKey(ctx, m.current.Kid); err != nil {
				return nil, err
			}
		}
		return m, nil
	}

	if _, err := m.Rotate(ctx, ""); err != nil {
		return nil, err
	}
	return m, nil
}

// Rotate generates a fresh keypair, marks it current, demotes the prior
// current key to historical, and evicts the oldest historical key once the
// retention bound is exceeded. Returns the new kid.
func (m *KeyManager) Rotate(ctx context.Context, kid string) (string, error) {
	signer, alg, err := generateKeypair(m.algorithm)
	if err != nil {
		return "", err
	}
	key := SigningKey{
		Kid:       kidOrRandom(kid),
		Algorithm: alg,
		CreatedAt: time.Now(),
		Current:   true,
		Private:   signer,
	}
	if err := m.install(ctx, key); err != nil {
		return "", err
	}
	m.logger.Info("signing key rotated", "kid", key.Kid, "algorithm", alg)
	return key.Kid, nil
}

// ImportPEM parses a PEM-encoded private key and installs it as the current
// signing key with the same demotion and eviction rules as Rotate. Weak or
// unparseable material is rejected.
func (m *KeyManager) ImportPEM(ctx context.Context, pemData []byte, kid string) (string, error) {
	signer, alg, err := parsePrivateKeyPEM(pemData)
	if err != nil {
		return "", err
	}
	key := SigningKey{
		Kid:       kidOrRandom(kid),
		Algorithm: alg,
		CreatedAt: time.Now(),
		Current:   true,
		Private:   signer,
	}
	if err := m.install(ctx, key); err != nil {
		return "", err
	}
	m.logger.Info("signing key imported", "kid", key.Kid, "algorithm", alg)
	return key.Kid, nil
}

// GenerateFile generates a new key, persists the private key PEM to the
// given path with restrictive permissions, and installs it as current.
func (m *KeyManager) GenerateFile(ctx context.Context, path, kid string) (string, error) {
	signer, alg, err := generateKeypair(m.algorithm)
	if err != nil {
		return "", err
	}

	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPathNotWritable, err)
		}
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathNotWritable, err)
	}

	key := SigningKey{
		Kid:       kidOrRandom(kid),
		Algorithm: alg,
		CreatedAt: time.Now(),
		Current:   true,
		Private:   signer,
	}
	if err := m.install(ctx, key); err != nil {
		return "", err
	}
	m.logger.Info("signing key generated to file", "kid", key.Kid, "path", path)
	return key.Kid, nil
}

// Delete removes a historical key. The current key cannot be deleted.
func (m *KeyManager) Delete(ctx context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Kid == kid {
		return ErrCannotDeleteCurrentKey
	}
	for i, k := range m.previous {
		if k.Kid == kid {
			m.previous = append(m.previous[:i], m.previous[i+1:]...)
			return m.store.DeleteKey(ctx, kid)
		}
	}
	return ErrKeyNotFound
}

// JWKS returns the public projection of every retained key so tokens signed
// with recently retired keys remain verifiable until eviction.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.PublicJWK()}
	for _, k := range m.previous {
		keys = append(keys, k.PublicJWK())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Keys lists metadata for every retained key, current first.
func (m *KeyManager) Keys() []KeyInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []KeyInfo{{Kid: m.current.Kid, Algorithm: m.current.Algorithm, CreatedAt: m.current.CreatedAt, Current: true}}
	for _, k := range m.previous {
		out = append(out, KeyInfo{Kid: k.Kid, Algorithm: k.Algorithm, CreatedAt: k.CreatedAt})
	}
	return out
}

// Sign signs the claims with the current key and returns the token string
// together with the kid used.
func (m *KeyManager) Sign(claims jwt.Claims) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	method := jwt.GetSigningMethod(m.current.Algorithm)
	if method == nil {
		return "", "", fmt.Errorf("unsupported algorithm %q", m.current.Algorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = m.current.Kid
	signed, err := token.SignedString(m.current.Private)
	if err != nil {
		return "", "", err
	}
	return signed, m.current.Kid, nil
}

// Keyfunc resolves verification keys by kid across all retained keys.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return m.current.Private.Public(), nil
	}
	for _, k := range m.previous {
		if k.Kid == kid {
			return k.Private.Public(), nil
		}
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// install makes the key current, demotes the previous current key, and
// evicts beyond the retention bound, writing every change through to the
// store inside the single-writer critical section.
func (m *KeyManager) install(ctx context.Context, key SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.InsertKey(ctx, key); err != nil {
		return err
	}
	if m.current.Private != nil {
		demoted := m.current
		demoted.Current = false
		m.previous = append([]SigningKey{demoted}, m.previous...)
	}
	m.current = key
	if err := m.store.SetCurrentKey(ctx, key.Kid); err != nil {
		return err
	}

	for len(m.previous)+1 > m.maxKeys {
		evicted := m.previous[len(m.previous)-1]
		m.previous = m.previous[:len(m.previous)-1]
		if err := m.store.DeleteKey(ctx, evicted.Kid); err != nil && err != ErrKeyNotFound {
			return err
		}
		m.logger.Info("signing key evicted", "kid", evicted.Kid)
	}
	return nil
}

func generateKeypair(algorithm string) (crypto.Signer, string, error) {
	switch algorithm {
	case "", "RS256":
		key, err := rsa.GenerateKey(rand.Reader, minRSABits)
		if err != nil {
			return nil, "", err
		}
		return key, "RS256", nil
	case "ES256":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, "", err
		}
		return key, "ES256", nil
	default:
		return nil, "", fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

// parsePrivateKeyPEM accepts PKCS#1, PKCS#8, and SEC1 encodings and enforces
// the minimum strength threshold: RSA of at least 2048 bits, or the P-256
// curve for EC keys.
func parsePrivateKeyPEM(pemData []byte) (crypto.Signer, string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, "", fmt.Errorf("%w: no PEM block found", ErrInvalidKeyMaterial)
	}

	var parsed any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		if key.N.BitLen() < minRSABits {
			return nil, "", fmt.Errorf("%w: RSA key must be at least %d bits", ErrInvalidKeyMaterial, minRSABits)
		}
		return key, "RS256", nil
	case *ecdsa.PrivateKey:
		if key.Curve != elliptic.P256() {
			return nil, "", fmt.Errorf("%w: EC key must use curve P-256", ErrInvalidKeyMaterial)
		}
		return key, "ES256", nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidKeyMaterial, parsed)
	}
}

func kidOrRandom(kid string) string {
	if kid != "" {
		return kid
	}
	return NewID()
}
