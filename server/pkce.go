package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// PKCE challenge methods. Only S256 is accepted at authorization time;
// "plain" defeats the purpose of binding the code to the verifier.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

const pkceVerifierChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// ValidPKCEMethod reports whether the authorization request carries an
// acceptable code_challenge_method.
func ValidPKCEMethod(method string) bool {
	return method == PKCEMethodS256
}

// VerifyPKCE checks BASE64URL(SHA256(verifier)) against the stored
// challenge. The verifier must satisfy the RFC 7636 shape (43-128 chars of
// the unreserved set) before any comparison happens.
func VerifyPKCE(verifier, challenge, method string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrPKCERequired
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("%w: verifier length out of range", ErrPKCEVerificationFailed)
	}
	for _, r := range verifier {
		if !strings.ContainsRune(pkceVerifierChars, r) {
			return fmt.Errorf("%w: verifier contains invalid characters", ErrPKCEVerificationFailed)
		}
	}
	switch method {
	case PKCEMethodS256, "":
		sum := sha256.Sum256([]byte(verifier))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
			return ErrPKCEVerificationFailed
		}
	default:
		return fmt.Errorf("%w: unsupported method %q", ErrPKCEVerificationFailed, method)
	}
	return nil
}

// GenerateCodeVerifier produces a random RFC 7636 verifier. Used by tests
// and example clients.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
