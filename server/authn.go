package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// ErrAuthenticationFailed covers bad credentials without revealing which
// part of them was wrong.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator is the boundary to the user verification backend. The
// server only needs a yes/no decision plus a stable subject; password
// storage, directories, and lockout policy live behind this interface.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Identity, error)
}

// UserConfig declares a locally-verified user.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Email        string `yaml:"email"`
	Name         string `yaml:"name"`
	TOTPSecret   string `yaml:"totp_secret"`
}

// LocalAuthenticator verifies users declared in configuration with bcrypt
// password hashes and optional TOTP secrets.
type LocalAuthenticator struct {
	users  map[string]UserConfig
	logger *slog.Logger
}

// NewLocalAuthenticator builds the authenticator from configured users.
func NewLocalAuthenticator(users []UserConfig, logger *slog.Logger) *LocalAuthenticator {
	byName := make(map[string]UserConfig, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return &LocalAuthenticator{users: byName, logger: logger}
}

// Authenticate checks the password against the stored bcrypt hash.
func (a *LocalAuthenticator) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	user, ok := a.users[username]
	if !ok {
		return Identity{}, ErrAuthenticationFailed
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		a.logger.Warn("login failed", "username", username)
		return Identity{}, ErrAuthenticationFailed
	}
	return Identity{
		Subject:    username,
		Email:      user.Email,
		Name:       user.Name,
		TOTPSecret: user.TOTPSecret,
	}, nil
}

// VerifyTOTP validates a time-based one-time passcode against the user's
// enrolled secret.
func VerifyTOTP(secret, passcode string) error {
	if secret == "" {
		return nil
	}
	if !totp.Validate(passcode, secret) {
		return ErrAuthenticationFailed
	}
	return nil
}
