package server

import (
	"errors"
	"net/http"
)

// Validation errors: the request shape is wrong before any state is touched.
var (
	ErrInvalidRedirectURI    = errors.New("invalid redirect_uri")
	ErrIncompatibleGrantType = errors.New("public clients cannot use client_credentials")
)

// Authorization errors: the caller is known but not allowed.
var (
	ErrInvalidSecret       = errors.New("invalid client secret")
	ErrGrantTypeNotAllowed = errors.New("grant type not allowed for client")
	ErrClientDisabled      = errors.New("client is disabled")
)

// Protocol-state errors: a state machine rule was violated.
var (
	ErrPKCERequired             = errors.New("code_challenge required")
	ErrPKCEVerificationFailed   = errors.New("pkce verification failed")
	ErrChallengeExpired         = errors.New("challenge expired")
	ErrChallengeAlreadyConsumed = errors.New("challenge already consumed")
	ErrCodeAlreadyUsed          = errors.New("authorization code already used")
	ErrCodeInvalid              = errors.New("authorization code invalid or expired")
	ErrRefreshTokenReused       = errors.New("refresh token already rotated")
	ErrRefreshTokenInvalid      = errors.New("refresh token invalid or expired")
)

// Resource errors: the named thing does not exist or cannot be removed.
var (
	ErrClientNotFound         = errors.New("client not found")
	ErrChallengeNotFound      = errors.New("challenge not found")
	ErrKeyNotFound            = errors.New("key not found")
	ErrCannotDeleteCurrentKey = errors.New("cannot delete current signing key")
)

// Infrastructure errors.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
	ErrPathNotWritable    = errors.New("path not writable")
)

// httpStatus maps a domain error to the status the admin API responds with.
// Protocol endpoints map separately onto OAuth2 error codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrClientNotFound),
		errors.Is(err, ErrChallengeNotFound),
		errors.Is(err, ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSecret),
		errors.Is(err, ErrClientDisabled),
		errors.Is(err, ErrGrantTypeNotAllowed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrChallengeAlreadyConsumed),
		errors.Is(err, ErrCodeAlreadyUsed),
		errors.Is(err, ErrRefreshTokenReused),
		errors.Is(err, ErrCannotDeleteCurrentKey):
		return http.StatusConflict
	case errors.Is(err, ErrChallengeExpired):
		return http.StatusGone
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case err != nil:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// oauthErrorCode maps a domain error to the RFC 6749 error parameter used on
// redirect-based error delivery.
func oauthErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSecret),
		errors.Is(err, ErrClientNotFound),
		errors.Is(err, ErrClientDisabled):
		return "invalid_client"
	case errors.Is(err, ErrGrantTypeNotAllowed),
		errors.Is(err, ErrIncompatibleGrantType):
		return "unauthorized_client"
	case errors.Is(err, ErrCodeAlreadyUsed),
		errors.Is(err, ErrCodeInvalid),
		errors.Is(err, ErrRefreshTokenReused),
		errors.Is(err, ErrRefreshTokenInvalid),
		errors.Is(err, ErrPKCEVerificationFailed),
		errors.Is(err, ErrChallengeExpired),
		errors.Is(err, ErrChallengeAlreadyConsumed):
		return "invalid_grant"
	case errors.Is(err, ErrStorageUnavailable):
		return "temporarily_unavailable"
	default:
		return "invalid_request"
	}
}
