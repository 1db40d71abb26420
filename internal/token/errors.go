// Package token implements the token service (spec component C9): grant
// dispatch for authorization_code, refresh_token, client_credentials,
// device_code, CIBA, and token-exchange, ID token construction with
// at_hash/c_hash, and refresh-token rotation with family-wide revocation
// on reuse.
//
// Grant dispatch and the RFC 6749 error vocabulary follow dex's
// server/oauth2.go handleToken switch; refresh rotation generalizes
// storage.RefreshToken/RefreshTokenRef's Token/ObsoleteToken fields (one
// generation of reuse detection) into a family chain spanning every
// rotation, since spec.md requires revoking the whole lineage on replay,
// not just rejecting the one reused token.
package token

import "fmt"

// Code is an RFC 6749 §5.2 token error code.
type Code string

const (
	ErrInvalidRequest       Code = "invalid_request"
	ErrInvalidClient        Code = "invalid_client"
	ErrInvalidGrant         Code = "invalid_grant"
	ErrUnauthorizedClient   Code = "unauthorized_client"
	ErrUnsupportedGrantType Code = "unsupported_grant_type"
	ErrInvalidScope         Code = "invalid_scope"
	ErrSlowDown             Code = "slow_down"
	ErrAuthorizationPending Code = "authorization_pending"
	ErrAccessDenied         Code = "access_denied"
	ErrExpiredToken         Code = "expired_token"
	ErrServerError          Code = "server_error"

	// ErrInvalidDPoPProof is the RFC 9449 §5.2 error code returned when a
	// presented DPoP proof is malformed, fails verification, or its jkt
	// does not match the token's bound confirmation key.
	ErrInvalidDPoPProof Code = "invalid_dpop_proof"
)

// Error is a token-endpoint error response. Every grant handler returns
// one of these (never a bare error) so the HTTP layer can render the exact
// RFC 6749 JSON body without re-deriving the error code from a sentinel.
type Error struct {
	Code        Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
