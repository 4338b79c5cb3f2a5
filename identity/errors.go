package identity

import "github.com/pkg/errors"

// Error taxonomy shared by the flow handlers and the federation manager.
// The HTTP layer maps these to status codes without protocol-specific
// knowledge, so every flow-level failure must resolve to one of them.
var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrInvalidState      = errors.New("invalid or already-consumed state")
	ErrInvalidRelayState = errors.New("invalid or already-consumed relay state")
	ErrProviderExchange  = errors.New("provider exchange failed")
	ErrInvalidSignature  = errors.New("invalid assertion signature")
	ErrAssertionExpired  = errors.New("assertion outside validity window")
	ErrAudienceMismatch  = errors.New("assertion audience mismatch")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrSessionExpired    = errors.New("session expired")
	ErrRefreshDenied     = errors.New("refresh denied by provider")
)
