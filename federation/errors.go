package federation

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/webqx-health/federation/identity"
)

// taxonomy is the closed set of error kinds the federation layer exposes,
// in classification order.
var taxonomy = []error{
	identity.ErrUnknownProvider,
	identity.ErrInvalidState,
	identity.ErrInvalidRelayState,
	identity.ErrInvalidSignature,
	identity.ErrAssertionExpired,
	identity.ErrAudienceMismatch,
	identity.ErrProviderExchange,
	identity.ErrRefreshDenied,
	identity.ErrSessionExpired,
	identity.ErrForbidden,
	identity.ErrUnauthenticated,
}

// Classify reduces any federation-layer error to its taxonomy sentinel.
// Unclassified errors come back as-is.
func Classify(err error) error {
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return err
}

// Reason is the audit-safe description of an error: the taxonomy
// sentinel's message only, never the wrapped chain, so provider responses
// and key material cannot leak into audit records.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	classified := Classify(err)
	for _, sentinel := range taxonomy {
		if classified == sentinel {
			return sentinel.Error()
		}
	}
	return "internal error"
}

// HTTPStatus maps a federation-layer error to the status code the HTTP
// adapter should return. Callers never need protocol-specific knowledge.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case nil:
		return http.StatusOK
	case identity.ErrUnauthenticated, identity.ErrSessionExpired, identity.ErrRefreshDenied:
		return http.StatusUnauthorized
	case identity.ErrForbidden:
		return http.StatusForbidden
	case identity.ErrUnknownProvider,
		identity.ErrInvalidState,
		identity.ErrInvalidRelayState,
		identity.ErrInvalidSignature,
		identity.ErrAssertionExpired,
		identity.ErrAudienceMismatch:
		return http.StatusBadRequest
	case identity.ErrProviderExchange:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
