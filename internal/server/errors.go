package server

import (
	"errors"
	"net/http"

	"github.com/echoedit/edge-gateway/internal/attest"
	"github.com/echoedit/edge-gateway/internal/entitlement"
	"github.com/echoedit/edge-gateway/internal/ledger"
	"github.com/echoedit/edge-gateway/internal/ratelimit"
	"github.com/echoedit/edge-gateway/internal/upstream"
)

// statusFor maps component errors to an HTTP status and a client-safe
// message. Anything unrecognized is an internal error; details stay in the
// server logs.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, attest.ErrFormatInvalid),
		errors.Is(err, attest.ErrIdentifierMismatch),
		errors.Is(err, attest.ErrChainInvalid),
		errors.Is(err, attest.ErrSignatureInvalid),
		errors.Is(err, attest.ErrKeyIDMismatch),
		errors.Is(err, attest.ErrNonceUnknown),
		errors.Is(err, attest.ErrAlreadyAttested):
		return http.StatusUnauthorized, "attestation failed"
	case errors.Is(err, attest.ErrUnknownDevice),
		errors.Is(err, attest.ErrInvalidSignature):
		return http.StatusUnauthorized, "assertion failed"
	case errors.Is(err, entitlement.ErrMalformedBundle):
		return http.StatusBadRequest, "malformed transaction bundle"
	case errors.Is(err, entitlement.ErrNoActiveEntitlement):
		return http.StatusPaymentRequired, "no active entitlement"
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, ratelimit.ErrExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, upstream.ErrHostNotAllowed):
		return http.StatusBadRequest, "invalid polling URL"
	case errors.Is(err, upstream.ErrUpstreamStatus):
		return http.StatusInternalServerError, "generation service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
