package attest

import "errors"

// Attestation failures.
var (
	ErrFormatInvalid      = errors.New("attestation format invalid")
	ErrIdentifierMismatch = errors.New("relying party identifier mismatch")
	ErrChainInvalid       = errors.New("certificate chain invalid")
	ErrSignatureInvalid   = errors.New("attestation signature invalid")
	ErrKeyIDMismatch      = errors.New("key ID does not match credential key")
	ErrNonceUnknown       = errors.New("nonce unknown or expired")
	ErrAlreadyAttested    = errors.New("device key already attested")
)

// Assertion failures.
var (
	ErrUnknownDevice    = errors.New("unknown or unverified device")
	ErrInvalidSignature = errors.New("invalid assertion signature")
)
