package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/echoedit/edge-gateway/internal/store"
)

// assertion is the CBOR envelope attached to every protected request.
type assertion struct {
	Signature         []byte `cbor:"signature"`
	AuthenticatorData []byte `cbor:"authenticatorData"`
}

// counterScript advances the per-device assertion counter only when the new
// value is strictly greater than the last seen one. Atomic, so a replayed
// assertion loses the race even under concurrent requests.
var counterScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or ARGV[3])
local new = tonumber(ARGV[1])
if new <= cur then
  return 0
end
redis.call('SET', KEYS[1], new, 'EX', ARGV[2])
return 1
`)

// VerifyAssertion checks that assertionRaw proves possession of keyID's
// attested private key over exactly this clientDataHash. No side effects
// beyond advancing the replay counter; safe to call concurrently.
func (a *Authority) VerifyAssertion(ctx context.Context, keyID string, assertionRaw, clientDataHash []byte) error {
	if len(clientDataHash) != sha256.Size {
		return ErrInvalidSignature
	}
	dk, err := a.loadDeviceKey(ctx, keyID)
	if err != nil {
		return err
	}

	var as assertion
	if err := cbor.Unmarshal(assertionRaw, &as); err != nil {
		return ErrInvalidSignature
	}
	if len(as.AuthenticatorData) < authDataMin || len(as.Signature) == 0 {
		return ErrInvalidSignature
	}
	authData, err := parseAuthenticatorData(as.AuthenticatorData)
	if err != nil {
		return ErrInvalidSignature
	}

	rpHash := sha256.Sum256([]byte(a.appID))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return ErrInvalidSignature
	}

	pubAny, err := x509.ParsePKIXPublicKey(dk.PublicKey)
	if err != nil {
		return fmt.Errorf("parse stored device key: %w", err)
	}
	pub, ok := pubAny.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("stored device key is not ECDSA")
	}

	// The signature binds the authenticator state to this request's client
	// data hash; a signature lifted from another request fails here.
	digest := sha256.Sum256(append(append([]byte{}, as.AuthenticatorData...), clientDataHash...))
	if !ecdsa.VerifyASN1(pub, digest[:], as.Signature) {
		return ErrInvalidSignature
	}

	ok64, err := counterScript.Run(ctx, a.rdb,
		[]string{store.CounterKey(keyID)},
		authData.Counter,
		int(store.DeviceKeyTTL.Seconds()),
		dk.Counter,
	).Int64()
	if err != nil {
		return fmt.Errorf("advance assertion counter: %w", err)
	}
	if ok64 != 1 {
		return ErrInvalidSignature
	}

	// Device keys are long-lived but renewable; active devices stay warm.
	a.rdb.Expire(ctx, store.DeviceKey(keyID), store.DeviceKeyTTL) //nolint:errcheck
	return nil
}
