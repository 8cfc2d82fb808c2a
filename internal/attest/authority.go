// Package attest implements the device trust anchor: one-time hardware
// attestation of a P-256 credential key and per-request assertion
// verification against the stored key.
package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoedit/edge-gateway/internal/store"
)

// appleNonceOID marks the leaf certificate extension carrying the expected
// attestation nonce.
var appleNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

// DeviceKey is the persisted trust anchor for one attested device. Immutable
// after creation; re-attestation of a verified keyID is rejected.
type DeviceKey struct {
	KeyID      string `json:"key_id"`
	PublicKey  []byte `json:"public_key"` // PKIX DER
	Verified   bool   `json:"verified"`
	AttestedAt int64  `json:"attested_at"`
	Counter    uint32 `json:"counter"`
}

// Authority issues attestation nonces, verifies first-time attestations, and
// validates per-request assertions. Safe for concurrent use; all state lives
// in Redis.
type Authority struct {
	rdb   *redis.Client
	appID string
	roots *x509.CertPool
	log   *zap.Logger
}

func NewAuthority(rdb *redis.Client, appID, rootCAPEM string, log *zap.Logger) (*Authority, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(rootCAPEM)) {
		return nil, fmt.Errorf("attestation root CA: no certificates in PEM")
	}
	return &Authority{rdb: rdb, appID: appID, roots: roots, log: log}, nil
}

// VerifyAttestation validates a first-time attestation object and, on
// success, persists the device's credential key as its trust anchor.
// clientDataHash must be the SHA-256 of the nonce previously issued by
// IssueNonce.
func (a *Authority) VerifyAttestation(ctx context.Context, keyID string, attObjRaw, clientDataHash []byte) (*DeviceKey, error) {
	if len(clientDataHash) != sha256.Size {
		return nil, fmt.Errorf("%w: client data hash must be 32 bytes", ErrFormatInvalid)
	}
	// Nonce is consumed up front so a failed attempt burns it too.
	if err := a.consumeNonce(ctx, clientDataHash); err != nil {
		return nil, err
	}

	keyIDBytes, err := base64.StdEncoding.DecodeString(keyID)
	if err != nil || len(keyIDBytes) != sha256.Size {
		return nil, fmt.Errorf("%w: key ID is not a base64 SHA-256", ErrFormatInvalid)
	}

	obj, err := decodeAttestationObject(attObjRaw)
	if err != nil {
		return nil, err
	}
	authData, err := parseAuthenticatorData(obj.AuthData)
	if err != nil {
		return nil, err
	}

	rpHash := sha256.Sum256([]byte(a.appID))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return nil, ErrIdentifierMismatch
	}

	leaf, err := a.verifyChain(obj.AttStmt.X5C)
	if err != nil {
		return nil, err
	}

	// The leaf carries the expected nonce: SHA-256(authData ‖ clientDataHash).
	// A mismatch means the statement was not produced for this challenge.
	certNonce, err := nonceFromCert(leaf)
	if err != nil {
		return nil, err
	}
	expected := sha256.Sum256(append(append([]byte{}, obj.AuthData...), clientDataHash...))
	if !bytes.Equal(certNonce, expected[:]) {
		return nil, ErrSignatureInvalid
	}

	credKey, err := decodeCredentialKey(authData.CredentialKey)
	if err != nil {
		return nil, err
	}

	// The credential key must be the key the chain attests to.
	leafKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok || !leafKey.Equal(credKey) {
		return nil, ErrSignatureInvalid
	}

	// keyID is defined as SHA-256 of the uncompressed credential point.
	point := elliptic.Marshal(elliptic.P256(), credKey.X, credKey.Y)
	pointHash := sha256.Sum256(point)
	if !bytes.Equal(pointHash[:], keyIDBytes) {
		return nil, ErrKeyIDMismatch
	}
	if len(authData.CredentialID) > 0 && !bytes.Equal(authData.CredentialID, keyIDBytes) {
		return nil, ErrKeyIDMismatch
	}

	pubDER, err := x509.MarshalPKIXPublicKey(credKey)
	if err != nil {
		return nil, fmt.Errorf("marshal credential key: %w", err)
	}
	dk := &DeviceKey{
		KeyID:      keyID,
		PublicKey:  pubDER,
		Verified:   true,
		AttestedAt: time.Now().Unix(),
		Counter:    authData.Counter,
	}
	if err := a.saveDeviceKey(ctx, dk); err != nil {
		return nil, err
	}

	a.log.Info("device attested", zap.String("key_id", keyID))
	return dk, nil
}

func (a *Authority) verifyChain(x5c [][]byte) (*x509.Certificate, error) {
	leaf, err := x509.ParseCertificate(x5c[0])
	if err != nil {
		return nil, fmt.Errorf("%w: leaf parse: %v", ErrChainInvalid, err)
	}
	intermediates := x509.NewCertPool()
	for _, der := range x5c[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: intermediate parse: %v", ErrChainInvalid, err)
		}
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         a.roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}
	return leaf, nil
}

// nonceFromCert extracts the 32-byte nonce from the leaf's attestation
// extension: SEQUENCE { [1] { OCTET STRING nonce } }.
func nonceFromCert(leaf *x509.Certificate) ([]byte, error) {
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(appleNonceOID) {
			continue
		}
		var outer asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &outer); err != nil {
			return nil, fmt.Errorf("%w: nonce outer parse: %v", ErrChainInvalid, err)
		}
		var wrapper asn1.RawValue
		if _, err := asn1.Unmarshal(outer.Bytes, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: nonce wrapper parse: %v", ErrChainInvalid, err)
		}
		if wrapper.Class != asn1.ClassContextSpecific || wrapper.Tag != 1 {
			return nil, fmt.Errorf("%w: unexpected nonce wrapper", ErrChainInvalid)
		}
		var nonce []byte
		if _, err := asn1.Unmarshal(wrapper.Bytes, &nonce); err != nil {
			return nil, fmt.Errorf("%w: nonce inner parse: %v", ErrChainInvalid, err)
		}
		if len(nonce) != sha256.Size {
			return nil, fmt.Errorf("%w: nonce length %d", ErrChainInvalid, len(nonce))
		}
		return nonce, nil
	}
	return nil, fmt.Errorf("%w: nonce extension missing", ErrChainInvalid)
}

func (a *Authority) saveDeviceKey(ctx context.Context, dk *DeviceKey) error {
	blob, err := json.Marshal(dk)
	if err != nil {
		return fmt.Errorf("marshal device key: %w", err)
	}
	// SetNX keeps the first attestation authoritative under concurrent
	// attempts as well as over time.
	set, err := a.rdb.SetNX(ctx, store.DeviceKey(dk.KeyID), blob, store.DeviceKeyTTL).Result()
	if err != nil {
		return fmt.Errorf("store device key: %w", err)
	}
	if !set {
		return ErrAlreadyAttested
	}
	return nil
}

func (a *Authority) loadDeviceKey(ctx context.Context, keyID string) (*DeviceKey, error) {
	blob, err := a.rdb.Get(ctx, store.DeviceKey(keyID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrUnknownDevice
		}
		return nil, fmt.Errorf("load device key: %w", err)
	}
	var dk DeviceKey
	if err := json.Unmarshal(blob, &dk); err != nil {
		return nil, fmt.Errorf("decode device key: %w", err)
	}
	if !dk.Verified {
		return nil, ErrUnknownDevice
	}
	return &dk, nil
}
