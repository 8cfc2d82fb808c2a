package attest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// appleAttestFormat is the format identifier of a hardware-backed App Attest
// attestation object.
const appleAttestFormat = "apple-appattest"

// attestationObject is the CBOR envelope produced by the device:
// a format tag, the attestation statement, and raw authenticator data.
type attestationObject struct {
	Format   string              `cbor:"fmt"`
	AttStmt  attestationStatement `cbor:"attStmt"`
	AuthData []byte              `cbor:"authData"`
}

type attestationStatement struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

func decodeAttestationObject(raw []byte) (*attestationObject, error) {
	var obj attestationObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}
	if obj.Format != appleAttestFormat {
		return nil, fmt.Errorf("%w: unexpected format %q", ErrFormatInvalid, obj.Format)
	}
	if len(obj.AttStmt.X5C) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrFormatInvalid)
	}
	return &obj, nil
}

// authenticatorData is the fixed-layout binary record inside an attestation:
// rpIdHash (32) | flags (1) | counter (4) | aaguid (16) | credIdLen (2) |
// credentialID | COSE credential key.
type authenticatorData struct {
	RPIDHash      []byte
	Flags         byte
	Counter       uint32
	AAGUID        []byte
	CredentialID  []byte
	CredentialKey []byte // raw COSE bytes, empty when the AT flag is unset
}

const (
	flagAttestedCredential = 0x40

	rpHashLen  = 32
	flagsLen   = 1
	counterLen = 4
	aaguidLen  = 16
	idLenBytes = 2

	authDataMin   = rpHashLen + flagsLen + counterLen
	authDataFixed = authDataMin + aaguidLen + idLenBytes
)

func parseAuthenticatorData(raw []byte) (*authenticatorData, error) {
	if len(raw) < authDataMin {
		return nil, fmt.Errorf("%w: authenticator data truncated (%d bytes)", ErrFormatInvalid, len(raw))
	}
	ad := &authenticatorData{
		RPIDHash: raw[:rpHashLen],
		Flags:    raw[rpHashLen],
		Counter:  binary.BigEndian.Uint32(raw[rpHashLen+flagsLen : authDataMin]),
	}
	if ad.Flags&flagAttestedCredential == 0 {
		return ad, nil
	}
	if len(raw) < authDataFixed {
		return nil, fmt.Errorf("%w: attested credential data truncated", ErrFormatInvalid)
	}
	ad.AAGUID = raw[authDataMin : authDataMin+aaguidLen]
	credIDLen := int(binary.BigEndian.Uint16(raw[authDataMin+aaguidLen : authDataFixed]))
	if len(raw) < authDataFixed+credIDLen {
		return nil, fmt.Errorf("%w: credential ID overflows authenticator data", ErrFormatInvalid)
	}
	ad.CredentialID = raw[authDataFixed : authDataFixed+credIDLen]
	ad.CredentialKey = raw[authDataFixed+credIDLen:]
	return ad, nil
}

// decodeCredentialKey parses a COSE_Key map (EC2, P-256) into an ECDSA key.
func decodeCredentialKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing credential key", ErrFormatInvalid)
	}
	var cose map[int]any
	if err := cbor.Unmarshal(raw, &cose); err != nil {
		return nil, fmt.Errorf("%w: cose key: %v", ErrFormatInvalid, err)
	}
	xBytes, _ := cose[-2].([]byte)
	yBytes, _ := cose[-3].([]byte)
	if len(xBytes) != 32 || len(yBytes) != 32 {
		return nil, fmt.Errorf("%w: unexpected cose coordinate size", ErrFormatInvalid)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("%w: credential key not on P-256", ErrFormatInvalid)
	}
	return pub, nil
}
