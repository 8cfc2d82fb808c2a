package entitlement

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// transactionClaims is the payload of a StoreKit 2 signed transaction.
// Timestamps are millisecond epochs.
type transactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Type                  string `json:"type"`
	jwt.RegisteredClaims
}

func (c *transactionClaims) purchaseTime() time.Time {
	return time.UnixMilli(c.PurchaseDate)
}

func (c *transactionClaims) expiresTime() time.Time {
	if c.ExpiresDate == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExpiresDate)
}

// verifyTransaction checks a signed transaction's ES256 signature against
// the certificate chain in its x5c header, which in turn must verify to the
// configured issuer root.
func (v *Validator) verifyTransaction(signed string) (*transactionClaims, error) {
	claims := &transactionClaims{}
	_, err := jwt.ParseWithClaims(signed, claims, v.leafKey,
		jwt.WithValidMethods([]string{"ES256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	return claims, nil
}

func (v *Validator) leafKey(token *jwt.Token) (any, error) {
	rawChain, ok := token.Header["x5c"].([]any)
	if !ok || len(rawChain) == 0 {
		return nil, fmt.Errorf("missing x5c header")
	}

	certs := make([]*x509.Certificate, 0, len(rawChain))
	for _, raw := range rawChain {
		b64, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("x5c entry is not a string")
		}
		der, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("x5c decode: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c parse: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("issuer chain: %w", err)
	}
	return certs[0].PublicKey, nil
}
