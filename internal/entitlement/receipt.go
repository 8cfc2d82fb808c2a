package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// defaultVerifyURL is the receipt issuer's production verification endpoint.
const defaultVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"

// A legacy receipt is opaque to the gateway. The issuer's verification
// endpoint decodes it server-side and reports the transactions it contains,
// which then flow through the same allow-list and dedup as signed
// transactions.

type receiptRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password,omitempty"`
}

type receiptTransaction struct {
	ProductID      string `json:"product_id"`
	TransactionID  string `json:"transaction_id"`
	PurchaseDateMS string `json:"purchase_date_ms"`
	ExpiresDateMS  string `json:"expires_date_ms"`
}

type receiptResponse struct {
	Status            int                  `json:"status"`
	LatestReceiptInfo []receiptTransaction `json:"latest_receipt_info"`
	Receipt           struct {
		BundleID string               `json:"bundle_id"`
		InApp    []receiptTransaction `json:"in_app"`
	} `json:"receipt"`
}

// ResolveReceipt verifies a base64 legacy receipt with the configured issuer
// endpoint and reconciles the transactions it reports. A nonzero issuer
// status means the receipt itself is bad, not the issuer.
func (v *Validator) ResolveReceipt(ctx context.Context, keyID, receiptB64 string) (*Entitlement, error) {
	payload, err := json.Marshal(receiptRequest{ReceiptData: receiptB64, Password: v.receiptSecret})
	if err != nil {
		return nil, fmt.Errorf("encode receipt request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("receipt issuer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("receipt issuer: status %d", resp.StatusCode)
	}

	var r receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("receipt issuer decode: %w", err)
	}
	if r.Status != 0 {
		return nil, fmt.Errorf("%w: issuer rejected receipt (status %d)", ErrMalformedBundle, r.Status)
	}
	if r.Receipt.BundleID != "" && r.Receipt.BundleID != v.bundleID {
		return nil, fmt.Errorf("%w: receipt for foreign bundle %q", ErrMalformedBundle, r.Receipt.BundleID)
	}

	reported := r.LatestReceiptInfo
	if len(reported) == 0 {
		reported = r.Receipt.InApp
	}

	txs := make([]verifiedTransaction, 0, len(reported))
	for _, rt := range reported {
		purchased, err := msTime(rt.PurchaseDateMS)
		if err != nil {
			return nil, fmt.Errorf("%w: bad purchase date %q", ErrMalformedBundle, rt.PurchaseDateMS)
		}
		var expires time.Time
		if rt.ExpiresDateMS != "" {
			if expires, err = msTime(rt.ExpiresDateMS); err != nil {
				return nil, fmt.Errorf("%w: bad expiry date %q", ErrMalformedBundle, rt.ExpiresDateMS)
			}
		}
		txs = append(txs, verifiedTransaction{
			TransactionID: rt.TransactionID,
			ProductID:     rt.ProductID,
			BundleID:      r.Receipt.BundleID,
			Purchased:     purchased,
			Expires:       expires,
		})
	}
	return v.reconcile(ctx, keyID, txs)
}

// msTime parses the issuer's millisecond-epoch string timestamps.
func msTime(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
