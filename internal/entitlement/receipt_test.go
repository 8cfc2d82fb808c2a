package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoedit/edge-gateway/internal/config"
	"github.com/echoedit/edge-gateway/internal/ledger"
)

// stubIssuer serves canned receipt verification responses and records what
// the validator sent.
type stubIssuer struct {
	status   int
	bundleID string
	txs      []receiptTransaction
	gotBody  receiptRequest
}

func (s *stubIssuer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&s.gotBody); err != nil {
			t.Errorf("issuer request decode: %v", err)
		}
		resp := receiptResponse{Status: s.status, LatestReceiptInfo: s.txs}
		resp.Receipt.BundleID = s.bundleID
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}
}

func receiptValidator(t *testing.T, issuer *stubIssuer) (*Validator, *ledger.Ledger) {
	t.Helper()
	ts := httptest.NewServer(issuer.handler(t))
	t.Cleanup(ts.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ldg := ledger.New(rdb, 0, zap.NewNop())

	v, err := NewValidator(rdb, ldg, config.EntitlementConfig{
		RootCAPEM:        newTestIssuer(t).rootPEM,
		ReceiptVerifyURL: ts.URL,
		ReceiptSecret:    "shared-secret",
		Products: map[string]config.ProductConfig{
			"echoedit.credits.25pack": {Credits: 25},
			"echoedit.pro.monthly":    {Credits: 100, Subscription: true},
		},
	}, testBundleID, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return v, ldg
}

func msString(ts time.Time) string {
	return fmt.Sprintf("%d", ts.UnixMilli())
}

func TestResolveReceipt_ConsumableGrant(t *testing.T) {
	issuer := &stubIssuer{
		bundleID: testBundleID,
		txs: []receiptTransaction{{
			ProductID:      "echoedit.credits.25pack",
			TransactionID:  "R1",
			PurchaseDateMS: msString(time.Now().Add(-time.Hour)),
		}},
	}
	v, ldg := receiptValidator(t, issuer)
	ctx := context.Background()

	ent, err := v.ResolveReceipt(ctx, "dev-1", "b2xkIHJlY2VpcHQ=")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Granted != 25 || ent.Balance != 25 {
		t.Errorf("expected 25 granted / 25 balance, got %d/%d", ent.Granted, ent.Balance)
	}
	if issuer.gotBody.ReceiptData != "b2xkIHJlY2VpcHQ=" || issuer.gotBody.Password != "shared-secret" {
		t.Errorf("issuer got %+v", issuer.gotBody)
	}

	// Same receipt again: transaction IDs dedup with the JWS path.
	ent, err = v.ResolveReceipt(ctx, "dev-1", "b2xkIHJlY2VpcHQ=")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Granted != 0 {
		t.Errorf("replayed receipt granted %d credits", ent.Granted)
	}
	bal, _ := ldg.Balance(ctx, "dev-1")
	if bal != 25 {
		t.Errorf("balance changed on replay: %d", bal)
	}
}

func TestResolveReceipt_SubscriptionActive(t *testing.T) {
	issuer := &stubIssuer{
		bundleID: testBundleID,
		txs: []receiptTransaction{{
			ProductID:      "echoedit.pro.monthly",
			TransactionID:  "R1",
			PurchaseDateMS: msString(time.Now().Add(-time.Hour)),
			ExpiresDateMS:  msString(time.Now().Add(29 * 24 * time.Hour)),
		}},
	}
	v, _ := receiptValidator(t, issuer)

	ent, err := v.ResolveReceipt(context.Background(), "dev-1", "cmVjZWlwdA==")
	if err != nil {
		t.Fatal(err)
	}
	if !ent.SubscriptionActive || ent.Granted != 100 {
		t.Errorf("expected active subscription with 100 granted, got %+v", ent)
	}
}

func TestResolveReceipt_IssuerRejection(t *testing.T) {
	issuer := &stubIssuer{status: 21002}
	v, ldg := receiptValidator(t, issuer)

	_, err := v.ResolveReceipt(context.Background(), "dev-1", "Z2FyYmFnZQ==")
	if !errors.Is(err, ErrMalformedBundle) {
		t.Fatalf("expected ErrMalformedBundle, got %v", err)
	}
	bal, _ := ldg.Balance(context.Background(), "dev-1")
	if bal != 0 {
		t.Errorf("rejected receipt granted credits: %d", bal)
	}
}

func TestResolveReceipt_ForeignBundle(t *testing.T) {
	issuer := &stubIssuer{
		bundleID: "com.other.app",
		txs: []receiptTransaction{{
			ProductID:      "echoedit.credits.25pack",
			TransactionID:  "R1",
			PurchaseDateMS: msString(time.Now()),
		}},
	}
	v, _ := receiptValidator(t, issuer)

	_, err := v.ResolveReceipt(context.Background(), "dev-1", "cmVjZWlwdA==")
	if !errors.Is(err, ErrMalformedBundle) {
		t.Fatalf("expected ErrMalformedBundle, got %v", err)
	}
}

func TestResolveReceipt_LapsedSubscription(t *testing.T) {
	issuer := &stubIssuer{
		bundleID: testBundleID,
		txs: []receiptTransaction{{
			ProductID:      "echoedit.pro.monthly",
			TransactionID:  "R1",
			PurchaseDateMS: msString(time.Now().Add(-40 * 24 * time.Hour)),
			ExpiresDateMS:  msString(time.Now().Add(-10 * 24 * time.Hour)),
		}},
	}
	v, _ := receiptValidator(t, issuer)

	_, err := v.ResolveReceipt(context.Background(), "dev-1", "cmVjZWlwdA==")
	if !errors.Is(err, ErrNoActiveEntitlement) {
		t.Fatalf("expected ErrNoActiveEntitlement, got %v", err)
	}
}
