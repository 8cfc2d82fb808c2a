// Package entitlement reconciles verified purchase transactions into credit
// grants. Each transaction ID is consumed at most once per device, so a
// replayed bundle never grants twice.
package entitlement

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoedit/edge-gateway/internal/config"
	"github.com/echoedit/edge-gateway/internal/store"
)

var (
	ErrMalformedBundle     = errors.New("malformed transaction bundle")
	ErrNoActiveEntitlement = errors.New("no active entitlement")
)

// maxPurchaseAge bounds how old a transaction in a bundle may be; the
// allowed clock skew bounds how far in the future.
const (
	maxPurchaseAge = 365 * 24 * time.Hour
	maxClockSkew   = 5 * time.Minute
)

// bundle is the client-supplied envelope of signed transactions.
type bundle struct {
	Transactions []string `json:"transactions"`
}

// verifiedTransaction is a purchase after issuer verification, normalized
// from either the signed-transaction or the legacy receipt form.
type verifiedTransaction struct {
	TransactionID string
	ProductID     string
	BundleID      string
	Purchased     time.Time
	Expires       time.Time // zero for one-time products
}

// Entitlement is the resolved outcome of a reconciliation.
type Entitlement struct {
	SubscriptionActive bool
	Granted            int64
	Balance            int64
}

// CreditLedger is the slice of the ledger the validator needs. Decoupled
// here so validator tests can use a recording fake.
type CreditLedger interface {
	Credit(ctx context.Context, keyID string, amount int64) (int64, error)
	Balance(ctx context.Context, keyID string) (int64, error)
}

type Validator struct {
	rdb           *redis.Client
	ledger        CreditLedger
	roots         *x509.CertPool
	products      map[string]config.ProductConfig
	bundleID      string
	verifyURL     string
	receiptSecret string
	http          *http.Client
	log           *zap.Logger
}

func NewValidator(rdb *redis.Client, ledger CreditLedger, cfg config.EntitlementConfig, bundleID string, log *zap.Logger) (*Validator, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(cfg.RootCAPEM)) {
		return nil, fmt.Errorf("entitlement root CA: no certificates in PEM")
	}
	verifyURL := cfg.ReceiptVerifyURL
	if verifyURL == "" {
		verifyURL = defaultVerifyURL
	}
	return &Validator{
		rdb:           rdb,
		ledger:        ledger,
		roots:         roots,
		products:      cfg.Products,
		bundleID:      bundleID,
		verifyURL:     verifyURL,
		receiptSecret: cfg.ReceiptSecret,
		http:          &http.Client{Timeout: 15 * time.Second},
		log:           log,
	}, nil
}

// Resolve verifies every signed transaction in raw, grants credits for each
// allowed transaction ID not seen before, and reports the resulting state.
// Already consumed transactions are skipped, not errors, so resubmitting a
// bundle is harmless.
func (v *Validator) Resolve(ctx context.Context, keyID string, raw []byte) (*Entitlement, error) {
	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	txs := make([]verifiedTransaction, 0, len(b.Transactions))
	for _, signed := range b.Transactions {
		claims, err := v.verifyTransaction(signed)
		if err != nil {
			return nil, err
		}
		txs = append(txs, verifiedTransaction{
			TransactionID: claims.TransactionID,
			ProductID:     claims.ProductID,
			BundleID:      claims.BundleID,
			Purchased:     claims.purchaseTime(),
			Expires:       claims.expiresTime(),
		})
	}
	return v.reconcile(ctx, keyID, txs)
}

// reconcile folds verified transactions into the ledger: structural checks,
// product allow-list, dedup-before-credit. Shared by the signed-transaction
// and receipt paths.
func (v *Validator) reconcile(ctx context.Context, keyID string, txs []verifiedTransaction) (*Entitlement, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: empty transaction list", ErrMalformedBundle)
	}

	now := time.Now()
	ent := &Entitlement{}
	qualified := 0

	for _, tx := range txs {
		if tx.TransactionID == "" || tx.ProductID == "" {
			return nil, fmt.Errorf("%w: transaction missing required fields", ErrMalformedBundle)
		}
		if tx.BundleID != "" && tx.BundleID != v.bundleID {
			return nil, fmt.Errorf("%w: transaction for foreign bundle %q", ErrMalformedBundle, tx.BundleID)
		}
		if tx.Purchased.After(now.Add(maxClockSkew)) || tx.Purchased.Before(now.Add(-maxPurchaseAge)) {
			return nil, fmt.Errorf("%w: implausible purchase date %s", ErrMalformedBundle, tx.Purchased)
		}

		product, allowed := v.products[tx.ProductID]
		if !allowed {
			v.log.Warn("transaction for unknown product rejected",
				zap.String("key_id", keyID),
				zap.String("product_id", tx.ProductID),
			)
			continue
		}

		if product.Subscription {
			if tx.Expires.IsZero() || tx.Expires.Before(now) {
				continue // lapsed subscription period grants nothing
			}
			ent.SubscriptionActive = true
		}
		qualified++

		// Record the transaction ID before crediting: a crash in between
		// costs this grant rather than opening a replay window.
		added, err := v.rdb.SAdd(ctx, store.UsedTxKey(keyID), tx.TransactionID).Result()
		if err != nil {
			return nil, fmt.Errorf("record transaction: %w", err)
		}
		if added == 0 {
			continue // already consumed
		}
		if _, err := v.ledger.Credit(ctx, keyID, product.Credits); err != nil {
			return nil, fmt.Errorf("grant credits: %w", err)
		}
		ent.Granted += product.Credits
		v.log.Info("entitlement granted",
			zap.String("key_id", keyID),
			zap.String("product_id", tx.ProductID),
			zap.String("transaction_id", tx.TransactionID),
			zap.Int64("credits", product.Credits),
		)
	}

	if qualified == 0 {
		return nil, ErrNoActiveEntitlement
	}

	bal, err := v.ledger.Balance(ctx, keyID)
	if err != nil {
		return nil, err
	}
	ent.Balance = bal
	return ent, nil
}
