package attest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/echoedit/edge-gateway/internal/store"
)

// IssueNonce mints a single-use attestation challenge. The token is indexed
// by the hex SHA-256 of its raw bytes, which is exactly the client data hash
// the device sends back — verification consumes the nonce by that hash
// without needing a separate challenge identifier.
func (a *Authority) IssueNonce(ctx context.Context) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sum := sha256.Sum256(raw)
	key := store.NonceKey(hex.EncodeToString(sum[:]))
	if err := a.rdb.Set(ctx, key, 1, store.NonceTTL).Err(); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// consumeNonce removes the challenge matching clientDataHash. Single use:
// a second consume of the same hash fails even within the TTL.
func (a *Authority) consumeNonce(ctx context.Context, clientDataHash []byte) error {
	key := store.NonceKey(hex.EncodeToString(clientDataHash))
	if err := a.rdb.GetDel(ctx, key).Err(); err != nil {
		if err == redis.Nil {
			return ErrNonceUnknown
		}
		return fmt.Errorf("consume nonce: %w", err)
	}
	return nil
}
