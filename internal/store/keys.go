// Package store owns the Redis key namespaces and TTL policy shared by the
// gateway's stateful components. Every cross-request mutation goes through a
// Lua script or an atomic Redis primitive in the owning package; plain
// get-then-put against these keys is a bug.
package store

import "time"

const (
	NonceTTL       = 5 * time.Minute
	DeviceKeyTTL   = 30 * 24 * time.Hour
	GenerationTTL  = 30 * 24 * time.Hour
	RefundGuardTTL = time.Hour
)

// NonceKey indexes a single-use attestation challenge by the hex SHA-256 of
// its token, so verification can locate it from the client data hash alone.
func NonceKey(hashHex string) string { return "nonce:" + hashHex }

func DeviceKey(keyID string) string { return "device:" + keyID }

func CounterKey(keyID string) string { return "counter:" + keyID }

func CreditsKey(keyID string) string { return "credits:" + keyID }

func UsedTxKey(keyID string) string { return "usedtx:" + keyID }

func RateKey(keyID string) string { return "rate:" + keyID }

func RefundKey(requestID string) string { return "refund:" + requestID }

// GenerationLogKey holds a device's generation history as a sorted set
// scored by timestamp, so recent entries are one range read.
func GenerationLogKey(keyID string) string { return "genlog:" + keyID }
