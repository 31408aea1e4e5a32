// Package idgen mints identifiers for transactions, alerts, audit events and
// webhook deliveries.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for generated identifiers.
const (
	PrefixTransaction = "tx_"
	PrefixAlert       = "alt_"
	PrefixAudit       = "aud_"
	PrefixWebhook     = "wh_"
	PrefixEvent       = "evt_"
)

// Transaction returns "tx_" followed by a random UUID.
func Transaction() string {
	return PrefixTransaction + uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex characters.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes, hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
