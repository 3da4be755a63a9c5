// Package idgen mints the random identifiers used across the API:
// intent IDs, audit event IDs, agent IDs, webhook secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixed IDs carry 12 random bytes, 96 bits of entropy. Collisions
// are not a practical concern at any volume this service will see.
const idBytes = 12

// WithPrefix returns prefix + 24 random hex characters. The prefix
// names the resource type, so a bare ID in a log line is still
// self-describing: "evt_" audit events, "ag_" agents, "wh_" webhook
// endpoints, "rcp_" receipts, "risk_" assessments.
func WithPrefix(prefix string) string {
	return prefix + Hex(idBytes)
}

// Hex returns numBytes of cryptographic randomness, hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
