package outbox

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// GenerateIdempotencyKey derives the key for one order intent. The same
// (account, cycle, symbol, side) always yields the same key, so a retried or
// replayed cycle cannot produce a second order, while two accounts trading
// the same symbol in one cycle never share a key.
func GenerateIdempotencyKey(account, cycleID, symbol, side string) string {
	data := fmt.Sprintf("%s|%s|%s|%s", account, cycleID, strings.ToUpper(symbol), strings.ToUpper(side))
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:16])
}

// SyntheticCycleID names a cycle for out-of-band work such as operator
// commands and flatten requests.
func SyntheticCycleID(kind, ref string) string {
	return fmt.Sprintf("oob-%s-%s", kind, ref)
}
