package actions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// HashPayload computes the stable action digest: SHA-256 over canonical JSON
// of the payload. encoding/json marshals map keys in sorted order with
// compact separators, so equal payloads hash identically regardless of key
// order.
func HashPayload(payload map[string]any) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from strings and integers; a marshal failure
		// is a programming error.
		panic("actions: unhashable payload: " + err.Error())
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
