// Package uid generates random opaque identifiers.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Hex returns a hex string of 2*n characters built from n random bytes.
// If the system entropy source fails it falls back to a timestamp so that
// callers always receive a usable token.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%0*x", 2*n, time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// New returns a 32-character hex identifier (128 bits of entropy), used for
// upload IDs and temp file suffixes.
func New() string {
	return Hex(16)
}
