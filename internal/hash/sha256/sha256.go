// Package sha256 provides content fingerprinting for posts and assets.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix identifies the algorithm inside stored fingerprints so a future
// algorithm change is detectable from the value itself.
const Prefix = "sha256:"

// Sum hashes raw bytes and returns a prefixed hex digest.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// SumString fingerprints text content. The text is trimmed first so
// cosmetic whitespace reflows in the forum template are not reported
// as edits.
func SumString(text string) string {
	return Sum([]byte(strings.TrimSpace(text)))
}
