package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeText returns s trimmed and in Unicode NFC form so that visually
// identical profile strings compare equal.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// HashHex returns the hex-encoded SHA-256 digest of s. Used wherever an
// identifier must be addressable without being stored in clear.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
