package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

// DeriveKey expands seed into a 32-byte subkey bound to the given purpose
// label. Distinct labels yield independent keys from the same seed.
func DeriveKey(seed []byte, purpose string) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, nil, []byte(purpose))
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return k, nil
}
