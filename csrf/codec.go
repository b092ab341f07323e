// Package csrf implements the masked CSRF token codec.
//
// A session holds one random secret for its whole lifetime. The secret never
// leaves the server in raw form: every response carries a fresh wire token
// built as pad || (secret XOR pad), so the bytes on the wire change on every
// response (BREACH mitigation) while every token decodes back to the same
// secret.
package csrf

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/jmcleod/gatehouse/internal/util"
)

// SecretSize is the length in bytes of a session CSRF secret.
const SecretSize = 32

// ErrInvalidToken is returned by Unmask for tokens that are not valid base64url
// or do not decode to exactly two secret-sized halves.
var ErrInvalidToken = errors.New("invalid CSRF token")

var encoding = base64.RawURLEncoding

// NewSecret returns a fresh random session secret.
func NewSecret() ([]byte, error) {
	return util.RandomBytes(SecretSize)
}

// Mask encodes secret into a wire token using a fresh random pad.
func Mask(secret []byte) (string, error) {
	if len(secret) != SecretSize {
		return "", ErrInvalidToken
	}
	pad, err := util.RandomBytes(SecretSize)
	if err != nil {
		return "", err
	}
	masked, err := util.Xor(secret, pad)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 0, 2*SecretSize)
	raw = append(raw, pad...)
	raw = append(raw, masked...)
	return encoding.EncodeToString(raw), nil
}

// Unmask recovers the secret carried by a wire token.
func Unmask(token string) ([]byte, error) {
	if encoding.DecodedLen(len(token)) != 2*SecretSize {
		return nil, ErrInvalidToken
	}
	raw, err := encoding.DecodeString(token)
	if err != nil || len(raw) != 2*SecretSize {
		return nil, ErrInvalidToken
	}
	secret, err := util.Xor(raw[:SecretSize], raw[SecretSize:])
	if err != nil {
		return nil, ErrInvalidToken
	}
	return secret, nil
}

// Matches reports whether token decodes to secret. The comparison of the
// recovered secret runs in constant time.
func Matches(token string, secret []byte) bool {
	got, err := Unmask(token)
	if err != nil {
		return false
	}
	defer util.WipeBytes(got)
	return subtle.ConstantTimeCompare(got, secret) == 1
}
