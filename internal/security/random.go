package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"session-gateway/backend/internal/platform/apperr"
)

const (
	defaultTokenBytes = 32
	minPasswordLength = 12

	passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789!@#$%^&*()-_=+[]{}"
)

// GenerateSecureToken returns n random bytes hex-encoded. n <= 0 uses 32 bytes (256 bits).
func GenerateSecureToken(n int) (string, error) {
	if n <= 0 {
		n = defaultTokenBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.InternalError, "security.GenerateSecureToken", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateSecurePassword returns a random password of the given length drawn uniformly from a
// mixed-case, digit and symbol alphabet. Lengths below 12 are rejected.
func GenerateSecurePassword(length int) (string, error) {
	const op = "security.GenerateSecurePassword"
	if length < minPasswordLength {
		return "", apperr.New(apperr.InternalError, op, fmt.Sprintf("length must be >= %d", minPasswordLength))
	}
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", apperr.Wrap(apperr.InternalError, op, err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
