package security

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"session-gateway/backend/internal/platform/apperr"
)

// DeriveKey derives a KeyLength-byte key from password and salt using the configured KDF.
func (c *Cipher) DeriveKey(password string, salt []byte) (key []byte, err error) {
	const op = "security.DeriveKey"
	defer apperr.Recover(op, &err)
	return deriveKey(c.kdfParams(), password, salt)
}

// kdfParams returns the descriptor embedded in new blobs.
func (c *Cipher) kdfParams() KDFParams {
	switch c.cfg.KDF {
	case KDFScrypt:
		return KDFParams{Algorithm: KDFScrypt, KeyLength: c.cfg.KeyLength, N: c.cfg.ScryptN, R: c.cfg.ScryptR, P: c.cfg.ScryptP}
	default:
		return KDFParams{Algorithm: KDFPBKDF2, Iterations: c.cfg.Iterations, KeyLength: c.cfg.KeyLength, Digest: "sha256"}
	}
}

// deriveKey derives a key with explicit parameters, so blobs written under older settings stay readable.
func deriveKey(p KDFParams, password string, salt []byte) ([]byte, error) {
	const op = "security.DeriveKey"
	if len(salt) == 0 {
		return nil, apperr.New(apperr.KdfUnsupported, op, "empty salt")
	}
	if !validKeyLength(p.KeyLength) {
		return nil, apperr.New(apperr.KdfUnsupported, op, fmt.Sprintf("key length %d", p.KeyLength))
	}
	switch p.Algorithm {
	case KDFPBKDF2:
		if p.Digest != "" && p.Digest != "sha256" {
			return nil, apperr.New(apperr.KdfUnsupported, op, "pbkdf2 digest "+p.Digest)
		}
		if p.Iterations <= 0 {
			return nil, apperr.New(apperr.KdfUnsupported, op, "pbkdf2 iterations must be positive")
		}
		return pbkdf2.Key([]byte(password), salt, p.Iterations, p.KeyLength, sha256.New), nil
	case KDFScrypt:
		key, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.KeyLength)
		if err != nil {
			return nil, apperr.Wrap(apperr.KdfUnsupported, op, err)
		}
		return key, nil
	default:
		return nil, apperr.New(apperr.KdfUnsupported, op, fmt.Sprintf("algorithm %q", p.Algorithm))
	}
}
