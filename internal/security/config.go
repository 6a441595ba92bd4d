package security

import (
	"fmt"
	"time"
)

// KDFAlgorithm names a password-based key derivation function.
type KDFAlgorithm string

const (
	KDFPBKDF2 KDFAlgorithm = "pbkdf2"
	KDFScrypt KDFAlgorithm = "scrypt"
)

const (
	// MinPBKDF2Iterations is the lowest iteration count accepted for new blobs.
	MinPBKDF2Iterations = 100000

	defaultScryptN = 16384
	defaultScryptR = 8
	defaultScryptP = 1

	defaultKeyHistorySize = 10
)

// Config controls key derivation, key length and the forward-secrecy policy of a Cipher.
type Config struct {
	KDF        KDFAlgorithm
	Iterations int // PBKDF2 only
	KeyLength  int // bytes; 16, 24 or 32 (AES-128/192/256)
	ScryptN    int
	ScryptR    int
	ScryptP    int

	// ForwardSecrecy rejects decryption of blobs older than MaxKeyAge and rotates the
	// current key every MaxKeyAge.
	ForwardSecrecy bool
	MaxKeyAge      time.Duration

	// KeyHistorySize bounds how many retired keys are retained for decryption.
	KeyHistorySize int
}

// DefaultConfig returns PBKDF2-SHA256 with 100k iterations, AES-256, and a 24h forward-secrecy window.
func DefaultConfig() Config {
	return Config{
		KDF:            KDFPBKDF2,
		Iterations:     MinPBKDF2Iterations,
		KeyLength:      32,
		ScryptN:        defaultScryptN,
		ScryptR:        defaultScryptR,
		ScryptP:        defaultScryptP,
		ForwardSecrecy: true,
		MaxKeyAge:      24 * time.Hour,
		KeyHistorySize: defaultKeyHistorySize,
	}
}

// validate fills zero-valued fields with defaults and rejects unusable settings.
func (c *Config) validate() error {
	d := DefaultConfig()
	if c.KDF == "" {
		c.KDF = d.KDF
	}
	if c.KDF != KDFPBKDF2 && c.KDF != KDFScrypt {
		return fmt.Errorf("unsupported kdf %q", c.KDF)
	}
	if c.Iterations == 0 {
		c.Iterations = d.Iterations
	}
	if c.KDF == KDFPBKDF2 && c.Iterations < MinPBKDF2Iterations {
		return fmt.Errorf("pbkdf2 iterations must be >= %d, got %d", MinPBKDF2Iterations, c.Iterations)
	}
	if c.KeyLength == 0 {
		c.KeyLength = d.KeyLength
	}
	if !validKeyLength(c.KeyLength) {
		return fmt.Errorf("key length must be 16, 24 or 32, got %d", c.KeyLength)
	}
	if c.ScryptN == 0 {
		c.ScryptN = d.ScryptN
	}
	if c.ScryptR == 0 {
		c.ScryptR = d.ScryptR
	}
	if c.ScryptP == 0 {
		c.ScryptP = d.ScryptP
	}
	if c.MaxKeyAge <= 0 {
		c.MaxKeyAge = d.MaxKeyAge
	}
	if c.KeyHistorySize <= 0 {
		c.KeyHistorySize = d.KeyHistorySize
	}
	return nil
}

func validKeyLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}
