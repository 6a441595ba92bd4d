// Package security provides the credential cipher: authenticated encryption of secrets at rest,
// password-based key derivation, rotating data keys, and CSPRNG-backed secret generation.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/platform/schedule"
)

const (
	saltSize = 16
	ivSize   = 12 // GCM standard nonce
	tagSize  = 16
)

// Listener observes key lifecycle transitions. Implementations must not block.
type Listener interface {
	OnKeyRotated(newKeyID, retiredKeyID string)
}

// Cipher encrypts and decrypts credentials with AES-GCM plus an HMAC-SHA256 integrity digest.
// It is safe for concurrent use.
type Cipher struct {
	cfg      Config
	logger   *zap.Logger
	listener Listener
	nowF     func() time.Time
	random   io.Reader

	mu      sync.RWMutex
	current *dataKey
	history []*dataKey // most recently retired first

	rotation schedule.Ticker
}

// Option customizes a Cipher.
type Option func(*Cipher)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cipher) { c.nowF = now }
}

// WithListener registers a key lifecycle listener.
func WithListener(l Listener) Option {
	return func(c *Cipher) { c.listener = l }
}

// NewCipher validates cfg and creates a Cipher with a freshly generated current key.
func NewCipher(cfg Config, logger *zap.Logger, opts ...Option) (*Cipher, error) {
	if err := cfg.validate(); err != nil {
		return nil, apperr.Wrap(apperr.KdfUnsupported, "security.NewCipher", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cipher{
		cfg:    cfg,
		logger: logger,
		nowF:   func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
	for _, o := range opts {
		o(c)
	}
	k, err := c.newDataKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "security.NewCipher", err)
	}
	c.current = k
	return c, nil
}

// Config returns the effective configuration.
func (c *Cipher) Config() Config { return c.cfg }

// Start begins periodic key rotation when forward secrecy is enabled.
func (c *Cipher) Start(ctx context.Context) {
	if !c.cfg.ForwardSecrecy {
		return
	}
	c.rotation.Start(ctx, c.cfg.MaxKeyAge, func() {
		if _, err := c.RotateKey(); err != nil {
			c.logger.Error("key rotation failed", zap.Error(err))
		}
	})
}

// Stop halts key rotation.
func (c *Cipher) Stop() { c.rotation.Stop() }

// Encrypt seals plaintext. With a non-empty password the key is derived from it and a fresh salt;
// otherwise the current rotating key is used. Salt and IV are never reused across calls.
func (c *Cipher) Encrypt(plaintext []byte, password string) (*EncryptedBlob, error) {
	return c.EncryptWithAAD(plaintext, password, nil)
}

// EncryptWithAAD is Encrypt with caller context bound into the authentication. The blob header
// (version, key id, timestamp, kdf parameters) is always bound; aad adds to it and must be
// supplied unchanged to DecryptWithAAD.
func (c *Cipher) EncryptWithAAD(plaintext []byte, password string, aad []byte) (blob *EncryptedBlob, err error) {
	const op = "security.Encrypt"
	defer apperr.Recover(op, &err)

	salt := make([]byte, saltSize)
	iv := make([]byte, ivSize)
	defer zero(salt)
	defer zero(iv)
	if _, err := io.ReadFull(c.random, salt); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, op, err)
	}
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, op, err)
	}

	var (
		key   []byte
		keyID string
	)
	if password != "" {
		key, err = deriveKey(c.kdfParams(), password, salt)
		if err != nil {
			return nil, err
		}
	} else {
		key, keyID = c.currentKey()
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, op, err)
	}
	blob = &EncryptedBlob{
		Salt:      hex.EncodeToString(salt),
		KDF:       c.kdfParams(),
		KeyID:     keyID,
		Timestamp: c.nowF().UnixMilli(),
		Version:   BlobVersion,
	}
	ad := blob.additionalData(aad)
	sealed := gcm.Seal(nil, iv, plaintext, ad)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob.Encrypted = hex.EncodeToString(ct)
	blob.IV = hex.EncodeToString(iv)
	blob.Tag = hex.EncodeToString(tag)
	blob.Integrity = hex.EncodeToString(integrityDigest(key, ad, plaintext))
	return blob, nil
}

// Decrypt opens blob. The forward-secrecy age policy is enforced before any key material is touched.
// Any tampering with ciphertext, IV, tag, integrity digest or header fields yields IntegrityViolation.
func (c *Cipher) Decrypt(blob *EncryptedBlob, password string) ([]byte, error) {
	return c.DecryptWithAAD(blob, password, nil)
}

// DecryptWithAAD opens a blob produced by EncryptWithAAD. A different aad fails with IntegrityViolation.
func (c *Cipher) DecryptWithAAD(blob *EncryptedBlob, password string, aad []byte) (plaintext []byte, err error) {
	const op = "security.Decrypt"
	defer apperr.Recover(op, &err)

	if blob == nil {
		return nil, apperr.New(apperr.IntegrityViolation, op, "nil blob")
	}
	if c.cfg.ForwardSecrecy && blob.Age(c.nowF()) > c.cfg.MaxKeyAge {
		return nil, apperr.New(apperr.StalePolicyRejection, op,
			fmt.Sprintf("blob age %s exceeds max key age %s", blob.Age(c.nowF()).Truncate(time.Second), c.cfg.MaxKeyAge))
	}

	d, err := blob.decode()
	if err != nil {
		return nil, apperr.Wrap(apperr.IntegrityViolation, op, err)
	}
	defer d.wipe()
	if len(d.iv) != ivSize || len(d.tag) != tagSize || len(d.integrity) != sha256.Size {
		return nil, apperr.New(apperr.IntegrityViolation, op, "malformed blob")
	}

	var key []byte
	if password != "" {
		key, err = deriveKey(blob.KDF, password, d.salt)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		key, ok = c.keyByID(blob.KeyID)
		if !ok {
			return nil, apperr.New(apperr.StalePolicyRejection, op, "encryption key "+blob.KeyID+" has been retired")
		}
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.IntegrityViolation, op, err)
	}
	sealed := make([]byte, 0, len(d.ciphertext)+tagSize)
	sealed = append(sealed, d.ciphertext...)
	sealed = append(sealed, d.tag...)
	ad := blob.additionalData(aad)
	plaintext, err = gcm.Open(nil, d.iv, sealed, ad)
	if err != nil {
		return nil, apperr.New(apperr.IntegrityViolation, op, "authentication failed")
	}
	if !hmac.Equal(integrityDigest(key, ad, plaintext), d.integrity) {
		zero(plaintext)
		return nil, apperr.New(apperr.IntegrityViolation, op, "integrity digest mismatch")
	}
	return plaintext, nil
}

// EncryptToken JSON-encodes v and encrypts the result.
func (c *Cipher) EncryptToken(v any, password string) (*EncryptedBlob, error) {
	return c.EncryptTokenWithAAD(v, password, nil)
}

// EncryptTokenWithAAD JSON-encodes v and encrypts it with aad bound.
func (c *Cipher) EncryptTokenWithAAD(v any, password string, aad []byte) (*EncryptedBlob, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "security.EncryptToken", err)
	}
	defer zero(raw)
	return c.EncryptWithAAD(raw, password, aad)
}

// DecryptToken decrypts blob and JSON-decodes it into out.
func (c *Cipher) DecryptToken(blob *EncryptedBlob, password string, out any) error {
	return c.DecryptTokenWithAAD(blob, password, nil, out)
}

// DecryptTokenWithAAD decrypts a blob sealed by EncryptTokenWithAAD and JSON-decodes it into out.
func (c *Cipher) DecryptTokenWithAAD(blob *EncryptedBlob, password string, aad []byte, out any) error {
	raw, err := c.DecryptWithAAD(blob, password, aad)
	if err != nil {
		return err
	}
	defer zero(raw)
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.IntegrityViolation, "security.DecryptToken", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// integrityDigest is HMAC-SHA256 over the length-prefixed additional data followed by plaintext.
func integrityDigest(key, ad, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(ad)))
	mac.Write(n[:])
	mac.Write(ad)
	mac.Write(plaintext)
	return mac.Sum(nil)
}
