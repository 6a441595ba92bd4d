package security

import (
	"encoding/hex"
	"fmt"
	"time"
)

// BlobVersion is the format version written into every EncryptedBlob.
const BlobVersion = "1.0"

// KDFParams describes how the blob key was (or would be) derived from a password.
type KDFParams struct {
	Algorithm  KDFAlgorithm `json:"algorithm"`
	Iterations int          `json:"iterations,omitempty"`
	KeyLength  int          `json:"keyLength"`
	Digest     string       `json:"digest,omitempty"`
	N          int          `json:"n,omitempty"`
	R          int          `json:"r,omitempty"`
	P          int          `json:"p,omitempty"`
}

// EncryptedBlob is the persisted form of an encrypted value. Byte fields are hex encoded.
// A blob is immutable once produced.
type EncryptedBlob struct {
	Encrypted string    `json:"encrypted"`
	IV        string    `json:"iv"`
	Tag       string    `json:"tag,omitempty"`
	Salt      string    `json:"salt"`
	Integrity string    `json:"integrity"`
	KDF       KDFParams `json:"kdf"`
	// KeyID names the rotating key used; empty when the key was derived from a password.
	KeyID     string `json:"keyId,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Version   string `json:"version"`
}

// CreatedAt returns the blob creation time.
func (b *EncryptedBlob) CreatedAt() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Age returns how old the blob is at now.
func (b *EncryptedBlob) Age(now time.Time) time.Duration {
	return now.Sub(b.CreatedAt())
}

// Size returns the approximate in-memory size of the encoded blob in bytes.
func (b *EncryptedBlob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Encrypted) + len(b.IV) + len(b.Tag) + len(b.Salt) + len(b.Integrity) + len(b.KeyID) + len(b.Version) + 64
}

// additionalData is the canonical header authenticated alongside the ciphertext, followed by
// the caller's extra data. Every field Decrypt trusts before authenticating is included.
func (b *EncryptedBlob) additionalData(extra []byte) []byte {
	k := b.KDF
	ad := fmt.Appendf(nil, "v=%q;key=%q;ts=%d;kdf=%q,%d,%d,%q,%d,%d,%d;",
		b.Version, b.KeyID, b.Timestamp, k.Algorithm, k.Iterations, k.KeyLength, k.Digest, k.N, k.R, k.P)
	return append(ad, extra...)
}

type decodedBlob struct {
	ciphertext []byte
	iv         []byte
	tag        []byte
	salt       []byte
	integrity  []byte
}

func (b *EncryptedBlob) decode() (decodedBlob, error) {
	var (
		d   decodedBlob
		err error
	)
	if d.ciphertext, err = hex.DecodeString(b.Encrypted); err != nil {
		return d, err
	}
	if d.iv, err = hex.DecodeString(b.IV); err != nil {
		return d, err
	}
	if d.tag, err = hex.DecodeString(b.Tag); err != nil {
		return d, err
	}
	if d.salt, err = hex.DecodeString(b.Salt); err != nil {
		return d, err
	}
	if d.integrity, err = hex.DecodeString(b.Integrity); err != nil {
		return d, err
	}
	return d, nil
}

func (d decodedBlob) wipe() {
	zero(d.iv)
	zero(d.salt)
	zero(d.tag)
}

// zero overwrites b in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
