package domain

import (
	"encoding/json"
	"time"

	"session-gateway/backend/internal/security"
)

// Kind distinguishes the two stored credential types.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// AccessToken is an upstream bearer credential held on behalf of a user.
type AccessToken struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	UserID     string    `json:"userId"`
	ClientID   string    `json:"clientId,omitempty"`
	Scopes     []string  `json:"scopes,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"` // zero means no expiry
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

// RefreshToken is an upstream refresh credential. Revoked tokens are never returned.
type RefreshToken struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	AccessTokenID string    `json:"accessTokenId,omitempty"`
	UserID        string    `json:"userId"`
	ClientID      string    `json:"clientId,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
	Revoked       bool      `json:"revoked"`
	LastUsedAt    time.Time `json:"lastUsedAt,omitempty"`
}

// Record is the persisted envelope of a token. Exactly one of Blob or Plain is set.
// Expiry, revocation and last use live on the envelope so sweeps never decrypt.
type Record struct {
	ID         string
	Kind       Kind
	OwnerID    string
	ExpiresAt  time.Time
	Revoked    bool
	LastUsedAt time.Time
	Blob       *security.EncryptedBlob
	Plain      json.RawMessage
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Usable reports whether the record may be returned to a caller at now.
func (r *Record) Usable(now time.Time) bool {
	return !r.Revoked && !r.Expired(now)
}

// Size approximates the serialized size of the record in bytes.
func (r *Record) Size() int {
	n := len(r.ID) + len(r.Kind) + len(r.OwnerID) + 48
	if r.Blob != nil {
		return n + r.Blob.Size()
	}
	return n + len(r.Plain)
}

// Clone returns a copy that shares no mutable state with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Blob != nil {
		b := *r.Blob
		c.Blob = &b
	}
	if r.Plain != nil {
		c.Plain = append(json.RawMessage(nil), r.Plain...)
	}
	return &c
}

// UserTokens groups the usable tokens of one owner.
type UserTokens struct {
	AccessTokens  []*AccessToken
	RefreshTokens []*RefreshToken
}

// Stats summarizes vault contents.
type Stats struct {
	AccessTokenCount  int  `json:"accessTokenCount"`
	RefreshTokenCount int  `json:"refreshTokenCount"`
	EncryptionEnabled bool `json:"encryptionEnabled"`
	ApproxSizeBytes   int  `json:"approxSizeBytes"`
}
