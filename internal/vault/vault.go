// Package vault stores upstream access and refresh tokens, encrypted at rest with the credential cipher.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/platform/schedule"
	"session-gateway/backend/internal/security"
	"session-gateway/backend/internal/vault/domain"
	"session-gateway/backend/internal/vault/repository"
)

// Removal reasons passed to Listener.OnTokenRemoved.
const (
	ReasonExplicit = "explicit"
	ReasonExpired  = "expired"
	ReasonRevoked  = "revoked"
	ReasonStale    = "stale"
)

// Config controls encryption and the cleanup sweep.
type Config struct {
	EncryptionEnabled bool
	CleanupInterval   time.Duration
}

// DefaultConfig returns encryption on and a 10 minute sweep.
func DefaultConfig() Config {
	return Config{EncryptionEnabled: true, CleanupInterval: 10 * time.Minute}
}

// Cipher is the subset of *security.Cipher the vault needs.
type Cipher interface {
	EncryptTokenWithAAD(v any, password string, aad []byte) (*security.EncryptedBlob, error)
	DecryptTokenWithAAD(blob *security.EncryptedBlob, password string, aad []byte, out any) error
}

// Listener observes token lifecycle transitions. Implementations must not block.
type Listener interface {
	OnTokenStored(kind domain.Kind, tokenID, ownerID string)
	OnTokenRemoved(kind domain.Kind, tokenID, ownerID, reason string)
}

// Vault is safe for concurrent use.
type Vault struct {
	cfg      Config
	repo     repository.Repository
	cipher   Cipher
	logger   *zap.Logger
	listener Listener
	nowF     func() time.Time

	// mu serializes read-modify-write sequences against repo.
	mu    sync.Mutex
	sweep schedule.Ticker
}

// Option customizes a Vault.
type Option func(*Vault)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.nowF = now }
}

// WithListener registers a token lifecycle listener.
func WithListener(l Listener) Option {
	return func(v *Vault) { v.listener = l }
}

// WithRepository replaces the default in-memory repository.
func WithRepository(r repository.Repository) Option {
	return func(v *Vault) { v.repo = r }
}

// New returns a Vault. cipher may be nil only when encryption is disabled.
func New(cfg Config, cipher Cipher, logger *zap.Logger, opts ...Option) (*Vault, error) {
	if cfg.EncryptionEnabled && cipher == nil {
		return nil, apperr.New(apperr.InternalError, "vault.New", "encryption enabled without a cipher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Vault{
		cfg:    cfg,
		cipher: cipher,
		logger: logger,
		nowF:   func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(v)
	}
	if v.repo == nil {
		v.repo = repository.NewMemoryRepository()
	}
	return v, nil
}

// Start runs CleanupExpiredTokens every CleanupInterval until Stop or ctx is done.
func (v *Vault) Start(ctx context.Context) {
	v.sweep.Start(ctx, v.cfg.CleanupInterval, func() {
		if _, err := v.CleanupExpiredTokens(ctx); err != nil {
			v.logger.Warn("token cleanup failed", zap.Error(err))
		}
	})
}

// Stop halts the sweep.
func (v *Vault) Stop() { v.sweep.Stop() }

// StoreAccessToken stores token under ownerID. A cipher failure stores nothing.
func (v *Vault) StoreAccessToken(ctx context.Context, token *domain.AccessToken, ownerID string) (err error) {
	const op = "vault.StoreAccessToken"
	defer apperr.Recover(op, &err)
	if token == nil || token.ID == "" {
		return apperr.New(apperr.InternalError, op, "token id required")
	}
	t := *token
	if t.UserID == "" {
		t.UserID = ownerID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = v.nowF()
	}
	rec := &domain.Record{ID: t.ID, Kind: domain.KindAccess, OwnerID: ownerID, ExpiresAt: t.ExpiresAt, LastUsedAt: t.LastUsedAt}
	return v.store(ctx, op, rec, &t)
}

// StoreRefreshToken stores token under its UserID. A cipher failure stores nothing.
func (v *Vault) StoreRefreshToken(ctx context.Context, token *domain.RefreshToken) (err error) {
	const op = "vault.StoreRefreshToken"
	defer apperr.Recover(op, &err)
	if token == nil || token.ID == "" {
		return apperr.New(apperr.InternalError, op, "token id required")
	}
	t := *token
	if t.CreatedAt.IsZero() {
		t.CreatedAt = v.nowF()
	}
	rec := &domain.Record{ID: t.ID, Kind: domain.KindRefresh, OwnerID: t.UserID, ExpiresAt: t.ExpiresAt, Revoked: t.Revoked, LastUsedAt: t.LastUsedAt}
	return v.store(ctx, op, rec, &t)
}

func (v *Vault) store(ctx context.Context, op string, rec *domain.Record, payload any) error {
	if err := v.seal(rec, payload); err != nil {
		return apperr.Internal(op, err)
	}
	v.mu.Lock()
	err := v.repo.Store(ctx, rec)
	v.mu.Unlock()
	if err != nil {
		return apperr.Wrap(apperr.InternalError, op, err)
	}
	v.logger.Debug("token stored",
		zap.String("kind", string(rec.Kind)),
		zap.String("token_id", rec.ID),
		zap.String("user_id", rec.OwnerID),
		zap.Bool("encrypted", rec.Blob != nil),
	)
	if v.listener != nil {
		v.listener.OnTokenStored(rec.Kind, rec.ID, rec.OwnerID)
	}
	return nil
}

// GetAccessToken returns the token, or ok false if it is absent or expired. Expired tokens are removed.
func (v *Vault) GetAccessToken(ctx context.Context, id string) (tok *domain.AccessToken, ok bool, err error) {
	const op = "vault.GetAccessToken"
	defer apperr.Recover(op, &err)
	var t domain.AccessToken
	rec, err := v.get(ctx, op, domain.KindAccess, id, &t)
	if err != nil || rec == nil {
		return nil, false, err
	}
	t.LastUsedAt = rec.LastUsedAt
	return &t, true, nil
}

// GetRefreshToken returns the token, or ok false if it is absent, expired or revoked. Such tokens are removed.
func (v *Vault) GetRefreshToken(ctx context.Context, id string) (tok *domain.RefreshToken, ok bool, err error) {
	const op = "vault.GetRefreshToken"
	defer apperr.Recover(op, &err)
	var t domain.RefreshToken
	rec, err := v.get(ctx, op, domain.KindRefresh, id, &t)
	if err != nil || rec == nil {
		return nil, false, err
	}
	t.LastUsedAt = rec.LastUsedAt
	t.Revoked = rec.Revoked
	return &t, true, nil
}

// get loads, lazily expires, decodes into out and bumps LastUsedAt. It returns nil, nil for not found.
func (v *Vault) get(ctx context.Context, op string, kind domain.Kind, id string, out any) (*domain.Record, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.repo.Get(ctx, kind, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, op, err)
	}
	if rec == nil {
		return nil, nil
	}
	now := v.nowF()
	if !rec.Usable(now) {
		reason := ReasonExpired
		if rec.Revoked {
			reason = ReasonRevoked
		}
		v.removeLocked(ctx, rec, reason)
		return nil, nil
	}
	if err := v.open(rec, out); err != nil {
		if apperr.IsKind(err, apperr.StalePolicyRejection) {
			v.logger.Warn("token blob past key age, discarding", zap.String("token_id", id), zap.Error(err))
			v.removeLocked(ctx, rec, ReasonStale)
			return nil, nil
		}
		return nil, apperr.Internal(op, err)
	}
	rec.LastUsedAt = now
	if err := v.repo.Store(ctx, rec); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, op, err)
	}
	return rec, nil
}

// RemoveAccessToken deletes the token. Removing an absent token is not an error.
func (v *Vault) RemoveAccessToken(ctx context.Context, id string) (bool, error) {
	return v.remove(ctx, "vault.RemoveAccessToken", domain.KindAccess, id)
}

// RemoveRefreshToken deletes the token. Removing an absent token is not an error.
func (v *Vault) RemoveRefreshToken(ctx context.Context, id string) (bool, error) {
	return v.remove(ctx, "vault.RemoveRefreshToken", domain.KindRefresh, id)
}

func (v *Vault) remove(ctx context.Context, op string, kind domain.Kind, id string) (removed bool, err error) {
	defer apperr.Recover(op, &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.repo.Remove(ctx, kind, id)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalError, op, err)
	}
	if rec == nil {
		return false, nil
	}
	v.notifyRemoved(rec, ReasonExplicit)
	return true, nil
}

// RevokeRefreshToken flags the token revoked. The next read or sweep removes it.
func (v *Vault) RevokeRefreshToken(ctx context.Context, id string) (revoked bool, err error) {
	const op = "vault.RevokeRefreshToken"
	defer apperr.Recover(op, &err)
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.repo.Get(ctx, domain.KindRefresh, id)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalError, op, err)
	}
	if rec == nil || rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	if err := v.repo.Store(ctx, rec); err != nil {
		return false, apperr.Wrap(apperr.InternalError, op, err)
	}
	v.logger.Info("refresh token revoked", zap.String("token_id", id), zap.String("user_id", rec.OwnerID))
	return true, nil
}

// GetUserTokens returns the owner's usable tokens. Records that fail to decrypt are skipped.
func (v *Vault) GetUserTokens(ctx context.Context, ownerID string) (out domain.UserTokens, err error) {
	const op = "vault.GetUserTokens"
	defer apperr.Recover(op, &err)
	recs, err := v.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return domain.UserTokens{}, apperr.Wrap(apperr.InternalError, op, err)
	}
	now := v.nowF()
	for _, rec := range recs {
		if !rec.Usable(now) {
			continue
		}
		switch rec.Kind {
		case domain.KindAccess:
			var t domain.AccessToken
			if err := v.open(rec, &t); err != nil {
				v.logger.Warn("skipping unreadable token", zap.String("token_id", rec.ID), zap.Error(err))
				continue
			}
			t.LastUsedAt = rec.LastUsedAt
			out.AccessTokens = append(out.AccessTokens, &t)
		case domain.KindRefresh:
			var t domain.RefreshToken
			if err := v.open(rec, &t); err != nil {
				v.logger.Warn("skipping unreadable token", zap.String("token_id", rec.ID), zap.Error(err))
				continue
			}
			t.LastUsedAt = rec.LastUsedAt
			out.RefreshTokens = append(out.RefreshTokens, &t)
		}
	}
	return out, nil
}

// CleanupExpiredTokens removes every expired or revoked token and returns how many were removed.
func (v *Vault) CleanupExpiredTokens(ctx context.Context) (n int, err error) {
	const op = "vault.CleanupExpiredTokens"
	defer apperr.Recover(op, &err)
	v.mu.Lock()
	removed, err := v.repo.Cleanup(ctx, v.nowF())
	v.mu.Unlock()
	if err != nil {
		return 0, apperr.Wrap(apperr.InternalError, op, err)
	}
	for _, rec := range removed {
		reason := ReasonExpired
		if rec.Revoked {
			reason = ReasonRevoked
		}
		v.notifyRemoved(rec, reason)
	}
	if len(removed) > 0 {
		v.logger.Info("expired tokens removed", zap.Int("count", len(removed)))
	}
	return len(removed), nil
}

// GetStats returns counts and approximate size.
func (v *Vault) GetStats(ctx context.Context) (s domain.Stats, err error) {
	const op = "vault.GetStats"
	defer apperr.Recover(op, &err)
	s, err = v.repo.Stats(ctx)
	if err != nil {
		return domain.Stats{}, apperr.Wrap(apperr.InternalError, op, err)
	}
	s.EncryptionEnabled = v.cfg.EncryptionEnabled
	return s, nil
}

// AccessTokenFromBearer builds an AccessToken from an upstream JWT bearer. The jti becomes the id,
// or a fingerprint of the raw value when the issuer sets none.
func (v *Vault) AccessTokenFromBearer(raw, ownerID, clientID string) (*domain.AccessToken, error) {
	claims, err := security.ParseBearer(raw)
	if err != nil {
		return nil, err
	}
	id := claims.ID
	if id == "" {
		id = security.Fingerprint(raw)
	}
	created := claims.IssuedAt
	if created.IsZero() {
		created = v.nowF()
	}
	return &domain.AccessToken{
		ID:        id,
		Token:     raw,
		UserID:    ownerID,
		ClientID:  clientID,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt,
		CreatedAt: created,
	}, nil
}

func (v *Vault) seal(rec *domain.Record, payload any) error {
	if v.cfg.EncryptionEnabled {
		blob, err := v.cipher.EncryptTokenWithAAD(payload, "", recordAAD(rec))
		if err != nil {
			return err
		}
		rec.Blob = blob
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec.Plain = raw
	return nil
}

func (v *Vault) open(rec *domain.Record, out any) error {
	if rec.Blob != nil {
		if v.cipher == nil {
			return apperr.New(apperr.IntegrityViolation, "vault.open", "encrypted record without a cipher")
		}
		return v.cipher.DecryptTokenWithAAD(rec.Blob, "", recordAAD(rec), out)
	}
	if err := json.Unmarshal(rec.Plain, out); err != nil {
		return apperr.Wrap(apperr.IntegrityViolation, "vault.open", err)
	}
	return nil
}

// recordAAD binds a blob to the immutable fields of its envelope, so a blob moved to another
// record or owner fails to open. Revoked and LastUsedAt change after storage and are not bound.
func recordAAD(rec *domain.Record) []byte {
	var exp int64
	if !rec.ExpiresAt.IsZero() {
		exp = rec.ExpiresAt.UnixMilli()
	}
	return fmt.Appendf(nil, "kind=%q;id=%q;owner=%q;exp=%d", rec.Kind, rec.ID, rec.OwnerID, exp)
}

func (v *Vault) removeLocked(ctx context.Context, rec *domain.Record, reason string) {
	removed, err := v.repo.Remove(ctx, rec.Kind, rec.ID)
	if err != nil {
		v.logger.Warn("token removal failed", zap.String("token_id", rec.ID), zap.Error(err))
		return
	}
	if removed != nil {
		v.notifyRemoved(removed, reason)
	}
}

func (v *Vault) notifyRemoved(rec *domain.Record, reason string) {
	v.logger.Debug("token removed",
		zap.String("kind", string(rec.Kind)),
		zap.String("token_id", rec.ID),
		zap.String("user_id", rec.OwnerID),
		zap.String("reason", reason),
	)
	if v.listener != nil {
		v.listener.OnTokenRemoved(rec.Kind, rec.ID, rec.OwnerID, reason)
	}
}
