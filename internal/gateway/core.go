// Package gateway wires the session store, access coordinator, credential cipher and vault into the
// single Core the transport layer talks to.
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"session-gateway/backend/internal/lock"
	lockdomain "session-gateway/backend/internal/lock/domain"
	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/security"
	"session-gateway/backend/internal/session"
	sessiondomain "session-gateway/backend/internal/session/domain"
	"session-gateway/backend/internal/session/policy"
	"session-gateway/backend/internal/vault"
	vaultdomain "session-gateway/backend/internal/vault/domain"
)

// Config groups the per-component settings.
type Config struct {
	Session session.Config
	Policy  policy.Config
	Lock    lock.Config
	Cipher  security.Config
	Vault   vault.Config
}

// DefaultConfig returns every component's defaults with both MFA step-up rules on.
func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Policy:  policy.Config{RequireForAdmin: true, RequireForUntrustedDevice: true},
		Lock:    lock.DefaultConfig(),
		Cipher:  security.DefaultConfig(),
		Vault:   vault.DefaultConfig(),
	}
}

// Listener receives every component's lifecycle notifications.
type Listener interface {
	session.Listener
	lock.Listener
	vault.Listener
	security.Listener
}

// Option customizes a Core.
type Option func(*options)

type options struct {
	now    func() time.Time
	merger lock.Merger
}

// WithClock overrides the time source of every component (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMerger installs the merge hook used by the merge conflict strategy.
func WithMerger(m lock.Merger) Option {
	return func(o *options) { o.merger = m }
}

// Core owns the session and credential components. It is safe for concurrent use.
type Core struct {
	logger   *zap.Logger
	cipher   *security.Cipher
	vault    *vault.Vault
	sessions *session.Store
	locks    *lock.Coordinator
	policy   *policy.OPAEvaluator
}

// New builds the components in dependency order: cipher, vault, policy, session store, coordinator.
// listener may be nil.
func New(ctx context.Context, cfg Config, logger *zap.Logger, listener Listener, opts ...Option) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var (
		cipherOpts  []security.Option
		vaultOpts   []vault.Option
		sessionOpts []session.Option
		lockOpts    []lock.Option
	)
	if o.now != nil {
		cipherOpts = append(cipherOpts, security.WithClock(o.now))
		vaultOpts = append(vaultOpts, vault.WithClock(o.now))
		sessionOpts = append(sessionOpts, session.WithClock(o.now))
		lockOpts = append(lockOpts, lock.WithClock(o.now))
	}
	if listener != nil {
		cipherOpts = append(cipherOpts, security.WithListener(listener))
		vaultOpts = append(vaultOpts, vault.WithListener(listener))
		sessionOpts = append(sessionOpts, session.WithListener(listener))
		lockOpts = append(lockOpts, lock.WithListener(listener))
	}
	if o.merger != nil {
		lockOpts = append(lockOpts, lock.WithMerger(o.merger))
	}

	c, err := security.NewCipher(cfg.Cipher, logger.Named("cipher"), cipherOpts...)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(cfg.Vault, c, logger.Named("vault"), vaultOpts...)
	if err != nil {
		return nil, err
	}
	p, err := policy.NewOPAEvaluator(ctx, cfg.Policy, logger.Named("policy"))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "gateway.New", err)
	}
	sessionOpts = append(sessionOpts, session.WithPolicy(p))

	return &Core{
		logger:   logger,
		cipher:   c,
		vault:    v,
		sessions: session.NewStore(cfg.Session, logger.Named("session"), sessionOpts...),
		locks:    lock.NewCoordinator(cfg.Lock, logger.Named("lock"), lockOpts...),
		policy:   p,
	}, nil
}

// Sessions returns the session store.
func (c *Core) Sessions() *session.Store { return c.sessions }

// Locks returns the access coordinator.
func (c *Core) Locks() *lock.Coordinator { return c.locks }

// Vault returns the credential vault.
func (c *Core) Vault() *vault.Vault { return c.vault }

// Cipher returns the credential cipher.
func (c *Core) Cipher() *security.Cipher { return c.cipher }

// Start launches key rotation and the session, lock and token sweeps.
func (c *Core) Start(ctx context.Context) {
	c.cipher.Start(ctx)
	c.sessions.Start(ctx)
	c.locks.Start(ctx)
	c.vault.Start(ctx)
	c.logger.Info("gateway core started")
}

// Stop halts every background task in reverse start order. Each Stop waits for its task to exit.
func (c *Core) Stop() {
	c.vault.Stop()
	c.locks.Stop()
	c.sessions.Stop()
	c.cipher.Stop()
	c.logger.Info("gateway core stopped")
}

// HealthCheck reports whether the policy engine can evaluate the step-up policy.
func (c *Core) HealthCheck(ctx context.Context) error {
	return c.policy.HealthCheck(ctx)
}

// Authorize validates the session and, when permission is non-empty, checks that the session holds it.
// Every protected operation goes through here before touching any other component.
func (c *Core) Authorize(ctx context.Context, sessionID, permission string) (*sessiondomain.Session, error) {
	const op = "gateway.Authorize"
	if sessionID == "" {
		return nil, apperr.New(apperr.AuthenticationFailed, op, "session id required")
	}
	sess, err := c.sessions.ValidateSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if permission != "" && !sess.HasPermission(permission) {
		c.logger.Debug("permission denied",
			zap.String("session_id", sess.ID),
			zap.String("user_id", sess.UserID),
			zap.String("permission", permission),
		)
		return nil, apperr.New(apperr.AuthorizationFailed, op, "missing permission "+permission)
	}
	return sess, nil
}

// RequiresMFA reports whether the session must complete step-up verification.
func (c *Core) RequiresMFA(ctx context.Context, sessionID string) (bool, error) {
	return c.sessions.RequiresMFA(ctx, sessionID)
}

// WithSessionLock validates the session, takes a lock of lockType on it, runs fn and releases the lock.
// A concurrent holder yields SessionLocked without running fn. The lock is released even if fn panics.
func (c *Core) WithSessionLock(ctx context.Context, sessionID string, lockType lockdomain.LockType, fn func(ctx context.Context, s *sessiondomain.Session) error) (err error) {
	const op = "gateway.WithSessionLock"
	defer apperr.Recover(op, &err)

	sess, err := c.Authorize(ctx, sessionID, "")
	if err != nil {
		return err
	}
	l, err := c.locks.AcquireLock(ctx, sess.ID, sess.UserID, lockType)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := c.locks.ReleaseLock(ctx, l.SessionID, l.LockID); rerr != nil {
			// The reaper may already have expired a lock held longer than LockTimeout.
			c.logger.Warn("lock release failed",
				zap.String("session_id", l.SessionID),
				zap.String("lock_id", l.LockID),
				zap.Error(rerr),
			)
		}
	}()
	return fn(ctx, sess)
}

// StoreUpstreamToken stores tok in the vault on behalf of the session's user.
func (c *Core) StoreUpstreamToken(ctx context.Context, sessionID string, tok *vaultdomain.AccessToken) error {
	sess, err := c.Authorize(ctx, sessionID, "")
	if err != nil {
		return err
	}
	return c.vault.StoreAccessToken(ctx, tok, sess.UserID)
}

// UpstreamToken returns the stored upstream access token tokenID for the session's user.
// A missing, expired or foreign token is AuthenticationFailed so the caller refreshes it.
func (c *Core) UpstreamToken(ctx context.Context, sessionID, tokenID string) (*vaultdomain.AccessToken, error) {
	const op = "gateway.UpstreamToken"
	sess, err := c.Authorize(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	tok, ok, err := c.vault.GetAccessToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !ok || tok.UserID != sess.UserID {
		return nil, apperr.New(apperr.AuthenticationFailed, op, "upstream token unavailable")
	}
	return tok, nil
}

// Logout terminates the session and releases any lock it still holds.
func (c *Core) Logout(ctx context.Context, sessionID string) bool {
	if l, ok := c.locks.GetSessionLock(sessionID); ok {
		if err := c.locks.ReleaseLock(ctx, sessionID, l.LockID); err != nil {
			c.logger.Debug("lock release on logout failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return c.sessions.TerminateSession(sessionID, sessiondomain.ReasonLogout)
}
