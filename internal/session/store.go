// Package session owns the lifecycle of authenticated sessions: creation under a per-user cap,
// validation with lazy expiry, MFA and device trust, flags, and termination.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/platform/schedule"
	"session-gateway/backend/internal/security"
	"session-gateway/backend/internal/session/domain"
	"session-gateway/backend/internal/session/policy"
)

// Config bounds session lifetime and count.
type Config struct {
	DefaultDuration       time.Duration
	MaxDuration           time.Duration
	MaxConcurrentSessions int
	CleanupInterval       time.Duration
}

// DefaultConfig returns 8h sessions capped at 24h, five per user, swept every 5 minutes.
func DefaultConfig() Config {
	return Config{
		DefaultDuration:       8 * time.Hour,
		MaxDuration:           24 * time.Hour,
		MaxConcurrentSessions: 5,
		CleanupInterval:       5 * time.Minute,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = d.DefaultDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.MaxConcurrentSessions < 1 {
		c.MaxConcurrentSessions = 1
	}
}

// Listener observes session lifecycle transitions. Sessions passed in are copies.
// Implementations must not block.
type Listener interface {
	OnSessionCreated(s *domain.Session)
	OnSessionTerminated(s *domain.Session)
	OnMFAVerified(s *domain.Session)
}

// CreateParams describes a new session. Duration zero means the configured default.
type CreateParams struct {
	UserID        string
	WorkspaceID   string
	Permissions   []string
	SecurityLevel domain.SecurityLevel
	Device        domain.Device
	Metadata      map[string]string
	Duration      time.Duration
}

type entry struct {
	s   *domain.Session
	seq uint64 // creation order, breaks CreatedAt ties on eviction
}

// Store is an in-memory session store. A single RWMutex guards the session map and the user index,
// so every operation is atomic with respect to the others. Returned sessions are deep copies.
type Store struct {
	cfg      Config
	logger   *zap.Logger
	listener Listener
	policy   policy.Evaluator
	nowF     func() time.Time

	mu         sync.RWMutex
	sessions   map[string]*entry
	byUser     map[string]map[string]struct{}
	seq        uint64
	created    int64
	terminated int64

	sweep schedule.Ticker
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowF = now }
}

// WithListener registers a session lifecycle listener.
func WithListener(l Listener) Option {
	return func(s *Store) { s.listener = l }
}

// WithPolicy sets the evaluator used by RequiresMFA.
func WithPolicy(e policy.Evaluator) Option {
	return func(s *Store) { s.policy = e }
}

// NewStore returns an empty Store.
func NewStore(cfg Config, logger *zap.Logger, opts ...Option) *Store {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		cfg:      cfg,
		logger:   logger,
		nowF:     func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*entry),
		byUser:   make(map[string]map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs CleanupExpired every CleanupInterval until Stop or ctx is done.
func (s *Store) Start(ctx context.Context) {
	s.sweep.Start(ctx, s.cfg.CleanupInterval, func() { s.CleanupExpired() })
}

// Stop halts the sweep.
func (s *Store) Stop() { s.sweep.Stop() }

// CreateSession creates a session for p.UserID. When the user is at the concurrency cap the oldest
// live session is terminated with reason admin first; sessions already past expiry are terminated
// as expired and do not count. ExpiresAt never exceeds CreatedAt+MaxDuration.
func (s *Store) CreateSession(ctx context.Context, p CreateParams) (out *domain.Session, err error) {
	const op = "session.CreateSession"
	defer apperr.Recover(op, &err)
	if p.UserID == "" {
		return nil, apperr.New(apperr.AuthenticationFailed, op, "user id required")
	}
	id, err := security.GenerateSecureToken(32)
	if err != nil {
		return nil, err
	}
	level := p.SecurityLevel
	if level == "" {
		level = domain.LevelBasic
	}
	d := p.Duration
	if d <= 0 {
		d = s.cfg.DefaultDuration
	}
	if d > s.cfg.MaxDuration {
		d = s.cfg.MaxDuration
	}

	now := s.nowF()
	sess := &domain.Session{
		ID:            id,
		UserID:        p.UserID,
		WorkspaceID:   p.WorkspaceID,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(d),
		Device:        p.Device,
		Permissions:   append([]string(nil), p.Permissions...),
		SecurityLevel: level,
		Status:        domain.StatusActive,
		Flags:         make(map[string]domain.Flag),
		Metadata:      make(map[string]string, len(p.Metadata)),
	}
	sess.Device.LastSeen = now
	for k, v := range p.Metadata {
		sess.Metadata[k] = v
	}

	var expired, evicted []*domain.Session
	s.mu.Lock()
	expired = s.expireUserLocked(p.UserID, now)
	for len(s.byUser[p.UserID]) >= s.cfg.MaxConcurrentSessions {
		oldest := s.oldestLocked(p.UserID)
		if oldest == "" {
			break
		}
		evicted = append(evicted, s.terminateLocked(oldest, domain.ReasonAdmin, now))
	}
	s.seq++
	s.sessions[id] = &entry{s: sess, seq: s.seq}
	idx, ok := s.byUser[p.UserID]
	if !ok {
		idx = make(map[string]struct{})
		s.byUser[p.UserID] = idx
	}
	idx[id] = struct{}{}
	s.created++
	out = sess.Clone()
	s.mu.Unlock()

	for _, e := range expired {
		s.notifyTerminated(e)
	}
	for _, e := range evicted {
		s.logger.Info("session evicted at concurrency cap",
			zap.String("session_id", e.ID),
			zap.String("user_id", e.UserID),
			zap.Int("max_concurrent", s.cfg.MaxConcurrentSessions),
		)
		s.notifyTerminated(e)
	}
	s.logger.Debug("session created",
		zap.String("session_id", out.ID),
		zap.String("user_id", out.UserID),
		zap.Time("expires_at", out.ExpiresAt),
	)
	if s.listener != nil {
		s.listener.OnSessionCreated(out.Clone())
	}
	return out, nil
}

// ValidateSession returns the session if it is active and unexpired, bumping its activity time.
// An expired session is terminated with reason expired and reported as SessionExpired.
func (s *Store) ValidateSession(ctx context.Context, id string) (out *domain.Session, err error) {
	const op = "session.ValidateSession"
	defer apperr.Recover(op, &err)

	now := s.nowF()
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.s.Status != domain.StatusActive {
		s.mu.Unlock()
		return nil, apperr.New(apperr.SessionNotFound, op, "session not found")
	}
	if !e.s.ExpiresAt.After(now) {
		gone := s.terminateLocked(id, domain.ReasonExpired, now)
		s.mu.Unlock()
		s.notifyTerminated(gone)
		return nil, apperr.New(apperr.SessionExpired, op, "session expired")
	}
	e.s.LastActivity = now
	e.s.Device.LastSeen = now
	out = e.s.Clone()
	s.mu.Unlock()
	return out, nil
}

// GetSession returns an active, unexpired session without touching its activity time.
func (s *Store) GetSession(id string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok || !e.s.Active(s.nowF()) {
		return nil, false
	}
	return e.s.Clone(), true
}

// GetUserSessions returns the user's active sessions ordered by creation.
func (s *Store) GetUserSessions(userID string) []*domain.Session {
	now := s.nowF()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []*entry
	for id := range s.byUser[userID] {
		if e := s.sessions[id]; e != nil && e.s.Active(now) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*domain.Session, len(entries))
	for i, e := range entries {
		out[i] = e.s.Clone()
	}
	return out
}

// MarkMFAVerified records MFA completion. A basic session becomes elevated; other levels are unchanged.
func (s *Store) MarkMFAVerified(id string) bool {
	now := s.nowF()
	s.mu.Lock()
	e, ok := s.activeLocked(id, now)
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.s.MFAVerified = true
	e.s.MFAVerifiedAt = &now
	if e.s.SecurityLevel == domain.LevelBasic {
		e.s.SecurityLevel = domain.LevelElevated
	}
	snap := e.s.Clone()
	s.mu.Unlock()

	s.logger.Info("session mfa verified", zap.String("session_id", id), zap.String("user_id", snap.UserID))
	if s.listener != nil {
		s.listener.OnMFAVerified(snap)
	}
	return true
}

// SetSessionFlag sets a named flag, replacing any previous value. ttl <= 0 means no expiry.
func (s *Store) SetSessionFlag(id, name string, value any, ttl time.Duration) bool {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.activeLocked(id, now)
	if !ok {
		return false
	}
	f := domain.Flag{Value: value, Timestamp: now}
	if ttl > 0 {
		f.ExpiresAt = now.Add(ttl)
	}
	e.s.Flags[name] = f
	return true
}

// GetSessionFlag returns a flag value. An expired flag is deleted and reported absent.
func (s *Store) GetSessionFlag(id, name string) (any, bool) {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.activeLocked(id, now)
	if !ok {
		return nil, false
	}
	f, ok := e.s.Flags[name]
	if !ok {
		return nil, false
	}
	if f.Expired(now) {
		delete(e.s.Flags, name)
		return nil, false
	}
	return f.Value, true
}

// HasPermission reports whether an active session holds perm or "*".
func (s *Store) HasPermission(id, perm string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok || !e.s.Active(s.nowF()) {
		return false
	}
	return e.s.HasPermission(perm)
}

// SetPermissions replaces the permission set of an active session.
func (s *Store) SetPermissions(id string, perms []string) bool {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.activeLocked(id, now)
	if !ok {
		return false
	}
	e.s.Permissions = append([]string(nil), perms...)
	return true
}

// ExtendSession pushes ExpiresAt out by additional, never past CreatedAt+MaxDuration.
func (s *Store) ExtendSession(id string, additional time.Duration) bool {
	if additional <= 0 {
		return false
	}
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.activeLocked(id, now)
	if !ok {
		return false
	}
	next := e.s.ExpiresAt.Add(additional)
	if limit := e.s.CreatedAt.Add(s.cfg.MaxDuration); next.After(limit) {
		next = limit
	}
	e.s.ExpiresAt = next
	return true
}

// TrustDevice marks the session's device as trusted.
func (s *Store) TrustDevice(id string) bool {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.activeLocked(id, now)
	if !ok {
		return false
	}
	e.s.Device.Trusted = true
	return true
}

// TerminateSession ends an active session. It returns false if the session is unknown.
func (s *Store) TerminateSession(id string, reason domain.TerminationReason) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.s.Status != domain.StatusActive {
		s.mu.Unlock()
		return false
	}
	gone := s.terminateLocked(id, reason, s.nowF())
	s.mu.Unlock()
	s.notifyTerminated(gone)
	return true
}

// TerminateUserSessions ends every session of userID and returns how many were ended.
func (s *Store) TerminateUserSessions(userID string, reason domain.TerminationReason) int {
	now := s.nowF()
	s.mu.Lock()
	var gone []*domain.Session
	for id := range s.byUser[userID] {
		gone = append(gone, s.terminateLocked(id, reason, now))
	}
	s.mu.Unlock()
	for _, g := range gone {
		s.notifyTerminated(g)
	}
	return len(gone)
}

// RequiresMFA reports whether the session must complete MFA before privileged use.
// Without a policy evaluator it reports false.
func (s *Store) RequiresMFA(ctx context.Context, id string) (required bool, err error) {
	const op = "session.RequiresMFA"
	defer apperr.Recover(op, &err)
	sess, ok := s.GetSession(id)
	if !ok {
		return false, apperr.New(apperr.SessionNotFound, op, "session not found")
	}
	if s.policy == nil {
		return false, nil
	}
	res, err := s.policy.EvaluateMFA(ctx, policy.Input{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		SecurityLevel: string(sess.SecurityLevel),
		MFAVerified:   sess.MFAVerified,
		DeviceTrusted: sess.Device.Trusted,
		Permissions:   sess.Permissions,
	})
	if err != nil {
		return false, apperr.Wrap(apperr.InternalError, op, err)
	}
	if res.MFARequired {
		s.logger.Debug("mfa step-up required", zap.String("session_id", id), zap.Strings("reasons", res.Reasons))
	}
	return res.MFARequired, nil
}

// CleanupExpired terminates expired sessions with reason expired and prunes expired flags on
// the rest. It returns the number of sessions terminated.
func (s *Store) CleanupExpired() int {
	now := s.nowF()
	s.mu.Lock()
	var gone []*domain.Session
	for id, e := range s.sessions {
		if !e.s.ExpiresAt.After(now) {
			gone = append(gone, s.terminateLocked(id, domain.ReasonExpired, now))
			continue
		}
		for name, f := range e.s.Flags {
			if f.Expired(now) {
				delete(e.s.Flags, name)
			}
		}
	}
	s.mu.Unlock()
	for _, g := range gone {
		s.notifyTerminated(g)
	}
	if len(gone) > 0 {
		s.logger.Info("expired sessions removed", zap.Int("count", len(gone)))
	}
	return len(gone)
}

// Stats reports current and cumulative counts.
func (s *Store) Stats() domain.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Stats{
		ActiveSessions: len(s.sessions),
		ActiveUsers:    len(s.byUser),
		Created:        s.created,
		Terminated:     s.terminated,
	}
}

func (s *Store) activeLocked(id string, now time.Time) (*entry, bool) {
	e, ok := s.sessions[id]
	if !ok || !e.s.Active(now) {
		return nil, false
	}
	return e, true
}

func (s *Store) oldestLocked(userID string) string {
	var (
		oldest string
		best   *entry
	)
	for id := range s.byUser[userID] {
		e := s.sessions[id]
		if best == nil || e.s.CreatedAt.Before(best.s.CreatedAt) ||
			(e.s.CreatedAt.Equal(best.s.CreatedAt) && e.seq < best.seq) {
			oldest, best = id, e
		}
	}
	return oldest
}

// expireUserLocked terminates the user's sessions that are past expiry but not yet swept,
// so they neither count against the cap nor get evicted as admin terminations.
func (s *Store) expireUserLocked(userID string, now time.Time) []*domain.Session {
	var ids []string
	for id := range s.byUser[userID] {
		if e := s.sessions[id]; e != nil && !e.s.Active(now) {
			ids = append(ids, id)
		}
	}
	out := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.terminateLocked(id, domain.ReasonExpired, now))
	}
	return out
}

// terminateLocked moves the session to its terminal status and drops it from both indexes.
// It returns the final snapshot for notification outside the lock.
func (s *Store) terminateLocked(id string, reason domain.TerminationReason, now time.Time) *domain.Session {
	e := s.sessions[id]
	e.s.Status = reason.TerminalStatus()
	e.s.TerminationReason = reason
	e.s.TerminatedAt = &now
	delete(s.sessions, id)
	if idx := s.byUser[e.s.UserID]; idx != nil {
		delete(idx, id)
		if len(idx) == 0 {
			delete(s.byUser, e.s.UserID)
		}
	}
	s.terminated++
	return e.s
}

func (s *Store) notifyTerminated(sess *domain.Session) {
	s.logger.Info("session terminated",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("reason", string(sess.TerminationReason)),
		zap.String("status", string(sess.Status)),
	)
	if s.listener != nil {
		s.listener.OnSessionTerminated(sess)
	}
}
