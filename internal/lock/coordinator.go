// Package lock coordinates access to sessions: one advisory lock per session, conflict resolution
// between contending sessions, and per-key FIFO queues for deferred work.
package lock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-gateway/backend/internal/lock/domain"
	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/platform/schedule"
)

// Config controls lock lifetime, the reap interval and the default conflict strategy.
type Config struct {
	LockTimeout     time.Duration
	CleanupInterval time.Duration
	Strategy        domain.Strategy
}

// DefaultConfig returns 30s locks reaped every minute with latest-wins resolution.
func DefaultConfig() Config {
	return Config{LockTimeout: 30 * time.Second, CleanupInterval: time.Minute, Strategy: domain.StrategyLatestWins}
}

// Listener observes lock and conflict transitions. Locks passed in are copies.
// Implementations must not block.
type Listener interface {
	OnLockAcquired(l domain.SessionLock)
	OnLockReleased(l domain.SessionLock)
	OnLockExpired(l domain.SessionLock)
	OnConflictResolved(rec domain.ConflictRecord)
}

// Merger combines the state of contending sessions for the merge strategy.
// It returns a short outcome description, or an error when the sessions cannot be merged.
type Merger interface {
	Merge(ctx context.Context, sessionIDs []string, conflictType string) (string, error)
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(ctx context.Context, sessionIDs []string, conflictType string) (string, error)

// Merge calls f.
func (f MergerFunc) Merge(ctx context.Context, sessionIDs []string, conflictType string) (string, error) {
	return f(ctx, sessionIDs, conflictType)
}

// Coordinator is safe for concurrent use. Acquire is an atomic check-and-set under mu.
type Coordinator struct {
	cfg      Config
	logger   *zap.Logger
	listener Listener
	merger   Merger
	nowF     func() time.Time

	mu        sync.Mutex
	locks     map[string]*domain.SessionLock
	queues    map[string][]string
	conflicts []domain.ConflictRecord
	total     int64
	resolved  int64

	reap schedule.Ticker
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.nowF = now }
}

// WithListener registers a lock lifecycle listener.
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listener = l }
}

// WithMerger sets the hook used by the merge strategy.
func WithMerger(m Merger) Option {
	return func(c *Coordinator) { c.merger = m }
}

// NewCoordinator returns a Coordinator with no locks held.
func NewCoordinator(cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	d := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = d.LockTimeout
	}
	if _, ok := domain.ParseStrategy(string(cfg.Strategy)); !ok {
		cfg.Strategy = d.Strategy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: logger,
		nowF:   func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*domain.SessionLock),
		queues: make(map[string][]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start reaps expired locks every CleanupInterval until Stop or ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	c.reap.Start(ctx, c.cfg.CleanupInterval, func() { c.CleanupExpiredLocks() })
}

// Stop halts the reaper.
func (c *Coordinator) Stop() { c.reap.Stop() }

// AcquireLock takes the session's lock. Any unexpired lock on the session, of any type, fails
// with SessionLocked; the caller retries or queues.
func (c *Coordinator) AcquireLock(ctx context.Context, sessionID, userID string, lockType domain.LockType) (out *domain.SessionLock, err error) {
	const op = "lock.AcquireLock"
	defer apperr.Recover(op, &err)
	if sessionID == "" {
		return nil, apperr.New(apperr.InternalError, op, "session id required")
	}
	if lockType == "" {
		lockType = domain.LockExclusive
	}
	if !lockType.Valid() {
		return nil, apperr.New(apperr.InternalError, op, fmt.Sprintf("unknown lock type %q", lockType))
	}

	now := c.nowF()
	c.mu.Lock()
	var expired *domain.SessionLock
	if held, ok := c.locks[sessionID]; ok {
		if !held.Expired(now) {
			c.mu.Unlock()
			return nil, apperr.New(apperr.SessionLocked, op,
				fmt.Sprintf("session locked by %s until %s", held.LockID, held.Timeout.Format(time.RFC3339)))
		}
		expired = held
	}
	l := &domain.SessionLock{
		LockID:     uuid.NewString(),
		SessionID:  sessionID,
		UserID:     userID,
		Type:       lockType,
		AcquiredAt: now,
		Timeout:    now.Add(c.cfg.LockTimeout),
	}
	c.locks[sessionID] = l
	c.total++
	snap := *l
	c.mu.Unlock()

	if expired != nil {
		c.notifyExpired(*expired)
	}
	c.logger.Debug("lock acquired",
		zap.String("session_id", sessionID),
		zap.String("lock_id", snap.LockID),
		zap.String("type", string(lockType)),
	)
	if c.listener != nil {
		c.listener.OnLockAcquired(snap)
	}
	return &snap, nil
}

// ReleaseLock drops the session's lock. It fails with SessionNotLocked when none is held and
// InvalidLock when lockID does not name the holder; the held lock is untouched in both cases.
func (c *Coordinator) ReleaseLock(ctx context.Context, sessionID, lockID string) (err error) {
	const op = "lock.ReleaseLock"
	defer apperr.Recover(op, &err)

	now := c.nowF()
	c.mu.Lock()
	held, ok := c.locks[sessionID]
	if !ok || held.Expired(now) {
		c.mu.Unlock()
		return apperr.New(apperr.SessionNotLocked, op, "session is not locked")
	}
	if held.LockID != lockID {
		c.mu.Unlock()
		return apperr.New(apperr.InvalidLock, op, "lock id does not match the holder")
	}
	delete(c.locks, sessionID)
	snap := *held
	c.mu.Unlock()

	c.logger.Debug("lock released", zap.String("session_id", sessionID), zap.String("lock_id", lockID))
	if c.listener != nil {
		c.listener.OnLockReleased(snap)
	}
	return nil
}

// IsSessionLocked reports whether the session holds an unexpired lock.
func (c *Coordinator) IsSessionLocked(sessionID string) bool {
	_, ok := c.GetSessionLock(sessionID)
	return ok
}

// GetSessionLock returns a copy of the session's unexpired lock.
func (c *Coordinator) GetSessionLock(sessionID string) (*domain.SessionLock, bool) {
	now := c.nowF()
	c.mu.Lock()
	defer c.mu.Unlock()
	held, ok := c.locks[sessionID]
	if !ok || held.Expired(now) {
		return nil, false
	}
	snap := *held
	return &snap, true
}

// CleanupExpiredLocks removes every timed-out lock and returns how many were removed.
func (c *Coordinator) CleanupExpiredLocks() int {
	now := c.nowF()
	c.mu.Lock()
	var reaped []domain.SessionLock
	for id, l := range c.locks {
		if l.Expired(now) {
			reaped = append(reaped, *l)
			delete(c.locks, id)
		}
	}
	c.mu.Unlock()
	for _, l := range reaped {
		c.notifyExpired(l)
	}
	if len(reaped) > 0 {
		c.logger.Info("expired locks reaped", zap.Int("count", len(reaped)))
	}
	return len(reaped)
}

// ResolveConflict resolves contention between sessionIDs with the configured strategy.
func (c *Coordinator) ResolveConflict(ctx context.Context, sessionIDs []string, conflictType string) (*domain.ConflictRecord, error) {
	return c.ResolveConflictWith(ctx, c.cfg.Strategy, sessionIDs, conflictType)
}

// ResolveConflictWith resolves contention with an explicit strategy and appends the outcome
// to the conflict log. sessionIDs are ordered oldest to latest.
func (c *Coordinator) ResolveConflictWith(ctx context.Context, strategy domain.Strategy, sessionIDs []string, conflictType string) (out *domain.ConflictRecord, err error) {
	const op = "lock.ResolveConflict"
	defer apperr.Recover(op, &err)
	if len(sessionIDs) == 0 {
		return nil, apperr.New(apperr.InternalError, op, "no sessions in conflict")
	}
	if _, ok := domain.ParseStrategy(string(strategy)); !ok {
		return nil, apperr.New(apperr.InternalError, op, fmt.Sprintf("unknown strategy %q", strategy))
	}

	rec := domain.ConflictRecord{
		ConflictID: uuid.NewString(),
		SessionIDs: append([]string(nil), sessionIDs...),
		Type:       conflictType,
		Timestamp:  c.nowF(),
		Strategy:   strategy,
	}

	var released []domain.SessionLock
	switch strategy {
	case domain.StrategyLatestWins:
		keep := sessionIDs[len(sessionIDs)-1]
		released = c.releaseAll(sessionIDs[:len(sessionIDs)-1])
		rec.Resolved = true
		rec.Outcome = fmt.Sprintf("latest-wins: kept %s, released [%s]", keep, strings.Join(lockSessions(released), ", "))
	case domain.StrategyReject:
		released = c.releaseAll(sessionIDs)
		rec.Resolved = true
		rec.Outcome = fmt.Sprintf("reject: released [%s]", strings.Join(lockSessions(released), ", "))
	case domain.StrategyQueue:
		for _, id := range sessionIDs {
			c.AddSessionToQueue(conflictType, id)
		}
		rec.Resolved = true
		rec.Outcome = fmt.Sprintf("queue: queued [%s] under %q", strings.Join(sessionIDs, ", "), conflictType)
	case domain.StrategyMerge:
		if c.merger == nil {
			rec.Outcome = "merge: no merge policy configured"
			break
		}
		desc, mergeErr := c.merger.Merge(ctx, rec.SessionIDs, conflictType)
		if mergeErr != nil {
			rec.Outcome = "merge: failed: " + mergeErr.Error()
			break
		}
		rec.Resolved = true
		rec.Outcome = "merge: " + desc
	}

	c.mu.Lock()
	c.conflicts = append(c.conflicts, rec)
	if rec.Resolved {
		c.resolved++
	}
	c.mu.Unlock()

	for _, l := range released {
		if c.listener != nil {
			c.listener.OnLockReleased(l)
		}
	}
	c.logger.Info("conflict resolved",
		zap.String("conflict_id", rec.ConflictID),
		zap.String("strategy", string(strategy)),
		zap.Strings("session_ids", rec.SessionIDs),
		zap.Bool("resolved", rec.Resolved),
		zap.String("outcome", rec.Outcome),
	)
	if c.listener != nil {
		c.listener.OnConflictResolved(rec)
	}
	out = &rec
	out.SessionIDs = append([]string(nil), rec.SessionIDs...)
	return out, nil
}

// AddSessionToQueue appends sessionID to the FIFO under key. A session already queued under key
// is not added twice.
func (c *Coordinator) AddSessionToQueue(key, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.queues[key] {
		if id == sessionID {
			return
		}
	}
	c.queues[key] = append(c.queues[key], sessionID)
}

// ProcessSessionQueue pops, in FIFO order, every queued session that is not currently locked and
// returns them. Locked sessions stay queued in order. An emptied queue is deleted.
func (c *Coordinator) ProcessSessionQueue(key string) []string {
	now := c.nowF()
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[key]
	if !ok {
		return nil
	}
	var ready, waiting []string
	for _, id := range q {
		if l, held := c.locks[id]; held && !l.Expired(now) {
			waiting = append(waiting, id)
			continue
		}
		ready = append(ready, id)
	}
	if len(waiting) == 0 {
		delete(c.queues, key)
	} else {
		c.queues[key] = waiting
	}
	return ready
}

// QueueLength returns the number of sessions queued under key.
func (c *Coordinator) QueueLength(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[key])
}

// Conflicts returns a copy of the conflict log, oldest first.
func (c *Coordinator) Conflicts() []domain.ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ConflictRecord, len(c.conflicts))
	for i, r := range c.conflicts {
		r.SessionIDs = append([]string(nil), r.SessionIDs...)
		out[i] = r
	}
	return out
}

// Stats reports lock, conflict and queue counts.
func (c *Coordinator) Stats() domain.Stats {
	now := c.nowF()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := domain.Stats{
		TotalLocks:        c.total,
		TotalConflicts:    int64(len(c.conflicts)),
		ResolvedConflicts: c.resolved,
	}
	for _, l := range c.locks {
		if !l.Expired(now) {
			s.ActiveLocks++
		}
	}
	for _, q := range c.queues {
		s.QueuedSessions += len(q)
	}
	return s
}

// releaseAll drops the locks held by ids and returns them sorted by session id.
func (c *Coordinator) releaseAll(ids []string) []domain.SessionLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.SessionLock
	for _, id := range ids {
		if l, ok := c.locks[id]; ok {
			out = append(out, *l)
			delete(c.locks, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func lockSessions(ls []domain.SessionLock) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.SessionID
	}
	return out
}

func (c *Coordinator) notifyExpired(l domain.SessionLock) {
	c.logger.Debug("lock expired", zap.String("session_id", l.SessionID), zap.String("lock_id", l.LockID))
	if c.listener != nil {
		c.listener.OnLockExpired(l)
	}
}
