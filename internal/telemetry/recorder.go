package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"session-gateway/backend/internal/lock"
	lockdomain "session-gateway/backend/internal/lock/domain"
	"session-gateway/backend/internal/security"
	"session-gateway/backend/internal/session"
	sessiondomain "session-gateway/backend/internal/session/domain"
	"session-gateway/backend/internal/vault"
	vaultdomain "session-gateway/backend/internal/vault/domain"
)

var (
	_ session.Listener  = (*Recorder)(nil)
	_ lock.Listener     = (*Recorder)(nil)
	_ vault.Listener    = (*Recorder)(nil)
	_ security.Listener = (*Recorder)(nil)
)

// Recorder turns component lifecycle callbacks into OTel counters and async events.
type Recorder struct {
	emitter EventEmitter
	logger  *zap.Logger

	sessionsCreated    metric.Int64Counter
	sessionsTerminated metric.Int64Counter
	mfaVerified        metric.Int64Counter
	locksAcquired      metric.Int64Counter
	locksReleased      metric.Int64Counter
	locksExpired       metric.Int64Counter
	conflicts          metric.Int64Counter
	tokensStored       metric.Int64Counter
	tokensRemoved      metric.Int64Counter
	keyRotations       metric.Int64Counter
}

// NewRecorder creates the counters on meter. emitter may be nil to record metrics only.
func NewRecorder(meter metric.Meter, emitter EventEmitter, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{emitter: emitter, logger: logger}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.sessionsCreated, "session.created", "Sessions created."},
		{&r.sessionsTerminated, "session.terminated", "Sessions terminated, by reason."},
		{&r.mfaVerified, "session.mfa_verified", "MFA completions."},
		{&r.locksAcquired, "lock.acquired", "Session locks acquired."},
		{&r.locksReleased, "lock.released", "Session locks released."},
		{&r.locksExpired, "lock.expired", "Session locks that timed out."},
		{&r.conflicts, "lock.conflicts", "Conflict resolutions, by strategy and result."},
		{&r.tokensStored, "vault.tokens_stored", "Tokens stored, by kind."},
		{&r.tokensRemoved, "vault.tokens_removed", "Tokens removed, by kind and reason."},
		{&r.keyRotations, "cipher.key_rotations", "Encryption key rotations."},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return r, nil
}

func (r *Recorder) add(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (r *Recorder) emit(e *Event) {
	EmitAsync(r.emitter, context.Background(), e)
}

// OnSessionCreated implements session.Listener.
func (r *Recorder) OnSessionCreated(s *sessiondomain.Session) {
	r.add(r.sessionsCreated, attribute.String("security_level", string(s.SecurityLevel)))
	e := NewEvent(EventSessionCreated)
	e.SessionID, e.UserID = s.ID, s.UserID
	e.Attributes["security_level"] = string(s.SecurityLevel)
	e.Attributes["expires_at"] = s.ExpiresAt.UTC().Format(time.RFC3339)
	if s.WorkspaceID != "" {
		e.Attributes["workspace_id"] = s.WorkspaceID
	}
	r.emit(e)
}

// OnSessionTerminated implements session.Listener.
func (r *Recorder) OnSessionTerminated(s *sessiondomain.Session) {
	r.add(r.sessionsTerminated, attribute.String("reason", string(s.TerminationReason)))
	e := NewEvent(EventSessionTerminated)
	e.SessionID, e.UserID = s.ID, s.UserID
	e.Attributes["reason"] = string(s.TerminationReason)
	e.Attributes["status"] = string(s.Status)
	r.emit(e)
}

// OnMFAVerified implements session.Listener.
func (r *Recorder) OnMFAVerified(s *sessiondomain.Session) {
	r.add(r.mfaVerified)
	e := NewEvent(EventMFAVerified)
	e.SessionID, e.UserID = s.ID, s.UserID
	e.Attributes["security_level"] = string(s.SecurityLevel)
	r.emit(e)
}

// OnLockAcquired implements lock.Listener.
func (r *Recorder) OnLockAcquired(l lockdomain.SessionLock) {
	r.add(r.locksAcquired, attribute.String("type", string(l.Type)))
	r.emit(lockEvent(EventLockAcquired, l))
}

// OnLockReleased implements lock.Listener.
func (r *Recorder) OnLockReleased(l lockdomain.SessionLock) {
	r.add(r.locksReleased, attribute.String("type", string(l.Type)))
	r.emit(lockEvent(EventLockReleased, l))
}

// OnLockExpired implements lock.Listener.
func (r *Recorder) OnLockExpired(l lockdomain.SessionLock) {
	r.add(r.locksExpired, attribute.String("type", string(l.Type)))
	r.emit(lockEvent(EventLockExpired, l))
}

// OnConflictResolved implements lock.Listener.
func (r *Recorder) OnConflictResolved(rec lockdomain.ConflictRecord) {
	r.add(r.conflicts,
		attribute.String("strategy", string(rec.Strategy)),
		attribute.Bool("resolved", rec.Resolved),
	)
	e := NewEvent(EventConflictResolved)
	e.Attributes["conflict_id"] = rec.ConflictID
	e.Attributes["strategy"] = string(rec.Strategy)
	e.Attributes["resolved"] = strconv.FormatBool(rec.Resolved)
	e.Attributes["outcome"] = rec.Outcome
	e.Attributes["sessions"] = strconv.Itoa(len(rec.SessionIDs))
	r.emit(e)
}

// OnTokenStored implements vault.Listener.
func (r *Recorder) OnTokenStored(kind vaultdomain.Kind, tokenID, ownerID string) {
	r.add(r.tokensStored, attribute.String("kind", string(kind)))
	e := NewEvent(EventTokenStored)
	e.TokenID, e.UserID = tokenID, ownerID
	e.Attributes["kind"] = string(kind)
	r.emit(e)
}

// OnTokenRemoved implements vault.Listener.
func (r *Recorder) OnTokenRemoved(kind vaultdomain.Kind, tokenID, ownerID, reason string) {
	r.add(r.tokensRemoved, attribute.String("kind", string(kind)), attribute.String("reason", reason))
	e := NewEvent(EventTokenRemoved)
	e.TokenID, e.UserID = tokenID, ownerID
	e.Attributes["kind"] = string(kind)
	e.Attributes["reason"] = reason
	r.emit(e)
}

// OnKeyRotated implements security.Listener.
func (r *Recorder) OnKeyRotated(newKeyID, retiredKeyID string) {
	r.add(r.keyRotations)
	e := NewEvent(EventKeyRotated)
	e.Attributes["key_id"] = newKeyID
	e.Attributes["retired_key_id"] = retiredKeyID
	r.emit(e)
	r.logger.Debug("key rotation recorded", zap.String("key_id", newKeyID))
}

func lockEvent(eventType string, l lockdomain.SessionLock) *Event {
	e := NewEvent(eventType)
	e.SessionID, e.UserID, e.LockID = l.SessionID, l.UserID, l.LockID
	e.Attributes["type"] = string(l.Type)
	return e
}
