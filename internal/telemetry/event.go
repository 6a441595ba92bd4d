package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the Recorder and the gRPC interceptors.
const (
	EventSessionCreated    = "session.created"
	EventSessionTerminated = "session.terminated"
	EventMFAVerified       = "session.mfa_verified"
	EventLockAcquired      = "lock.acquired"
	EventLockReleased      = "lock.released"
	EventLockExpired       = "lock.expired"
	EventConflictResolved  = "lock.conflict_resolved"
	EventTokenStored       = "vault.token_stored"
	EventTokenRemoved      = "vault.token_removed"
	EventKeyRotated        = "cipher.key_rotated"
	// EventGRPCRequest is emitted by the transport interceptor after each RPC.
	EventGRPCRequest = "grpc.request"
)

// Event is a lifecycle transition of the session core. Attributes never carry secrets.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	SessionID  string            `json:"session_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	LockID     string            `json:"lock_id,omitempty"`
	TokenID    string            `json:"token_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         time.Time         `json:"at"`
}

// NewEvent returns an event of the given type stamped with a fresh id and the current time.
func NewEvent(eventType string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     "session-gateway",
		Attributes: make(map[string]string),
		At:         time.Now().UTC(),
	}
}
