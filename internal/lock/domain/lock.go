package domain

import "time"

// LockType is informational; any held lock blocks every other acquire on the same session.
type LockType string

const (
	LockRead      LockType = "read"
	LockWrite     LockType = "write"
	LockExclusive LockType = "exclusive"
)

// Valid reports whether t is a known lock type.
func (t LockType) Valid() bool {
	return t == LockRead || t == LockWrite || t == LockExclusive
}

// SessionLock is the single advisory lock a session may hold.
type SessionLock struct {
	LockID     string
	SessionID  string
	UserID     string
	Type       LockType
	AcquiredAt time.Time
	Timeout    time.Time
}

// Expired reports whether the lock has timed out at now.
func (l *SessionLock) Expired(now time.Time) bool {
	return !l.Timeout.After(now)
}

// Strategy selects how contending sessions are resolved.
type Strategy string

const (
	StrategyLatestWins Strategy = "latest-wins"
	StrategyMerge      Strategy = "merge"
	StrategyQueue      Strategy = "queue"
	StrategyReject     Strategy = "reject"
)

// ParseStrategy returns the strategy named s.
func ParseStrategy(s string) (Strategy, bool) {
	switch st := Strategy(s); st {
	case StrategyLatestWins, StrategyMerge, StrategyQueue, StrategyReject:
		return st, true
	}
	return "", false
}

// ConflictRecord is an append-only log entry of one resolution.
type ConflictRecord struct {
	ConflictID string
	SessionIDs []string
	Type       string
	Timestamp  time.Time
	Strategy   Strategy
	Resolved   bool
	Outcome    string
}

// Stats summarizes coordinator activity.
type Stats struct {
	TotalLocks        int64
	ActiveLocks       int
	TotalConflicts    int64
	ResolvedConflicts int64
	QueuedSessions    int
}
