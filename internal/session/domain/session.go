package domain

import "time"

// SecurityLevel orders session privilege. It only moves basic to elevated automatically.
type SecurityLevel string

const (
	LevelBasic    SecurityLevel = "basic"
	LevelElevated SecurityLevel = "elevated"
	LevelAdmin    SecurityLevel = "admin"
)

// Status is the session lifecycle state. Only active is non-terminal.
type Status string

const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	StatusLocked     Status = "locked"
)

// TerminationReason records why a session left the active state.
type TerminationReason string

const (
	ReasonLogout   TerminationReason = "logout"
	ReasonExpired  TerminationReason = "expired"
	ReasonAdmin    TerminationReason = "admin"
	ReasonSecurity TerminationReason = "security"
	ReasonTimeout  TerminationReason = "timeout"
)

// TerminalStatus maps a termination reason to the status the session ends in.
func (r TerminationReason) TerminalStatus() Status {
	switch r {
	case ReasonExpired:
		return StatusExpired
	case ReasonSecurity:
		return StatusLocked
	default:
		return StatusTerminated
	}
}

// Device describes the client a session was created from.
type Device struct {
	Fingerprint string
	IP          string
	UserAgent   string
	Trusted     bool
	LastSeen    time.Time
}

// Flag is a named session value. ExpiresAt is zero when the flag does not expire.
type Flag struct {
	Value     any
	Timestamp time.Time
	ExpiresAt time.Time
}

// Expired reports whether the flag is past its expiry at now.
func (f Flag) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !f.ExpiresAt.After(now)
}

// Session is an authenticated user session.
type Session struct {
	ID                string
	UserID            string
	WorkspaceID       string // empty when not scoped to a workspace
	CreatedAt         time.Time
	LastActivity      time.Time
	ExpiresAt         time.Time
	Device            Device
	MFAVerified       bool
	MFAVerifiedAt     *time.Time // nil until MFA completes
	Permissions       []string   // "*" grants everything
	SecurityLevel     SecurityLevel
	Status            Status
	Flags             map[string]Flag
	Metadata          map[string]string
	TerminatedAt      *time.Time
	TerminationReason TerminationReason
}

// Active reports whether the session is active and unexpired at now.
func (s *Session) Active(now time.Time) bool {
	return s.Status == StatusActive && s.ExpiresAt.After(now)
}

// HasPermission reports whether perm or the wildcard is granted.
func (s *Session) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of s. Flag values are copied by assignment.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.MFAVerifiedAt != nil {
		t := *s.MFAVerifiedAt
		c.MFAVerifiedAt = &t
	}
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	c.Permissions = append([]string(nil), s.Permissions...)
	if s.Flags != nil {
		c.Flags = make(map[string]Flag, len(s.Flags))
		for k, v := range s.Flags {
			c.Flags[k] = v
		}
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Stats summarizes the store.
type Stats struct {
	ActiveSessions int
	ActiveUsers    int
	Created        int64
	Terminated     int64
}
