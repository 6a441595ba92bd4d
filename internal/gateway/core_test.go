package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	lockdomain "session-gateway/backend/internal/lock/domain"
	"session-gateway/backend/internal/platform/apperr"
	"session-gateway/backend/internal/session"
	sessiondomain "session-gateway/backend/internal/session/domain"
	vaultdomain "session-gateway/backend/internal/vault/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingListener counts notifications per hook.
type recordingListener struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{counts: make(map[string]int)}
}

func (l *recordingListener) inc(name string) {
	l.mu.Lock()
	l.counts[name]++
	l.mu.Unlock()
}

func (l *recordingListener) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[name]
}

func (l *recordingListener) OnSessionCreated(*sessiondomain.Session)      { l.inc("session.created") }
func (l *recordingListener) OnSessionTerminated(*sessiondomain.Session)   { l.inc("session.terminated") }
func (l *recordingListener) OnMFAVerified(*sessiondomain.Session)         { l.inc("session.mfa_verified") }
func (l *recordingListener) OnLockAcquired(lockdomain.SessionLock)        { l.inc("lock.acquired") }
func (l *recordingListener) OnLockReleased(lockdomain.SessionLock)        { l.inc("lock.released") }
func (l *recordingListener) OnLockExpired(lockdomain.SessionLock)         { l.inc("lock.expired") }
func (l *recordingListener) OnConflictResolved(lockdomain.ConflictRecord) { l.inc("lock.conflict") }
func (l *recordingListener) OnTokenStored(vaultdomain.Kind, string, string) {
	l.inc("token.stored")
}
func (l *recordingListener) OnTokenRemoved(vaultdomain.Kind, string, string, string) {
	l.inc("token.removed")
}
func (l *recordingListener) OnKeyRotated(string, string) { l.inc("key.rotated") }

func newTestCore(t *testing.T, listener Listener) (*Core, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	core, err := New(context.Background(), DefaultConfig(), nil, listener, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return core, clock
}

func createSession(t *testing.T, core *Core, userID string, perms ...string) *sessiondomain.Session {
	t.Helper()
	s, err := core.Sessions().CreateSession(context.Background(), session.CreateParams{UserID: userID, Permissions: perms})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestAuthorize(t *testing.T) {
	core, _ := newTestCore(t, nil)
	ctx := context.Background()
	s := createSession(t, core, "alice", "read:files")

	tests := []struct {
		name       string
		sessionID  string
		permission string
		wantKind   apperr.Kind
	}{
		{"empty session id", "", "", apperr.AuthenticationFailed},
		{"unknown session", "nope", "", apperr.SessionNotFound},
		{"missing permission", s.ID, "write:files", apperr.AuthorizationFailed},
		{"granted permission", s.ID, "read:files", ""},
		{"no permission required", s.ID, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := core.Authorize(ctx, tt.sessionID, tt.permission)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Authorize: %v", err)
				}
				if got.UserID != "alice" {
					t.Errorf("UserID = %q, want alice", got.UserID)
				}
				return
			}
			if !apperr.IsKind(err, tt.wantKind) {
				t.Errorf("Authorize err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestAuthorize_ExpiredSession(t *testing.T) {
	core, clock := newTestCore(t, nil)
	s := createSession(t, core, "alice")

	clock.Advance(8*time.Hour + time.Second)
	_, err := core.Authorize(context.Background(), s.ID, "")
	if !apperr.IsKind(err, apperr.SessionExpired) {
		t.Fatalf("Authorize err = %v, want SessionExpired", err)
	}
	_, err = core.Authorize(context.Background(), s.ID, "")
	if !apperr.IsKind(err, apperr.SessionNotFound) {
		t.Errorf("second Authorize err = %v, want SessionNotFound", err)
	}
}

func TestWithSessionLock(t *testing.T) {
	listener := newRecordingListener()
	core, _ := newTestCore(t, listener)
	ctx := context.Background()
	s := createSession(t, core, "alice")

	ran := false
	err := core.WithSessionLock(ctx, s.ID, lockdomain.LockWrite, func(ctx context.Context, got *sessiondomain.Session) error {
		ran = true
		if got.ID != s.ID {
			t.Errorf("session id = %q, want %q", got.ID, s.ID)
		}
		if !core.Locks().IsSessionLocked(s.ID) {
			t.Error("session should be locked while fn runs")
		}
		nested := core.WithSessionLock(ctx, s.ID, lockdomain.LockRead, func(context.Context, *sessiondomain.Session) error {
			t.Error("nested fn must not run")
			return nil
		})
		if !apperr.IsKind(nested, apperr.SessionLocked) {
			t.Errorf("nested err = %v, want SessionLocked", nested)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSessionLock: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
	if core.Locks().IsSessionLocked(s.ID) {
		t.Error("lock should be released after fn returns")
	}
	if listener.count("lock.acquired") != 1 || listener.count("lock.released") != 1 {
		t.Errorf("acquired/released = %d/%d, want 1/1", listener.count("lock.acquired"), listener.count("lock.released"))
	}
}

func TestWithSessionLock_PanicReleasesLock(t *testing.T) {
	core, _ := newTestCore(t, nil)
	s := createSession(t, core, "alice")

	err := core.WithSessionLock(context.Background(), s.ID, lockdomain.LockExclusive, func(context.Context, *sessiondomain.Session) error {
		panic("boom")
	})
	if !apperr.IsKind(err, apperr.InternalError) {
		t.Fatalf("err = %v, want InternalError", err)
	}
	if core.Locks().IsSessionLocked(s.ID) {
		t.Error("lock should be released after a panic")
	}
}

func TestWithSessionLock_InvalidSession(t *testing.T) {
	core, _ := newTestCore(t, nil)
	err := core.WithSessionLock(context.Background(), "missing", lockdomain.LockWrite, func(context.Context, *sessiondomain.Session) error {
		t.Error("fn must not run")
		return nil
	})
	if !apperr.IsKind(err, apperr.SessionNotFound) {
		t.Errorf("err = %v, want SessionNotFound", err)
	}
}

func TestUpstreamToken(t *testing.T) {
	listener := newRecordingListener()
	core, clock := newTestCore(t, listener)
	ctx := context.Background()
	alice := createSession(t, core, "alice")
	bob := createSession(t, core, "bob")

	tok := &vaultdomain.AccessToken{
		ID:        "tok-1",
		Token:     "upstream-secret",
		ExpiresAt: clock.Now().Add(time.Hour),
		CreatedAt: clock.Now(),
	}
	if err := core.StoreUpstreamToken(ctx, alice.ID, tok); err != nil {
		t.Fatalf("StoreUpstreamToken: %v", err)
	}

	got, err := core.UpstreamToken(ctx, alice.ID, "tok-1")
	if err != nil {
		t.Fatalf("UpstreamToken: %v", err)
	}
	if got.Token != "upstream-secret" || got.UserID != "alice" {
		t.Errorf("token = %+v", got)
	}

	if _, err := core.UpstreamToken(ctx, bob.ID, "tok-1"); !apperr.IsKind(err, apperr.AuthenticationFailed) {
		t.Errorf("foreign token err = %v, want AuthenticationFailed", err)
	}
	if _, err := core.UpstreamToken(ctx, alice.ID, "tok-2"); !apperr.IsKind(err, apperr.AuthenticationFailed) {
		t.Errorf("missing token err = %v, want AuthenticationFailed", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := core.UpstreamToken(ctx, alice.ID, "tok-1"); !apperr.IsKind(err, apperr.AuthenticationFailed) {
		t.Errorf("expired token err = %v, want AuthenticationFailed", err)
	}
	if listener.count("token.stored") != 1 || listener.count("token.removed") != 1 {
		t.Errorf("stored/removed = %d/%d, want 1/1", listener.count("token.stored"), listener.count("token.removed"))
	}
}

func TestRequiresMFA(t *testing.T) {
	core, _ := newTestCore(t, nil)
	ctx := context.Background()
	admin, err := core.Sessions().CreateSession(ctx, session.CreateParams{
		UserID:        "root",
		SecurityLevel: sessiondomain.LevelAdmin,
		Device:        sessiondomain.Device{Trusted: true},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	required, err := core.RequiresMFA(ctx, admin.ID)
	if err != nil {
		t.Fatalf("RequiresMFA: %v", err)
	}
	if !required {
		t.Error("admin session should require MFA")
	}
	core.Sessions().MarkMFAVerified(admin.ID)
	if required, _ = core.RequiresMFA(ctx, admin.ID); required {
		t.Error("verified admin session should not require MFA")
	}
	if err := core.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestLogout_ReleasesLock(t *testing.T) {
	listener := newRecordingListener()
	core, _ := newTestCore(t, listener)
	ctx := context.Background()
	s := createSession(t, core, "alice")
	if _, err := core.Locks().AcquireLock(ctx, s.ID, "alice", lockdomain.LockWrite); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if !core.Logout(ctx, s.ID) {
		t.Fatal("Logout should report true")
	}
	if core.Locks().IsSessionLocked(s.ID) {
		t.Error("lock should be released on logout")
	}
	if _, err := core.Authorize(ctx, s.ID, ""); !apperr.IsKind(err, apperr.SessionNotFound) {
		t.Errorf("Authorize after logout err = %v, want SessionNotFound", err)
	}
	if core.Logout(ctx, s.ID) {
		t.Error("second Logout should report false")
	}
	if listener.count("session.terminated") != 1 {
		t.Errorf("terminated = %d, want 1", listener.count("session.terminated"))
	}
}

func TestStartStop(t *testing.T) {
	core, _ := newTestCore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.Start(ctx)

	done := make(chan struct{})
	go func() {
		core.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
