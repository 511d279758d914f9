package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Eddym06/chrome-devTools-advanced-mcp/internal/cdpcontrol/cdptest"
)

func TestEphemeralSessionReuse(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, 30*time.Second, 8)

	s1, err := sm.Ephemeral(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Ephemeral() error = %v", err)
	}
	s2, err := sm.Ephemeral(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Ephemeral() error = %v", err)
	}
	if s1 != s2 {
		t.Fatalf("Ephemeral() second call = %q, want cached %q", s2, s1)
	}

	s3, err := sm.Ephemeral(context.Background(), "T2")
	if err != nil {
		t.Fatalf("Ephemeral() error = %v", err)
	}
	if s3 == s1 {
		t.Fatalf("Ephemeral(T2) = %q, want a distinct session", s3)
	}
}

func TestEphemeralSessionTTLExpiry(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, 30*time.Second, 8)

	now := time.Now()
	sm.now = func() time.Time { return now }

	s1, err := sm.Ephemeral(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Ephemeral() error = %v", err)
	}

	now = now.Add(31 * time.Second)
	s2, err := sm.Ephemeral(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Ephemeral() error = %v", err)
	}
	if s2 == s1 {
		t.Fatalf("Ephemeral() after TTL = %q, want a fresh session", s2)
	}
}

func TestEphemeralSessionLRUEviction(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 2)

	now := time.Now()
	sm.now = func() time.Time { return now }

	s1, _ := sm.Ephemeral(context.Background(), "T1")
	now = now.Add(time.Second)
	sm.Ephemeral(context.Background(), "T2")
	now = now.Add(time.Second)
	sm.Ephemeral(context.Background(), "T3")

	// Give detachAll a moment to run its round trips.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.DetachedSessions()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	detached := f.DetachedSessions()
	if len(detached) != 1 || detached[0] != s1 {
		t.Fatalf("detached sessions = %v, want [%s]", detached, s1)
	}
	eph, _ := sm.Counts()
	if eph != 2 {
		t.Fatalf("ephemeral count = %d, want 2", eph)
	}
}

func TestCloseEphemeralIdempotent(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	s1, _ := sm.Ephemeral(context.Background(), "T1")
	sm.CloseEphemeral(context.Background(), "T1")
	sm.CloseEphemeral(context.Background(), "T1")

	detached := f.DetachedSessions()
	if len(detached) != 1 || detached[0] != s1 {
		t.Fatalf("detached sessions = %v, want exactly [%s]", detached, s1)
	}
}

func TestWithEphemeralRetriesStaleSession(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	calls := 0
	err := sm.WithEphemeral(context.Background(), "T1", func(sessionID string) error {
		calls++
		if calls == 1 {
			return errors.New("cdp: Runtime.evaluate: No session with given id")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithEphemeral() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2 (retry on stale session)", calls)
	}
}

func TestWithEphemeralDoesNotRetryOtherErrors(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	calls := 0
	wantErr := errors.New("cdp: eval exception: ReferenceError")
	err := sm.WithEphemeral(context.Background(), "T1", func(sessionID string) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithEphemeral() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestPersistentSessionSingleton(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	p1, err := sm.Persistent(context.Background(), "T1", "intercept")
	if err != nil {
		t.Fatalf("Persistent() error = %v", err)
	}
	p2, err := sm.Persistent(context.Background(), "T1", "intercept")
	if err != nil {
		t.Fatalf("Persistent() error = %v", err)
	}
	if p1 != p2 {
		t.Fatal("Persistent() returned two sessions for one (target, purpose)")
	}

	p3, err := sm.Persistent(context.Background(), "T1", "capture")
	if err != nil {
		t.Fatalf("Persistent() error = %v", err)
	}
	if p3 == p1 {
		t.Fatal("Persistent() shared a session across purposes")
	}
}

func TestClosePersistentDetachesSubscribers(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	ps, err := sm.Persistent(context.Background(), "T1", "intercept")
	if err != nil {
		t.Fatalf("Persistent() error = %v", err)
	}

	unsubbed := 0
	ps.AddSubscriber(func() { unsubbed++ })
	ps.AddSubscriber(func() { unsubbed++ })

	sm.ClosePersistent(context.Background(), "T1", "intercept")
	if unsubbed != 2 {
		t.Fatalf("unsubscribed %d handlers, want 2", unsubbed)
	}
	detached := f.DetachedSessions()
	if len(detached) != 1 || detached[0] != ps.SessionID {
		t.Fatalf("detached sessions = %v, want [%s]", detached, ps.SessionID)
	}

	// Idempotent.
	sm.ClosePersistent(context.Background(), "T1", "intercept")
	if got := f.DetachedSessions(); len(got) != 1 {
		t.Fatalf("second close detached again: %v", got)
	}

	if _, ok := sm.GetPersistent("T1", "intercept"); ok {
		t.Fatal("GetPersistent() found session after close")
	}
}

func TestAddSubscriberAfterCloseRunsImmediately(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	ps, _ := sm.Persistent(context.Background(), "T1", "intercept")
	sm.ClosePersistent(context.Background(), "T1", "intercept")

	ran := false
	ps.AddSubscriber(func() { ran = true })
	if !ran {
		t.Fatal("AddSubscriber on closed session did not run unsubscribe")
	}
}

func TestResetDropsEverythingWithoutRoundTrips(t *testing.T) {
	f := cdptest.New(t)
	tr := dialTestTransport(t, f)
	sm := NewSessionManager(tr, time.Minute, 8)

	sm.Ephemeral(context.Background(), "T1")
	ps, _ := sm.Persistent(context.Background(), "T2", "intercept")
	unsubbed := false
	ps.AddSubscriber(func() { unsubbed = true })

	sm.Reset()

	if !unsubbed {
		t.Fatal("Reset() did not run persistent unsubscribers")
	}
	eph, per := sm.Counts()
	if eph != 0 || per != 0 {
		t.Fatalf("Counts() after Reset = (%d, %d), want (0, 0)", eph, per)
	}
	if got := f.DetachedSessions(); len(got) != 0 {
		t.Fatalf("Reset() issued detach round trips: %v", got)
	}
}

func TestIsSessionGone(t *testing.T) {
	if !isSessionGone(errors.New("cdp: X: Target closed")) {
		t.Fatal("isSessionGone(Target closed) = false, want true")
	}
	if isSessionGone(errors.New("cdp: X: some other failure")) {
		t.Fatal("isSessionGone(other) = true, want false")
	}
	if isSessionGone(nil) {
		t.Fatal("isSessionGone(nil) = true, want false")
	}
}

func TestRegistryStartSeedsFromList(t *testing.T) {
	f := cdptest.New(t)
	f.SetTargets([]map[string]string{
		{"id": "P1", "type": "page", "title": "Example", "url": "https://example.com/"},
	})
	tr := dialTestTransport(t, f)

	reg := NewTargetRegistry(tr)
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	rec, ok := reg.Get("P1")
	if !ok || rec.Kind != KindPage {
		t.Fatalf("Get(P1) = %+v, %v after Start", rec, ok)
	}

	// Live events keep flowing into the registry.
	waitCh := make(chan struct{}, 1)
	reg.OnNewPage(func(targetID string) {
		if targetID == "P2" {
			waitCh <- struct{}{}
		}
	})
	f.Emit("Target.targetCreated", "", json.RawMessage(
		`{"targetInfo":{"targetId":"P2","type":"page","title":"","url":"about:blank","attached":false}}`))
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnNewPage observer not fired for live targetCreated")
	}
}
