package cdpcontrol

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// sessionGoneHints are substrings of CDP errors that mean the cached session
// is stale (target navigated away, closed, or the browser dropped the
// attachment). Callers retry once on a fresh session.
var sessionGoneHints = []string{
	"No session with given id",
	"Session with given id not found",
	"Target closed",
	"Inspected target navigated or closed",
	"Cannot find context with specified id",
}

func isSessionGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, hint := range sessionGoneHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

type ephemeralSession struct {
	sessionID string
	lastUsed  time.Time
}

type persistentKey struct {
	targetID string
	purpose  string
}

// PersistentSession is a CDP session that outlives a single tool call
// because it carries active event subscriptions. At most one exists per
// (target, purpose) pair; the interception engine is the only creator.
type PersistentSession struct {
	TargetID  string
	Purpose   string
	SessionID string

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// AddSubscriber records an unsubscribe func to be run when the session
// closes.
func (p *PersistentSession) AddSubscriber(unsub func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		unsub()
		return
	}
	p.unsubs = append(p.unsubs, unsub)
}

func (p *PersistentSession) closeSubscribers() {
	p.mu.Lock()
	unsubs := p.unsubs
	p.unsubs = nil
	p.closed = true
	p.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// SessionManager owns two tables keyed by target id: an ephemeral session
// cache (LRU with a short TTL, shared by tool calls) and a persistent table
// with explicit lifetime. Both empty out when the transport dies.
type SessionManager struct {
	tr           *Transport
	ttl          time.Duration
	maxEphemeral int
	now          func() time.Time

	mu         sync.Mutex
	ephemeral  map[string]*ephemeralSession
	persistent map[persistentKey]*PersistentSession
}

func NewSessionManager(tr *Transport, ttl time.Duration, maxEphemeral int) *SessionManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxEphemeral <= 0 {
		maxEphemeral = 8
	}
	return &SessionManager{
		tr:           tr,
		ttl:          ttl,
		maxEphemeral: maxEphemeral,
		now:          time.Now,
		ephemeral:    make(map[string]*ephemeralSession),
		persistent:   make(map[persistentKey]*PersistentSession),
	}
}

// Ephemeral returns a session for the target, attaching one if the cache has
// none. Repeated calls within the TTL share the same session.
func (s *SessionManager) Ephemeral(ctx context.Context, targetID string) (string, error) {
	s.mu.Lock()
	victims := s.purgeExpiredLocked()
	if entry, ok := s.ephemeral[targetID]; ok {
		entry.lastUsed = s.now()
		s.mu.Unlock()
		s.detachAll(victims)
		return entry.sessionID, nil
	}
	s.mu.Unlock()
	s.detachAll(victims)

	sessionID, err := s.tr.AttachToTarget(ctx, targetID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	// Another call may have attached while we were off the lock; keep the
	// winner and drop our duplicate attachment.
	if entry, ok := s.ephemeral[targetID]; ok {
		entry.lastUsed = s.now()
		existing := entry.sessionID
		s.mu.Unlock()
		s.detachAll([]string{sessionID})
		return existing, nil
	}
	s.ephemeral[targetID] = &ephemeralSession{sessionID: sessionID, lastUsed: s.now()}
	evicted := s.evictOverflowLocked()
	s.mu.Unlock()
	s.detachAll(evicted)
	return sessionID, nil
}

// WithEphemeral runs fn with an ephemeral session, retrying once on a fresh
// session when the cached one turns out stale.
func (s *SessionManager) WithEphemeral(ctx context.Context, targetID string, fn func(sessionID string) error) error {
	sessionID, err := s.Ephemeral(ctx, targetID)
	if err != nil {
		return err
	}
	err = fn(sessionID)
	if !isSessionGone(err) {
		return err
	}

	slog.Debug("ephemeral session stale, reattaching", "target_id", targetID)
	s.InvalidateEphemeral(targetID)
	sessionID, aerr := s.Ephemeral(ctx, targetID)
	if aerr != nil {
		return aerr
	}
	return fn(sessionID)
}

// InvalidateEphemeral drops the cache entry without a detach round trip.
// Used when the browser already discarded the session.
func (s *SessionManager) InvalidateEphemeral(targetID string) {
	s.mu.Lock()
	delete(s.ephemeral, targetID)
	s.mu.Unlock()
}

// CloseEphemeral detaches and forgets the target's cached session. Closing a
// target with no cached session is a no-op.
func (s *SessionManager) CloseEphemeral(ctx context.Context, targetID string) {
	s.mu.Lock()
	entry, ok := s.ephemeral[targetID]
	if ok {
		delete(s.ephemeral, targetID)
	}
	s.mu.Unlock()
	if ok {
		if err := s.tr.DetachFromTarget(ctx, entry.sessionID); err != nil {
			slog.Debug("detach ephemeral session", "target_id", targetID, "error", err)
		}
	}
}

func (s *SessionManager) purgeExpiredLocked() []string {
	var victims []string
	cutoff := s.now().Add(-s.ttl)
	for targetID, entry := range s.ephemeral {
		if entry.lastUsed.Before(cutoff) {
			victims = append(victims, entry.sessionID)
			delete(s.ephemeral, targetID)
		}
	}
	return victims
}

func (s *SessionManager) evictOverflowLocked() []string {
	var victims []string
	for len(s.ephemeral) > s.maxEphemeral {
		oldestID := ""
		var oldest time.Time
		for targetID, entry := range s.ephemeral {
			if oldestID == "" || entry.lastUsed.Before(oldest) {
				oldestID = targetID
				oldest = entry.lastUsed
			}
		}
		victims = append(victims, s.ephemeral[oldestID].sessionID)
		delete(s.ephemeral, oldestID)
	}
	return victims
}

func (s *SessionManager) detachAll(sessionIDs []string) {
	for _, id := range sessionIDs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tr.DetachFromTarget(ctx, id); err != nil {
			slog.Debug("detach evicted session", "session_id", id, "error", err)
		}
		cancel()
	}
}

// Persistent returns the persistent session for (target, purpose), creating
// it on first request.
func (s *SessionManager) Persistent(ctx context.Context, targetID, purpose string) (*PersistentSession, error) {
	key := persistentKey{targetID: targetID, purpose: purpose}
	s.mu.Lock()
	if ps, ok := s.persistent[key]; ok {
		s.mu.Unlock()
		return ps, nil
	}
	s.mu.Unlock()

	sessionID, err := s.tr.AttachToTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	ps := &PersistentSession{TargetID: targetID, Purpose: purpose, SessionID: sessionID}
	s.mu.Lock()
	if existing, ok := s.persistent[key]; ok {
		s.mu.Unlock()
		s.detachAll([]string{sessionID})
		return existing, nil
	}
	s.persistent[key] = ps
	s.mu.Unlock()
	slog.Debug("persistent session opened", "target_id", targetID, "purpose", purpose)
	return ps, nil
}

// GetPersistent looks up an existing persistent session without creating one.
func (s *SessionManager) GetPersistent(targetID, purpose string) (*PersistentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.persistent[persistentKey{targetID: targetID, purpose: purpose}]
	return ps, ok
}

// ClosePersistent detaches all subscribers of the (target, purpose) session
// and closes the underlying channel. Idempotent.
func (s *SessionManager) ClosePersistent(ctx context.Context, targetID, purpose string) {
	key := persistentKey{targetID: targetID, purpose: purpose}
	s.mu.Lock()
	ps, ok := s.persistent[key]
	if ok {
		delete(s.persistent, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ps.closeSubscribers()
	if err := s.tr.DetachFromTarget(ctx, ps.SessionID); err != nil {
		slog.Debug("detach persistent session", "target_id", targetID, "purpose", purpose, "error", err)
	}
	slog.Debug("persistent session closed", "target_id", targetID, "purpose", purpose)
}

// Reset drops every session without detach round trips. Called when the
// transport is already gone.
func (s *SessionManager) Reset() {
	s.mu.Lock()
	persistent := s.persistent
	s.ephemeral = make(map[string]*ephemeralSession)
	s.persistent = make(map[persistentKey]*PersistentSession)
	s.mu.Unlock()
	for _, ps := range persistent {
		ps.closeSubscribers()
	}
}

// Counts reports table sizes for the status tool.
func (s *SessionManager) Counts() (ephemeral, persistent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ephemeral), len(s.persistent)
}
