package guard

import (
	"context"
	"sync"
	"time"
)

// SessionHub is an in-memory SessionStore. A session id is tracked while it
// holds a session or has listeners. A session signs itself out when it
// expires, and its entry is dropped once it is signed out and unwatched.
//
// Listeners are called with the hub locked and must not call back into it.
type SessionHub struct {
	mu      sync.Mutex
	entries map[string]*hubEntry
	logger  Logger
	now     func() time.Time
}

type hubEntry struct {
	src   *MemoryIdentitySource
	live  bool
	gen   uint64
	timer *time.Timer
}

func (e *hubEntry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// NewSessionHub returns an empty hub.
func NewSessionHub(logger Logger) *SessionHub {
	return &SessionHub{
		entries: make(map[string]*hubEntry),
		logger:  normalizeLogger(logger),
		now:     time.Now,
	}
}

// WithClock sets the clock used for expiry. Call it before publishing.
func (h *SessionHub) WithClock(now func() time.Time) *SessionHub {
	if now != nil {
		h.now = now
	}
	return h
}

// Source implements SessionStore.
func (h *SessionHub) Source(sessionID string) IdentitySource {
	return &hubSource{hub: h, sessionID: sessionID}
}

// Publish implements SessionStore. A nil or expired session revokes.
func (h *SessionHub) Publish(ctx context.Context, sessionID string, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.Expired(h.now()) {
		return h.Revoke(ctx, sessionID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entry(sessionID)
	e.stopTimer()
	e.gen++
	e.live = true
	if !session.ExpiresAt.IsZero() {
		gen := e.gen
		e.timer = time.AfterFunc(session.ExpiresAt.Sub(h.now()), func() {
			h.expire(sessionID, e, gen)
		})
	}
	e.src.Set(session)

	h.logger.Debug("session published", "sid", sessionID, "subject", session.SubjectID())
	return nil
}

// Revoke implements SessionStore. Guards watching the session see a sign out.
func (h *SessionHub) Revoke(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[sessionID]
	if !ok {
		return nil
	}
	h.signOut(sessionID, e)
	h.logger.Debug("session revoked", "sid", sessionID)
	return nil
}

// Len returns the number of tracked session ids.
func (h *SessionHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *SessionHub) expire(sessionID string, e *hubEntry, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.entries[sessionID] != e || e.gen != gen || !e.live {
		return
	}
	e.timer = nil
	h.signOut(sessionID, e)
	h.logger.Debug("session expired", "sid", sessionID)
}

// signOut and the helpers below run with h.mu held.
func (h *SessionHub) signOut(sessionID string, e *hubEntry) {
	e.stopTimer()
	e.gen++
	e.live = false
	e.src.SignOut()
	h.evictIdle(sessionID, e)
}

func (h *SessionHub) evictIdle(sessionID string, e *hubEntry) {
	if e.live || e.src.Listeners() > 0 {
		return
	}
	if h.entries[sessionID] == e {
		delete(h.entries, sessionID)
	}
}

func (h *SessionHub) entry(sessionID string) *hubEntry {
	e, ok := h.entries[sessionID]
	if !ok {
		e = &hubEntry{src: NewMemoryIdentitySource(nil).WithClock(h.now)}
		h.entries[sessionID] = e
	}
	return e
}

// hubSource resolves its entry on use so that looking up an unknown session
// id does not track it.
type hubSource struct {
	hub       *SessionHub
	sessionID string
}

func (s *hubSource) CurrentSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.hub.mu.Lock()
	e, ok := s.hub.entries[s.sessionID]
	s.hub.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return e.src.CurrentSession(ctx)
}

func (s *hubSource) Subscribe(listener Listener) (CancelFunc, error) {
	h := s.hub

	h.mu.Lock()
	e := h.entry(s.sessionID)
	cancel, err := e.src.Subscribe(listener)
	if err != nil {
		h.evictIdle(s.sessionID, e)
		h.mu.Unlock()
		return nil, err
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			h.mu.Lock()
			h.evictIdle(s.sessionID, e)
			h.mu.Unlock()
		})
	}, nil
}
