package guard

import (
	"context"
	"sync"
	"time"
)

// MemoryIdentitySource is an in-process IdentitySource. Changes made through
// Set and SignOut reach every listener in the order they were made.
type MemoryIdentitySource struct {
	// dispatch serializes a change together with its notification
	dispatch sync.Mutex

	mu       sync.RWMutex
	session  *Session
	failure  error
	regs     map[uint64]*registration
	nextID   uint64
	disabled bool
	now      func() time.Time
}

type registration struct {
	mu       sync.Mutex
	active   bool
	listener Listener
}

func (r *registration) deliver(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.listener(session.Clone())
}

func (r *registration) cancel() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// NewMemoryIdentitySource returns a source holding session (nil for signed out).
func NewMemoryIdentitySource(session *Session) *MemoryIdentitySource {
	return &MemoryIdentitySource{
		session: session.Clone(),
		regs:    make(map[uint64]*registration),
		now:     time.Now,
	}
}

// WithClock sets the clock CurrentSession checks expiry against.
func (m *MemoryIdentitySource) WithClock(now func() time.Time) *MemoryIdentitySource {
	if now != nil {
		m.mu.Lock()
		m.now = now
		m.mu.Unlock()
	}
	return m
}

// CurrentSession implements IdentitySource. An expired session reads as
// signed out.
func (m *MemoryIdentitySource) CurrentSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	if m.session == nil || m.session.Expired(m.now()) {
		return nil, nil
	}
	return m.session.Clone(), nil
}

// Subscribe implements IdentitySource.
func (m *MemoryIdentitySource) Subscribe(listener Listener) (CancelFunc, error) {
	if listener == nil {
		return nil, ErrNilListener
	}

	m.mu.Lock()
	if m.disabled {
		err := m.failure
		m.mu.Unlock()
		return nil, withCause(ErrIdentityTransport, err, nil)
	}
	id := m.nextID
	m.nextID++
	reg := &registration{active: true, listener: listener}
	m.regs[id] = reg
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.regs, id)
			m.mu.Unlock()
			reg.cancel()
		})
	}, nil
}

// Set replaces the current session and notifies listeners. A nil session
// signs the client out.
func (m *MemoryIdentitySource) Set(session *Session) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	m.session = session.Clone()
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		reg.deliver(session)
	}
}

// SignOut clears the session.
func (m *MemoryIdentitySource) SignOut() {
	m.Set(nil)
}

// SetFailure makes CurrentSession fail with err until cleared with nil.
// When unsubscribable is true Subscribe fails as well.
func (m *MemoryIdentitySource) SetFailure(err error, unsubscribable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
	m.disabled = err != nil && unsubscribable
}

// Listeners returns the number of active subscriptions.
func (m *MemoryIdentitySource) Listeners() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regs)
}
