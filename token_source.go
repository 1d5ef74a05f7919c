package guard

import (
	"context"
	"sync"
	"time"
)

// TokenIdentitySource derives the session from a bearer token. Setting a
// token signs in (or refreshes), clearing it signs out, and the session
// signs itself out when the token expires.
type TokenIdentitySource struct {
	validator TokenValidator
	memory    *MemoryIdentitySource
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	tokenID string
	timer   *time.Timer
	closed  bool
}

// NewTokenIdentitySource returns a signed out source validating tokens with
// validator.
func NewTokenIdentitySource(validator TokenValidator, logger Logger) *TokenIdentitySource {
	return &TokenIdentitySource{
		validator: validator,
		memory:    NewMemoryIdentitySource(nil),
		logger:    normalizeLogger(logger),
		now:       time.Now,
	}
}

// WithClock sets the clock used for expiry checks.
func (s *TokenIdentitySource) WithClock(now func() time.Time) *TokenIdentitySource {
	if now != nil {
		s.now = now
		s.memory.WithClock(now)
	}
	return s
}

// CurrentSession implements IdentitySource.
func (s *TokenIdentitySource) CurrentSession(ctx context.Context) (*Session, error) {
	session, err := s.memory.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if session != nil && session.Expired(s.now()) {
		return nil, nil
	}
	return session, nil
}

// Subscribe implements IdentitySource.
func (s *TokenIdentitySource) Subscribe(listener Listener) (CancelFunc, error) {
	return s.memory.Subscribe(listener)
}

// SetToken validates token and publishes its session. An invalid or expired
// token signs the client out and the error is returned.
func (s *TokenIdentitySource) SetToken(token string) error {
	if s.validator == nil {
		return ErrTokenMalformed.Clone()
	}

	session, err := s.validator.Validate(token)
	if err == nil && session.Expired(s.now()) {
		err = withCause(ErrTokenExpired, nil, map[string]any{"sid": session.TokenID})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrGuardClosed
	}

	s.stopTimer()
	if err != nil {
		s.logger.Info("rejected session token", "error", err)
		s.tokenID = ""
		s.memory.SignOut()
		return err
	}

	s.tokenID = session.TokenID
	if !session.ExpiresAt.IsZero() {
		tokenID := session.TokenID
		s.timer = time.AfterFunc(session.ExpiresAt.Sub(s.now()), func() {
			s.expire(tokenID)
		})
	}
	s.memory.Set(session)
	return nil
}

// Clear signs the client out.
func (s *TokenIdentitySource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimer()
	s.tokenID = ""
	s.memory.SignOut()
}

// Close stops the expiry timer. The source keeps its last session.
func (s *TokenIdentitySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimer()
	return nil
}

func (s *TokenIdentitySource) expire(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.tokenID != tokenID {
		return
	}
	s.logger.Debug("session token expired", "sid", tokenID)
	s.tokenID = ""
	s.timer = nil
	s.memory.SignOut()
}

func (s *TokenIdentitySource) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
