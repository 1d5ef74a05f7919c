// Package redissource shares sessions across processes through Redis. The
// session lives under a key and every change is broadcast on a pub/sub
// channel, so a sign out in one process reaches guards in all of them.
package redissource

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "guard:session:"

type payload struct {
	Session *guard.Session `json:"session"`
}

// Store implements guard.SessionStore on Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger guard.Logger
	now    func() time.Time
}

var _ guard.SessionStore = (*Store)(nil)

// New creates a store. An empty prefix uses DefaultPrefix.
func New(client *redis.Client, prefix string, logger guard.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *Store) channel(sessionID string) string {
	return s.prefix + "events:" + sessionID
}

// Publish stores session and notifies subscribers. A nil or already expired
// session revokes.
func (s *Store) Publish(ctx context.Context, sessionID string, session *guard.Session) error {
	if session == nil || session.Expired(s.now()) {
		return s.Revoke(ctx, sessionID)
	}

	raw, err := json.Marshal(payload{Session: session})
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = session.ExpiresAt.Sub(s.now())
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(sessionID), raw, ttl)
	pipe.Publish(ctx, s.channel(sessionID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.logger.Debug("session published", "sid", sessionID, "subject", session.SubjectID())
	return nil
}

// Revoke deletes the session and notifies subscribers.
func (s *Store) Revoke(ctx context.Context, sessionID string) error {
	raw, err := json.Marshal(payload{})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.Publish(ctx, s.channel(sessionID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.logger.Debug("session revoked", "sid", sessionID)
	return nil
}

// Source returns the identity source for one session id.
func (s *Store) Source(sessionID string) guard.IdentitySource {
	return &source{store: s, sessionID: sessionID}
}

type source struct {
	store     *Store
	sessionID string
}

func (src *source) CurrentSession(ctx context.Context) (*guard.Session, error) {
	raw, err := src.store.client.Get(ctx, src.store.key(src.sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return src.store.decode(raw)
}

// Subscribe waits for Redis to confirm the subscription before returning, so
// nothing published afterwards is missed.
func (src *source) Subscribe(listener guard.Listener) (guard.CancelFunc, error) {
	if listener == nil {
		return nil, guard.ErrNilListener
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := src.store.client.Subscribe(ctx, src.store.channel(src.sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	// The key TTL lapses without a pub/sub message, so each subscription
	// times the current session out itself.
	current, err := src.CurrentSession(ctx)
	if err != nil {
		src.store.logger.Warn("could not read session for expiry, relying on events",
			"sid", src.sessionID,
			"error", err,
		)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		expiry := newExpiryTimer(src.store.now)
		defer expiry.stop()
		expiry.arm(current)

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-expiry.C():
				expiry.stop()
				src.store.logger.Debug("session expired", "sid", src.sessionID)
				if ctx.Err() != nil {
					return
				}
				listener(nil)
			case msg, ok := <-messages:
				if !ok {
					return
				}
				session, err := src.store.decode([]byte(msg.Payload))
				if err != nil {
					src.store.logger.Warn("dropping malformed session event, treating as signed out",
						"sid", src.sessionID,
						"error", err,
					)
				}
				expiry.arm(session)
				if ctx.Err() != nil {
					return
				}
				listener(session)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// expiryTimer fires when the watched session expires. It is owned by one
// subscription goroutine.
type expiryTimer struct {
	now   func() time.Time
	timer *time.Timer
}

func newExpiryTimer(now func() time.Time) *expiryTimer {
	return &expiryTimer{now: now}
}

// arm replaces any pending expiry with the one for session. A nil session or
// one without an expiry leaves the timer idle.
func (t *expiryTimer) arm(session *guard.Session) {
	t.stop()
	if session == nil || session.ExpiresAt.IsZero() {
		return
	}
	t.timer = time.NewTimer(session.ExpiresAt.Sub(t.now()))
}

func (t *expiryTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// C is nil while idle, which blocks forever in a select.
func (t *expiryTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (s *Store) decode(raw []byte) (*guard.Session, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Session == nil || p.Session.SubjectID() == "" || p.Session.Expired(s.now()) {
		return nil, nil
	}
	return p.Session, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
