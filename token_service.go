package guard

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// SessionClaims is the JWT payload behind a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Attributes map[string]any `json:"attr,omitempty"`
}

// TokenService issues and validates signed session tokens.
type TokenService struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	logger     Logger
	now        func() time.Time
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, ttl time.Duration, issuer string, audience jwt.ClaimStrings, logger Logger) *TokenService {
	return &TokenService{
		signingKey: signingKey,
		ttl:        ttl,
		issuer:     issuer,
		audience:   audience,
		logger:     normalizeLogger(logger),
		now:        time.Now,
	}
}

// WithClock sets the clock used to stamp and check tokens.
func (ts *TokenService) WithClock(now func() time.Time) *TokenService {
	if now != nil {
		ts.now = now
	}
	return ts
}

// Issue signs a token for identity and returns it with the session it encodes.
func (ts *TokenService) Issue(identity Identity) (string, *Session, error) {
	if identity.SubjectID == "" {
		return "", nil, errors.New("identity subject is required", errors.CategoryBadInput)
	}

	now := ts.now().Truncate(time.Second)
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   ts.issuer,
			Subject:  identity.SubjectID,
			Audience: ts.audience,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Attributes: identity.Attributes,
	}
	if ts.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ts.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.CategoryInternal, "failed to sign session token")
	}

	return signed, claims.session(), nil
}

// Validate parses and verifies a token, returning the session it encodes.
func (ts *TokenService) Validate(tokenString string) (*Session, error) {
	parserOptions := []jwt.ParserOption{jwt.WithTimeFunc(ts.now)}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("TokenService validate encountered unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, withCause(ErrTokenExpired, err, nil)
		}
		return nil, withCause(ErrTokenMalformed, err, nil)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed.Clone()
	}

	return claims.session(), nil
}

func (c *SessionClaims) session() *Session {
	s := &Session{
		Identity: Identity{SubjectID: c.Subject},
		TokenID:  c.ID,
	}
	if len(c.Attributes) > 0 {
		s.Identity.Attributes = make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			s.Identity.Attributes[k] = v
		}
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}
