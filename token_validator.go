package guard

// TokenValidator turns a session token into a Session.
type TokenValidator interface {
	Validate(tokenString string) (*Session, error)
}

// TokenValidatorFunc adapts a function into a TokenValidator.
type TokenValidatorFunc func(tokenString string) (*Session, error)

func (f TokenValidatorFunc) Validate(tokenString string) (*Session, error) {
	if f == nil {
		return nil, ErrTokenMalformed.Clone()
	}
	return f(tokenString)
}

// KeyRing checks a token against the active signing key and then against
// retired keys, so sessions issued before a key rotation stay valid until
// they expire. Only a malformed result moves on to the next key; an expired
// token signed by a known key is rejected as expired.
type KeyRing struct {
	keys []TokenValidator
}

func NewKeyRing(validators ...TokenValidator) *KeyRing {
	ring := &KeyRing{}
	for _, v := range validators {
		if v != nil {
			ring.keys = append(ring.keys, v)
		}
	}
	return ring
}

// KeyRing returns a ring with ts as the active key followed by verify-only
// copies of ts for each retired key. Empty keys are skipped.
func (ts *TokenService) KeyRing(retired ...[]byte) *KeyRing {
	validators := []TokenValidator{ts}
	for _, key := range retired {
		if len(key) == 0 {
			continue
		}
		verifier := *ts
		verifier.signingKey = key
		validators = append(validators, &verifier)
	}
	return NewKeyRing(validators...)
}

func (r *KeyRing) Len() int {
	return len(r.keys)
}

func (r *KeyRing) Validate(tokenString string) (*Session, error) {
	err := error(ErrTokenMalformed.Clone())
	for _, key := range r.keys {
		var session *Session
		session, err = key.Validate(tokenString)
		switch {
		case err == nil:
			return session, nil
		case !IsTokenMalformedError(err):
			return nil, err
		}
	}
	return nil, err
}
