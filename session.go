package guard

import (
	"fmt"
	"time"
)

// Identity is the authenticated subject behind a session. The guard only
// reads it.
type Identity struct {
	SubjectID  string         `json:"subject_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Email returns the email attribute, if any.
func (i Identity) Email() string {
	if v, ok := i.Attributes["email"].(string); ok {
		return v
	}
	return ""
}

// Attribute returns a profile attribute.
func (i Identity) Attribute(key string) (any, bool) {
	if i.Attributes == nil {
		return nil, false
	}
	v, ok := i.Attributes[key]
	return v, ok
}

// Session is a time bounded credential bound to one Identity. A nil *Session
// means there is no session.
type Session struct {
	Identity  Identity  `json:"identity"`
	TokenID   string    `json:"token_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// SubjectID is nil safe.
func (s *Session) SubjectID() string {
	if s == nil {
		return ""
	}
	return s.Identity.SubjectID
}

// Expired reports whether the session is unusable at now. A nil session is
// always expired, a zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Clone returns a copy that does not share the attribute map.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Identity.Attributes != nil {
		out.Identity.Attributes = make(map[string]any, len(s.Identity.Attributes))
		for k, v := range s.Identity.Attributes {
			out.Identity.Attributes[k] = v
		}
	}
	return &out
}

func (s *Session) String() string {
	if s == nil {
		return "<no session>"
	}
	exp := "never"
	if !s.ExpiresAt.IsZero() {
		exp = s.ExpiresAt.Format(time.RFC3339)
	}
	return fmt.Sprintf("subject=%s sid=%s exp=%s", s.Identity.SubjectID, s.TokenID, exp)
}
