package guard

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeIdentityTransport  = "IDENTITY_TRANSPORT_ERROR"
	TextCodeRoleLookup         = "ROLE_LOOKUP_ERROR"
	TextCodeRoleNotHeld        = "ROLE_NOT_HELD"
	TextCodeRoleNotFound       = "ROLE_NOT_FOUND"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeTokenMalformed     = "TOKEN_MALFORMED"
	TextCodeGuardMisconfigured = "GUARD_MISCONFIGURED"
	TextCodeGuardClosed        = "GUARD_CLOSED"
)

// ErrIdentityTransport is reported when the identity service cannot be
// reached. The guard resolves it to Unauthenticated.
var ErrIdentityTransport = goerrors.New("identity service unavailable", goerrors.CategoryAuth).
	WithTextCode(TextCodeIdentityTransport).
	WithCode(goerrors.CodeUnauthorized)

// ErrRoleLookup is reported when a role query fails. The guard resolves it
// to Forbidden.
var ErrRoleLookup = goerrors.New("role lookup failed", goerrors.CategoryAuthz).
	WithTextCode(TextCodeRoleLookup).
	WithCode(goerrors.CodeForbidden)

// ErrRoleNotHeld is the diagnostic for a lookup that answered "no". It is a
// normal outcome, not a failure.
var ErrRoleNotHeld = goerrors.New("role not held", goerrors.CategoryAuthz).
	WithTextCode(TextCodeRoleNotHeld).
	WithCode(goerrors.CodeForbidden)

// ErrRoleNotFound is returned by landing resolution when a signed in subject
// has no known role.
var ErrRoleNotFound = goerrors.New("role not found, please contact support", goerrors.CategoryAuthz).
	WithTextCode(TextCodeRoleNotFound).
	WithCode(goerrors.CodeForbidden)

// ErrTokenExpired is returned for session tokens past their expiry.
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenMalformed is returned for session tokens that fail to parse or verify.
var ErrTokenMalformed = goerrors.New("token is malformed", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(goerrors.CodeUnauthorized)

// ErrIdentitySourceRequired is returned when a guard is built without a source.
var ErrIdentitySourceRequired = goerrors.New("identity source is required", goerrors.CategoryBadInput).
	WithTextCode(TextCodeGuardMisconfigured)

// ErrRoleResolverRequired is returned when a role is required but nothing can
// resolve it.
var ErrRoleResolverRequired = goerrors.New("role resolver is required when a role is required", goerrors.CategoryBadInput).
	WithTextCode(TextCodeGuardMisconfigured)

// ErrUnknownRole is returned for role names outside the predefined set.
var ErrUnknownRole = goerrors.New("unknown role", goerrors.CategoryValidation).
	WithTextCode(TextCodeGuardMisconfigured).
	WithCode(goerrors.CodeBadRequest)

// ErrNilListener is returned by Subscribe for a nil listener.
var ErrNilListener = goerrors.New("listener must not be nil", goerrors.CategoryBadInput)

// ErrGuardClosed is returned when a guard is used after Close.
var ErrGuardClosed = goerrors.New("access guard closed", goerrors.CategoryOperation).
	WithTextCode(TextCodeGuardClosed)

// ErrGuardStarted is returned when Start is called twice.
var ErrGuardStarted = goerrors.New("access guard already started", goerrors.CategoryOperation)

// IsIdentityTransportError reports whether err came from an unreachable
// identity service.
func IsIdentityTransportError(err error) bool {
	return hasTextCode(err, TextCodeIdentityTransport)
}

// IsRoleLookupError reports whether err is a failed role lookup.
func IsRoleLookupError(err error) bool {
	return hasTextCode(err, TextCodeRoleLookup)
}

// IsRoleNotHeld reports whether err is the "role not held" diagnostic.
func IsRoleNotHeld(err error) bool {
	return hasTextCode(err, TextCodeRoleNotHeld)
}

// IsRoleNotFound reports whether err means the subject holds no known role.
func IsRoleNotFound(err error) bool {
	return hasTextCode(err, TextCodeRoleNotFound)
}

// IsTokenExpiredError reports whether err is an expired session token.
func IsTokenExpiredError(err error) bool {
	return hasTextCode(err, TextCodeTokenExpired)
}

// IsTokenMalformedError reports whether err is a token that failed to parse
// or verify.
func IsTokenMalformedError(err error) bool {
	return hasTextCode(err, TextCodeTokenMalformed)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// withCause returns a copy of base carrying cause and meta.
func withCause(base *goerrors.Error, cause error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		return base
	}
	if cause != nil {
		clone.Source = cause
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}
