package portal

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeEmptyPassword      = "EMPTY_PASSWORD"
	TextCodeInvalidPayload     = "INVALID_PAYLOAD"
)

// ErrInvalidCredentials hides whether the email or the password was wrong.
var ErrInvalidCredentials = goerrors.New("invalid login credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

var ErrEmptyPassword = goerrors.New("password must not be empty", goerrors.CategoryValidation).
	WithTextCode(TextCodeEmptyPassword).
	WithCode(goerrors.CodeBadRequest)

// IsInvalidCredentials reports whether err is a failed credential check.
func IsInvalidCredentials(err error) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == TextCodeInvalidCredentials
	}
	return false
}

func invalidPayload(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, message).
		WithTextCode(TextCodeInvalidPayload).
		WithCode(goerrors.CodeBadRequest)
}
