package casbinrole

import (
	"errors"
	"testing"

	guard "github.com/goliatone/go-auth-guard"
	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforcerErrorIsRichError(t *testing.T) {
	cause := errors.New("adapter unavailable")

	err := enforcerError(cause, "failed to assign casbin role", "u1", guard.RoleAdmin)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, goerrors.CategoryInternal, richErr.Category)
	assert.Equal(t, "failed to assign casbin role", richErr.Message)
	assert.Equal(t, "u1", richErr.Metadata["subject"])
	assert.Equal(t, "admin", richErr.Metadata["role"])
	assert.ErrorIs(t, err, cause)

	err = enforcerError(cause, "failed to list casbin roles", "u1", guard.RoleNone)
	require.True(t, goerrors.As(err, &richErr))
	assert.NotContains(t, richErr.Metadata, "role")
}
