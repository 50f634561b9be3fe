package errclass_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trctl/trmv/pkg/errclass"
)

func TestTrmvError_Error(t *testing.T) {
	err := errclass.ErrInsufficientSpace.WithMessage("need 10GiB, have 2GiB")
	assert.Equal(t, "E_INSUFFICIENT_SPACE: need 10GiB, have 2GiB", err.Error())
	assert.Equal(t, "E_ALREADY_MOVED", errclass.ErrAlreadyMoved.Error())
}

func TestTrmvError_Is(t *testing.T) {
	err := errclass.ErrLockFailed.WithMessagef("flock %s", "/run/lock/trmv/dev-803.lock")
	require.True(t, errors.Is(err, errclass.ErrLockFailed))
	require.False(t, errors.Is(err, errclass.ErrMarker))

	wrapped := fmt.Errorf("acquire: %w", err)
	require.True(t, errors.Is(wrapped, errclass.ErrLockFailed))
	require.False(t, errors.Is(err, errors.New("E_LOCK_FAILED")))
}

func TestTrmvError_WithMessageKeepsBase(t *testing.T) {
	err := errclass.ErrDataMissing.WithMessage("gone")
	assert.Empty(t, errclass.ErrDataMissing.Message)
	assert.Equal(t, "gone", err.Message)
}

func TestExpected(t *testing.T) {
	assert.True(t, errclass.Expected(errclass.ErrAlreadyMoved))
	assert.True(t, errclass.Expected(fmt.Errorf("admission: %w", errclass.ErrInsufficientSpace.WithMessage("x"))))
	assert.False(t, errclass.Expected(errclass.ErrRemoteSyncTimeout))
	assert.False(t, errclass.Expected(errors.New("boom")))
	assert.False(t, errclass.Expected(nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, errclass.ExitOK},
		{errclass.ErrAlreadyMoved, errclass.ExitAlreadyMoved},
		{fmt.Errorf("x: %w", errclass.ErrInsufficientSpace), errclass.ExitInsufficientSpace},
		{errclass.ErrRemoteSyncTimeout.WithMessage("set-location"), errclass.ExitRemoteSyncTimeout},
		{errclass.ErrTransferFailed, errclass.ExitFatal},
		{errors.New("boom"), errclass.ExitFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errclass.ExitCode(tt.err), "%v", tt.err)
	}
}

func TestFromExitCode(t *testing.T) {
	assert.NoError(t, errclass.FromExitCode(0))
	assert.ErrorIs(t, errclass.FromExitCode(2), errclass.ErrAlreadyMoved)
	assert.ErrorIs(t, errclass.FromExitCode(3), errclass.ErrInsufficientSpace)
	assert.ErrorIs(t, errclass.FromExitCode(4), errclass.ErrRemoteSyncTimeout)
	err := errclass.FromExitCode(1)
	require.Error(t, err)
	assert.Equal(t, errclass.ExitFatal, errclass.ExitCode(err))
}
