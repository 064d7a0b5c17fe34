package ble

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindSentinelMatching(t *testing.T) {
	err := NewServiceNotFoundError(NewUUID16(0x180D))
	require.True(t, errors.Is(err, ErrKind(ErrorKindServiceNotFound)))
	require.False(t, errors.Is(err, ErrKind(ErrorKindNotReady)))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial failed")
	err := NewConnectionFailedError("timeout", cause)
	require.ErrorIs(t, err, cause)
}

func TestATTErrorInvalidOffset(t *testing.T) {
	err := NewATTError(ATTErrorInvalidOffset)
	var ble *Error
	require.True(t, errors.As(err, &ble))
	require.Equal(t, ATTErrorInvalidOffset, ble.ATTCode)
}
