package ble

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUUIDRoundTrip16(t *testing.T) {
	u := NewUUID16(0x180D)
	parsed, err := ParseUUID(u.String())
	require.NoError(t, err)
	require.True(t, u.Equal(parsed))
	require.Equal(t, "180d", u.String())
}

func TestUUIDRoundTrip32(t *testing.T) {
	u := NewUUID32(0x12345678)
	parsed, err := ParseUUID(u.String())
	require.NoError(t, err)
	require.True(t, u.Equal(parsed))
	require.Equal(t, "12345678", u.String())
}

func TestUUIDRoundTrip128(t *testing.T) {
	u, err := ParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)
	parsed, err := ParseUUID(u.String())
	require.NoError(t, err)
	require.True(t, u.Equal(parsed))
}

func TestUUIDShortFormOnlyFromBaseUUIDPattern(t *testing.T) {
	// A 128-bit string matching the Bluetooth base UUID pattern still
	// parses as a 128-bit UUID: spec.md's width invariant says short forms
	// are only ever produced by parsing short-form input directly.
	full, err := ParseUUID("0000180d-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	require.Equal(t, UUIDWidth128, full.Width())

	short := NewUUID16(0x180D)
	require.Equal(t, UUIDWidth16, short.Width())

	// Structural equality: different widths never compare equal via Equal,
	// even though they expand to the same 128-bit value.
	require.False(t, short.Equal(full))
	require.True(t, short.EqualValue(full))
}

func TestUUIDInvalidWidthFails(t *testing.T) {
	_, err := ParseUUID("12345")
	require.Error(t, err)
}
