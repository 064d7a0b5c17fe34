package ble

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	a, err := ParseAddress("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	require.Equal(t, "AA:BB:CC:DD:EE:01", a.String())

	again, err := ParseAddress(a.String())
	require.NoError(t, err)
	require.Equal(t, a, again)
}

func TestAddressWireBytesReversed(t *testing.T) {
	a, err := ParseAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	wire := a.WireBytes()
	require.Equal(t, [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, wire)
	require.Equal(t, a, AddressFromWireBytes(wire))
}

func TestAddressInvalidWidthFails(t *testing.T) {
	_, err := ParseAddress("AA:BB:CC:DD:EE")
	require.Error(t, err)
}

func TestDevicePathSuffixRoundTrip(t *testing.T) {
	a, err := ParseAddress("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	suffix := a.DevicePathSuffix()
	require.Equal(t, "dev_AA_BB_CC_DD_EE_01", suffix)

	recovered, err := AddressFromDevicePathSuffix(suffix)
	require.NoError(t, err)
	require.Equal(t, a, recovered)
}
