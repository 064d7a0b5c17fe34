//go:build windows

package winble

import (
	"testing"

	"github.com/stretchr/testify/require"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

func TestAddressUint64RoundTrip(t *testing.T) {
	addr, err := ble.ParseAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	v := addressToUint64(addr)
	require.Equal(t, addr, addressFromUint64(v))
}

func TestAddressFromUint64LittleEndianByteOrder(t *testing.T) {
	addr := addressFromUint64(0x01020304_0506)
	require.Equal(t, ble.Address{0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, addr)
}
