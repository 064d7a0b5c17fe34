package ble

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 6-octet Bluetooth device address. Its canonical textual form
// is colon-separated uppercase hex, big-endian ("AA:BB:CC:DD:EE:FF"); the
// Linux wire form (used in L2CAP sockaddr_l2 structures) is little-endian.
// BlueZ device object paths use the textual octet order.
type Address [6]byte

// ParseAddress parses the colon-separated big-endian textual form. Input
// with any width other than six octets fails.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Address{}, fmt.Errorf("ble: address %q does not have six octets", s)
	}
	var a Address
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return Address{}, fmt.Errorf("ble: address %q has invalid octet %q", s, p)
		}
		a[i] = b[0]
	}
	return a, nil
}

// String renders the canonical colon-separated uppercase big-endian form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// WireBytes returns the little-endian byte order BlueZ and the L2CAP
// sockaddr_l2 struct expect on the wire.
func (a Address) WireBytes() [6]byte {
	return [6]byte{a[5], a[4], a[3], a[2], a[1], a[0]}
}

// AddressFromWireBytes constructs an Address from little-endian wire bytes.
func AddressFromWireBytes(b [6]byte) Address {
	return Address{b[5], b[4], b[3], b[2], b[1], b[0]}
}

// DevicePathSuffix returns the "dev_AA_BB_CC_DD_EE_FF" suffix BlueZ uses in
// device object paths.
func (a Address) DevicePathSuffix() string {
	return "dev_" + strings.ReplaceAll(a.String(), ":", "_")
}

// AddressFromDevicePathSuffix recovers an Address from a BlueZ device path
// suffix of the form "dev_AA_BB_CC_DD_EE_FF".
func AddressFromDevicePathSuffix(suffix string) (Address, error) {
	const prefix = "dev_"
	if !strings.HasPrefix(suffix, prefix) {
		return Address{}, fmt.Errorf("ble: %q is not a device path suffix", suffix)
	}
	return ParseAddress(strings.ReplaceAll(suffix[len(prefix):], "_", ":"))
}
