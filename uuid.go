package ble

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseUUID is the Bluetooth SIG base UUID. A 128-bit UUID matching
// this pattern in every field but the first 32 bits is the canonical
// expansion of a 16- or 32-bit short-form UUID.
var bluetoothBaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// UUIDWidth is the bit width a BluetoothUUID was constructed or parsed with.
type UUIDWidth int

const (
	UUIDWidth16  UUIDWidth = 16
	UUIDWidth32  UUIDWidth = 32
	UUIDWidth128 UUIDWidth = 128
)

// UUID is a Bluetooth attribute UUID: a tagged union over the 16-bit,
// 32-bit, and 128-bit representations defined by the Bluetooth
// specification. The zero value is not a valid UUID.
type UUID struct {
	width UUIDWidth
	short uint32 // valid bits depend on width for UUIDWidth16/32
	full  uuid.UUID
}

// NewUUID16 constructs a UUID from its 16-bit short form.
func NewUUID16(v uint16) UUID {
	return UUID{width: UUIDWidth16, short: uint32(v), full: expandShort(uint32(v))}
}

// NewUUID32 constructs a UUID from its 32-bit short form.
func NewUUID32(v uint32) UUID {
	return UUID{width: UUIDWidth32, short: v, full: expandShort(v)}
}

// NewUUID128 constructs a UUID from a full 128-bit value. If the value
// matches the Bluetooth base UUID pattern, the returned UUID retains the
// 128-bit width: callers that want the short form must use ParseUUID on the
// canonical dashed string instead, per spec.md's invariant that width is
// compared structurally.
func NewUUID128(v uuid.UUID) UUID {
	return UUID{width: UUIDWidth128, full: v}
}

func expandShort(v uint32) uuid.UUID {
	out := bluetoothBaseUUID
	out[0] = byte(v >> 24)
	out[1] = byte(v >> 16)
	out[2] = byte(v >> 8)
	out[3] = byte(v)
	return out
}

// isBaseUUID reports whether u, read as a 128-bit value, matches the
// Bluetooth base UUID pattern outside of the first 32 bits.
func isBaseUUID(u uuid.UUID) bool {
	for i := 4; i < 16; i++ {
		if u[i] != bluetoothBaseUUID[i] {
			return false
		}
	}
	return true
}

// ParseUUID parses a UUID in any of its canonical textual forms: 4 hex
// digits (16-bit), 8 hex digits (32-bit), or RFC-4122 dashed form
// (128-bit). A short form is only ever produced by parsing 4- or 8-digit
// input directly — 128-bit input that happens to match the base UUID
// pattern parses as a 128-bit UUID, per spec.md's width invariant.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return UUID{}, fmt.Errorf("ble: invalid 16-bit UUID %q: %w", s, err)
		}
		return NewUUID16(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return UUID{}, fmt.Errorf("ble: invalid 32-bit UUID %q: %w", s, err)
		}
		return NewUUID32(uint32(v)), nil
	default:
		full, err := uuid.Parse(s)
		if err != nil {
			return UUID{}, fmt.Errorf("ble: invalid UUID %q: %w", s, err)
		}
		return NewUUID128(full), nil
	}
}

// Width reports the bit width the UUID was constructed or parsed with.
func (u UUID) Width() UUIDWidth { return u.width }

// Full returns the 128-bit expansion of u, whatever its constructed width.
func (u UUID) Full() uuid.UUID { return u.full }

// String renders the canonical textual form for u's width: 4 hex digits,
// 8 hex digits, or RFC-4122 dashed form.
func (u UUID) String() string {
	switch u.width {
	case UUIDWidth16:
		return fmt.Sprintf("%04x", uint16(u.short))
	case UUIDWidth32:
		return fmt.Sprintf("%08x", u.short)
	default:
		return u.full.String()
	}
}

// Equal compares two UUIDs structurally: widths are compared as-constructed,
// so a 16-bit UUID and the 128-bit UUID that is its canonical expansion are
// NOT equal under Equal, matching spec.md's "widths compared structurally"
// invariant. Use EqualValue to compare by expanded 128-bit identity.
func (u UUID) Equal(o UUID) bool {
	if u.width != o.width {
		return false
	}
	if u.width == UUIDWidth128 {
		return u.full == o.full
	}
	return u.short == o.short
}

// EqualValue compares two UUIDs by their 128-bit expansion, ignoring width.
func (u UUID) EqualValue(o UUID) bool {
	return u.full == o.full
}

// IsZero reports whether u is the zero value (never produced by New*/Parse*).
func (u UUID) IsZero() bool {
	return u.width == 0 && u.short == 0 && u.full == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler.
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UUID) UnmarshalText(text []byte) error {
	parsed, err := ParseUUID(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
