package ble

import (
	"fmt"
	"strings"
	"sync"
)

// DeviceID is an opaque, stable identity for a Peripheral or Central. It has
// two backend-assigned subforms: "uuid:<rfc4122>" (CoreBluetooth platform
// identity) and "addr:<AA:BB:CC:DD:EE:FF>" (BlueZ address).
type DeviceID string

// NewDeviceIDFromUUID builds the CoreBluetooth-style DeviceID subform.
func NewDeviceIDFromUUID(u string) DeviceID {
	return DeviceID("uuid:" + u)
}

// NewDeviceIDFromAddress builds the BlueZ-style DeviceID subform.
func NewDeviceIDFromAddress(a Address) DeviceID {
	return DeviceID("addr:" + a.String())
}

// Address extracts the Address from an "addr:" DeviceID, if that's the
// subform in use.
func (id DeviceID) Address() (Address, bool) {
	s := string(id)
	if !strings.HasPrefix(s, "addr:") {
		return Address{}, false
	}
	a, err := ParseAddress(strings.TrimPrefix(s, "addr:"))
	if err != nil {
		return Address{}, false
	}
	return a, true
}

// deviceIdentity holds the mutable name shared by Peripheral and Central:
// IDs are stable for the session, names are mutable, and handles handed to
// callers are cheap clones referring back by ID.
type deviceIdentity struct {
	id   DeviceID
	mu   sync.RWMutex
	name string
}

func newDeviceIdentity(id DeviceID, name string) *deviceIdentity {
	return &deviceIdentity{id: id, name: name}
}

func (d *deviceIdentity) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *deviceIdentity) SetName(name string) {
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
}

// Peripheral is a remote GATT server discovered or connected by a
// CentralManager. Peripheral values are cheap clones referring back to the
// discovering manager by DeviceID; the manager owns the authoritative state.
type Peripheral struct {
	identity *deviceIdentity
}

// NewPeripheral constructs a Peripheral handle. Backend packages use this to
// hand out handles to callers; application code never constructs one
// directly.
func NewPeripheral(id DeviceID, name string) Peripheral {
	return Peripheral{identity: newDeviceIdentity(id, name)}
}

func (p Peripheral) ID() DeviceID        { return p.identity.id }
func (p Peripheral) Name() string        { return p.identity.Name() }
func (p Peripheral) SetName(name string) { p.identity.SetName(name) }

func (p Peripheral) String() string {
	return fmt.Sprintf("Peripheral(%s, %q)", p.identity.id, p.Name())
}

// Central is a remote GATT client connected to a PeripheralManager's local
// GATT server.
type Central struct {
	identity *deviceIdentity
}

// NewCentral constructs a Central handle.
func NewCentral(id DeviceID, name string) Central {
	return Central{identity: newDeviceIdentity(id, name)}
}

func (c Central) ID() DeviceID        { return c.identity.id }
func (c Central) Name() string        { return c.identity.Name() }
func (c Central) SetName(name string) { c.identity.SetName(name) }

func (c Central) String() string {
	return fmt.Sprintf("Central(%s, %q)", c.identity.id, c.Name())
}
