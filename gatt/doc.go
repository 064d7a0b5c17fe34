// Package gatt implements the backend-agnostic GATT server state machine:
// service/characteristic/descriptor registration, prepared-write queueing
// and execute-write commit, authorization gating, and notification
// subscription tracking described in spec.md §4.2. The bluez backend drives
// it from its D-Bus dispatch and exports its services as BlueZ GATT server
// objects; the corebluetooth and winble packages do not use it.
//
// The attribute graph is stored in arena-style maps keyed by
// backend-agnostic instance IDs rather than via owning back-pointers, per
// spec.md §9's "Cyclic graphs" design note — services, characteristics, and
// descriptors only ever reference each other by ID.
package gatt
