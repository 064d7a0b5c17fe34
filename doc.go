// Package ble is a cross-platform host-side Bluetooth Low Energy API
// covering both the Central and Peripheral roles of the Bluetooth 4.x+
// GATT protocol.
//
// It exposes a single portable surface — CentralManager, PeripheralManager,
// PeripheralConnection, a GATT server, L2CAP channels, and a pairing agent —
// above platform-native host stacks:
//
//   - Linux: BlueZ over D-Bus, in package bluez
//   - macOS/iOS: CoreBluetooth, in package corebluetooth
//   - Windows: WinRT, in package winble (in-principle backend)
//
// Callers obtain a CentralManager or PeripheralManager through a backend
// package's constructor; the rest of the API is backend-independent.
package ble
