//go:build windows

// Package winble implements the Windows Runtime (WinRT) backend: the
// CentralManager half of spec.md §§4.3-4.9 driven by
// Windows.Devices.Bluetooth's advertisement watcher and GATT client APIs.
// The peripheral (local GATT server) and L2CAP surfaces are not backed by a
// stable public WinRT API and return Unimplemented; see DESIGN.md.
package winble

import "os"

// Config is winble's process-wide configuration, loaded once at startup,
// mirroring bluez.Config's approach to spec.md §6 on this backend.
type Config struct {
	// Verbose gates per-operation lifecycle logging through logrus.
	Verbose bool
}

// LoadConfig reads Config from the environment.
func LoadConfig() Config {
	return Config{
		Verbose: os.Getenv("BLUETOOTH_WINBLE_VERBOSE") == "1",
	}
}
