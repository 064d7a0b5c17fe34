//go:build darwin

package corebluetooth

import "os"

// Config is corebluetooth's process-wide configuration, loaded once at
// startup, mirroring bluez.Config's approach to spec.md §6 (SPEC_FULL.md
// C15) on this backend.
type Config struct {
	// Verbose gates per-operation lifecycle logging through logrus.
	Verbose bool
}

// LoadConfig reads Config from the environment.
func LoadConfig() Config {
	return Config{
		Verbose: os.Getenv("BLUETOOTH_COREBLUETOOTH_VERBOSE") == "1",
	}
}
