//go:build linux

// Package bluez implements the BlueZ D-Bus + raw L2CAP backend: the
// CentralManager/PeripheralManager pair described in spec.md §§4.3-4.9,
// driven by a single-goroutine actor client and a shared gatt.Server.
package bluez

import (
	"os"
	"strconv"
	"strings"
)

// AgentCapability selects the IO capability org.bluez.Agent1 advertises,
// per spec.md §4.8.
type AgentCapability string

const (
	CapabilityDisplayOnly     AgentCapability = "DisplayOnly"
	CapabilityDisplayYesNo    AgentCapability = "DisplayYesNo"
	CapabilityKeyboardOnly    AgentCapability = "KeyboardOnly"
	CapabilityNoInputNoOutput AgentCapability = "NoInputNoOutput"
	CapabilityKeyboardDisplay AgentCapability = "KeyboardDisplay"
	CapabilityExternal        AgentCapability = "External"
)

// Config is the process-wide, once-loaded configuration struct replacing
// the teacher's scattered os.Getenv calls, per SPEC_FULL.md's C15.
type Config struct {
	// AdapterPath is the full D-Bus object path of the adapter to use
	// (e.g. "/org/bluez/hci0"). A constructor-supplied value always wins
	// over BLUETOOTH_BLUEZ_ADAPTER, which only supplies this field's
	// default when unset.
	AdapterPath string

	// Verbose gates per-operation lifecycle logging through logrus.
	Verbose bool

	AgentCapability AgentCapability
	AgentPIN        string
	AgentPasskey    uint32
	AgentAutoAccept bool
}

// LoadConfig reads Config from the environment per spec.md §6. Unknown
// BLUETOOTH_BLUEZ_AGENT_CAPABILITY values fall back to NoInputNoOutput.
func LoadConfig() Config {
	cfg := Config{
		AdapterPath:     adapterPath(os.Getenv("BLUETOOTH_BLUEZ_ADAPTER")),
		Verbose:         os.Getenv("BLUETOOTH_BLUEZ_VERBOSE") == "1",
		AgentCapability: parseCapability(os.Getenv("BLUETOOTH_BLUEZ_AGENT_CAPABILITY")),
		AgentPIN:        os.Getenv("BLUETOOTH_BLUEZ_AGENT_PIN"),
		AgentAutoAccept: true,
	}

	if v := os.Getenv("BLUETOOTH_BLUEZ_AGENT_PASSKEY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n <= 999999 {
			cfg.AgentPasskey = uint32(n)
		}
	}

	if v, ok := os.LookupEnv("BLUETOOTH_BLUEZ_AGENT_AUTO_ACCEPT"); ok {
		cfg.AgentAutoAccept = isTruthy(v)
	}

	return cfg
}

func adapterPath(raw string) string {
	if raw == "" {
		raw = "hci0"
	}
	if strings.HasPrefix(raw, "/org/bluez/") {
		return raw
	}
	return "/org/bluez/" + raw
}

func parseCapability(raw string) AgentCapability {
	switch AgentCapability(raw) {
	case CapabilityDisplayOnly, CapabilityDisplayYesNo, CapabilityKeyboardOnly,
		CapabilityNoInputNoOutput, CapabilityKeyboardDisplay, CapabilityExternal:
		return AgentCapability(raw)
	default:
		return CapabilityNoInputNoOutput
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
