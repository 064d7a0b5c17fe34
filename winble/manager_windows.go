//go:build windows

package winble

import (
	"fmt"
	"sync"

	"github.com/saltosystems/winrt-go"
)

var roInitOnce sync.Once
var roInitErr error

// New constructs a CentralManager and its companion PeripheralManager,
// initializing the WinRT apartment once per process, per spec.md §4.10's
// adapter-construction note applied to this backend.
func New(cfg Config) (*CentralManager, *PeripheralManager, error) {
	roInitOnce.Do(func() {
		roInitErr = winrt.RoInitialize(1) // COINIT_APARTMENTTHREADED
	})
	if roInitErr != nil {
		return nil, nil, fmt.Errorf("winble: RoInitialize: %w", roInitErr)
	}

	central := &CentralManager{
		session: newCentralSession(),
		cfg:     cfg,
	}
	peripheral := &PeripheralManager{cfg: cfg}
	return central, peripheral, nil
}
