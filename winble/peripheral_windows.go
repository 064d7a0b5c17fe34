//go:build windows

package winble

import (
	"context"
	"sync"

	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/advertisement"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// PeripheralManager implements ble.PeripheralManager's advertising surface
// over BluetoothLEAdvertisementPublisher, per spec.md §4.10. A local GATT
// server (AddService/GATTRequests/UpdateValue) requires
// GattServiceProvider, a WinRT API the teacher's own Windows
// implementation never reaches either; see DESIGN.md for why it stays
// Unimplemented here rather than becoming an unrelated rewrite.
type PeripheralManager struct {
	cfg Config

	mu        sync.Mutex
	publisher *advertisement.BluetoothLEAdvertisementPublisher
}

func (m *PeripheralManager) StartAdvertising(ctx context.Context, adv ble.AdvertisementData, scanResponse *ble.AdvertisementData, params ble.AdvertisingParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publisher != nil {
		return ble.NewInvalidStateError("advertising is already running")
	}

	publisher, err := advertisement.NewBluetoothLEAdvertisementPublisher()
	if err != nil {
		return ble.NewNotReadyError("failed to create advertisement publisher")
	}
	payload, err := publisher.GetAdvertisement()
	if err != nil {
		return ble.NewNotReadyError("failed to access advertisement payload")
	}
	if adv.LocalName != nil {
		if err := payload.SetLocalName(*adv.LocalName); err != nil {
			return ble.NewNotReadyError("failed to set local name")
		}
	}
	if err := publisher.Start(); err != nil {
		return ble.NewNotReadyError("failed to start advertising")
	}
	m.publisher = publisher
	return nil
}

func (m *PeripheralManager) StopAdvertising(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publisher == nil {
		return nil
	}
	err := m.publisher.Stop()
	m.publisher = nil
	if err != nil {
		return ble.NewNotReadyError("failed to stop advertising")
	}
	return nil
}

func (m *PeripheralManager) AddService(ctx context.Context, def ble.GATTServiceDefinition) (ble.ServiceRegistration, error) {
	return nil, ble.NewUnimplementedError("local GATT server (requires GattServiceProvider)")
}

func (m *PeripheralManager) GATTRequests(ctx context.Context) (*ble.Stream[*ble.GATTServerRequest], error) {
	return nil, ble.NewUnimplementedError("local GATT server (requires GattServiceProvider)")
}

func (m *PeripheralManager) UpdateValue(ctx context.Context, characteristic ble.GATTCharacteristic, value []byte, kind ble.NotifyOrIndicate) error {
	return ble.NewUnimplementedError("local GATT server (requires GattServiceProvider)")
}

func (m *PeripheralManager) PublishL2CAPChannel(ctx context.Context, params ble.L2CAPChannelParameters) (ble.L2CAPRegistration, error) {
	return nil, ble.NewUnimplementedError("L2CAP channels")
}

func (m *PeripheralManager) IncomingL2CAPChannels(ctx context.Context, psm ble.PSM) (*ble.Stream[ble.L2CAPChannel], error) {
	return nil, ble.NewUnimplementedError("L2CAP channels")
}

func (m *PeripheralManager) ConnectionEvents(ctx context.Context) (*ble.Stream[ble.ConnectionEvent], error) {
	return nil, ble.NewUnimplementedError("local GATT server connection events (requires GattServiceProvider)")
}
