//go:build windows

package winble

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saltosystems/winrt-go/windows/devices/bluetooth"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/advertisement"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// centralSession is the BluetoothLEAdvertisementWatcher-facing state shared
// by a single CentralManager, mirroring bluez.scanSession/corebluetooth's
// centralSession.
type centralSession struct {
	mu       sync.Mutex
	watcher  *advertisement.BluetoothLEAdvertisementWatcher
	producer *ble.StreamProducer[ble.ScanResult]
	filter   ble.ScanFilter
	params   ble.ScanParameters
	seen     map[ble.Address]bool

	devices map[ble.Address]*deviceSession
}

func newCentralSession() *centralSession {
	return &centralSession{devices: make(map[ble.Address]*deviceSession)}
}

// CentralManager implements ble.CentralManager over
// Windows.Devices.Bluetooth.Advertisement/BluetoothLEDevice, per spec.md
// §4.10. Pairing is a platform-UI-driven flow Windows exposes through
// DeviceInformationPairing's separate consent API, not an Agent1-style
// programmatic prompt surface, so PairingRequests/RemoveBond are
// Unimplemented here exactly as on corebluetooth.
type CentralManager struct {
	cfg     Config
	session *centralSession
	log     *logrus.Entry
}

func (m *CentralManager) logger() *logrus.Entry {
	if m.log == nil {
		m.log = logrus.WithField("component", "winble.central")
	}
	return m.log
}

// Scan implements ble.CentralManager.
func (m *CentralManager) Scan(ctx context.Context, filter ble.ScanFilter, params ble.ScanParameters) (*ble.Stream[ble.ScanResult], error) {
	m.session.mu.Lock()
	if m.session.watcher != nil {
		m.session.mu.Unlock()
		return nil, ble.NewInvalidStateError("a scan is already in progress")
	}
	m.session.mu.Unlock()

	watcher, err := advertisement.NewBluetoothLEAdvertisementWatcher()
	if err != nil {
		return nil, ble.NewNotReadyError("failed to create advertisement watcher")
	}
	if err := watcher.SetScanningMode(advertisement.BluetoothLEScanningModeActive); err != nil {
		return nil, ble.NewNotReadyError("failed to set scanning mode")
	}

	stream, producer := ble.NewStream[ble.ScanResult](16, func() {
		watcher.Stop()
		m.session.mu.Lock()
		m.session.watcher = nil
		m.session.producer = nil
		m.session.mu.Unlock()
	})

	m.session.mu.Lock()
	m.session.watcher = watcher
	m.session.producer = producer
	m.session.filter = filter
	m.session.params = params
	m.session.seen = make(map[ble.Address]bool)
	m.session.mu.Unlock()

	if _, err := watcher.AddReceived(func(_ *advertisement.BluetoothLEAdvertisementWatcher, args *advertisement.BluetoothLEAdvertisementReceivedEventArgs) {
		m.handleAdvertisement(args)
	}); err != nil {
		stream.Close()
		return nil, ble.NewNotReadyError("failed to subscribe to advertisement events")
	}

	if err := watcher.Start(); err != nil {
		stream.Close()
		return nil, ble.NewNotReadyError("failed to start scan")
	}

	if m.cfg.Verbose {
		m.logger().Info("scan started")
	}
	return stream, nil
}

func (m *CentralManager) handleAdvertisement(args *advertisement.BluetoothLEAdvertisementReceivedEventArgs) {
	rawAddr, err := args.GetBluetoothAddress()
	if err != nil {
		return
	}
	addr := addressFromUint64(rawAddr)

	rssi, _ := args.GetRssi()
	adv, err := args.GetAdvertisement()
	if err != nil {
		return
	}
	localName, _ := adv.GetLocalName()

	m.session.mu.Lock()
	producer := m.session.producer
	filter := m.session.filter
	allowDupes := m.session.params.AllowDuplicates
	alreadySeen := m.session.seen[addr]
	if !allowDupes {
		m.session.seen[addr] = true
	}
	m.session.mu.Unlock()
	if producer == nil {
		return
	}
	if alreadySeen && !allowDupes {
		return
	}

	data := ble.AdvertisementData{}
	if name, ok := ble.SanitizeName(localName); ok {
		data.LocalName = &name
	}
	if !filter.Matches(data) {
		return
	}

	peripheral := ble.NewPeripheral(ble.NewDeviceIDFromAddress(addr), "")
	if data.LocalName != nil {
		peripheral.SetName(*data.LocalName)
	}
	producer.Emit(ble.ScanResult{Peripheral: peripheral, AdvertisementData: data, RSSI: int16(rssi)})
}

// Connect implements ble.CentralManager.
func (m *CentralManager) Connect(ctx context.Context, p ble.Peripheral, opts ble.ConnectionOptions) (ble.PeripheralConnection, error) {
	addr, ok := p.ID().Address()
	if !ok {
		return nil, ble.NewInvalidPeripheralError("peripheral id is not a winble address")
	}

	statics, err := bluetooth.GetBluetoothLEDeviceStatics()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to access BluetoothLEDevice statics", err)
	}
	operation, err := statics.FromBluetoothAddressAsync(addressToUint64(addr))
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to request device from address", err)
	}
	result, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to await device", err)
	}
	device, ok := result.(*bluetooth.BluetoothLEDevice)
	if !ok || device == nil {
		return nil, ble.NewInvalidPeripheralError("device not found at that address")
	}

	name, _ := device.GetName()
	p.SetName(name)

	session := newDeviceSession(addr)
	conn := newConnection(p, device, session)

	m.session.mu.Lock()
	m.session.devices[addr] = session
	m.session.mu.Unlock()

	session.stateProducer.Emit(ble.PeripheralConnectionState{Kind: ble.Connected})
	return conn, nil
}

// PairingRequests implements ble.CentralManager. WinRT surfaces pairing
// consent through DeviceInformationPairing.PairAsync's own custom-pairing
// callback, not a standing Agent1-style request stream an application can
// attach to independently of initiating the pairing itself, so this stream
// finishes immediately with Unimplemented.
func (m *CentralManager) PairingRequests(ctx context.Context) (*ble.Stream[ble.PairingRequest], error) {
	stream, producer := ble.NewStream[ble.PairingRequest](0, func() {})
	producer.Finish(ble.NewUnimplementedError("pairing agent (WinRT exposes pairing only via DeviceInformationPairing.PairAsync, not an attachable agent)"))
	return stream, nil
}

// RemoveBond implements ble.CentralManager. Unpairing a device from
// application code requires DeviceInformation.Pairing.UnpairAsync against a
// DeviceInformation instance this backend does not separately track.
func (m *CentralManager) RemoveBond(ctx context.Context, p ble.Peripheral) error {
	return ble.NewUnimplementedError("bond removal")
}

func addressToUint64(a ble.Address) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(a[i]) << (8 * i)
	}
	return v
}

func addressFromUint64(v uint64) ble.Address {
	var a ble.Address
	for i := 0; i < 6; i++ {
		a[i] = byte(v >> (8 * i))
	}
	return a
}
