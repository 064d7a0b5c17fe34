//go:build linux

package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"

	ble "github.com/wendylabsinc/bluetooth-sub000"
	"github.com/wendylabsinc/bluetooth-sub000/bluez/l2cap"
	"github.com/wendylabsinc/bluetooth-sub000/gatt"
)

// Manager wires every BlueZ sub-controller into the ble.CentralManager and
// ble.PeripheralManager contracts, per spec.md §§4.3-4.9. It is the package's
// single entry point; callers construct one per adapter.
type Manager struct {
	client *Client
	agent  *AgentController
	scan   *ScanController
	adv    *AdvertiseController
	conn   *ConnectionController
	gatts  *GattServerController
	peers  *PeripheralConnectionTracker
	server *gatt.Server

	l2capMu  chanMutex
	listener *l2cap.Listener
}

// chanMutex is a channel-based mutex, used here instead of sync.Mutex so a
// blocked Lock can still observe context cancellation; see l2capMu's use in
// PublishL2CAPChannel.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { m <- struct{}{} }

// NewManager constructs a Manager from cfg, sharing one gatt.Server across
// the GATT-server-facing controllers.
func NewManager(cfg Config) *Manager {
	client := NewClient(cfg)
	adapterPath := dbus.ObjectPath(cfg.AdapterPath)
	agent := NewAgentController(client, adapterPath)
	server := gatt.NewServer()

	return &Manager{
		client:  client,
		agent:   agent,
		scan:    NewScanController(client, adapterPath),
		adv:     NewAdvertiseController(client, adapterPath),
		conn:    NewConnectionController(client, adapterPath, agent),
		gatts:   NewGattServerController(client, adapterPath, server),
		peers:   NewPeripheralConnectionTracker(client, adapterPath, agent, server),
		server:  server,
		l2capMu: newChanMutex(),
	}
}

// Start connects to the system bus and registers the pairing agent. Callers
// that never need pairing prompts may skip calling Start and let
// GetConnection happen lazily; Start exists so AgentController.Register
// runs once at a well-known point instead of racing a device's first
// RequestPinCode call.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.client.GetConnection(ctx); err != nil {
		return err
	}
	return m.agent.Register(ctx)
}

// Close releases the manager's D-Bus connection and any published L2CAP
// listener.
func (m *Manager) Close() error {
	if m.listener != nil {
		m.listener.Close()
	}
	return m.client.Close()
}

// Scan implements ble.CentralManager.
func (m *Manager) Scan(ctx context.Context, filter ble.ScanFilter, params ble.ScanParameters) (*ble.Stream[ble.ScanResult], error) {
	return m.scan.Scan(ctx, filter, params)
}

// Connect implements ble.CentralManager.
func (m *Manager) Connect(ctx context.Context, p ble.Peripheral, opts ble.ConnectionOptions) (ble.PeripheralConnection, error) {
	return m.conn.Connect(ctx, p, opts)
}

// PairingRequests implements ble.CentralManager.
func (m *Manager) PairingRequests(ctx context.Context) (*ble.Stream[ble.PairingRequest], error) {
	return m.agent.Attach()
}

// RemoveBond implements ble.CentralManager by calling Adapter1.RemoveDevice,
// which both unpairs and forgets the device, per spec.md §4.7 "RemoveBond
// removes the peripheral's bonding keys; BlueZ has no separate call for
// 'unpair but remember the device'."
func (m *Manager) RemoveBond(ctx context.Context, p ble.Peripheral) error {
	addr, ok := p.ID().Address()
	if !ok {
		return ble.NewInvalidPeripheralError("peripheral id is not a BlueZ address")
	}
	conn, err := m.client.GetConnection(ctx)
	if err != nil {
		return ble.NewNotReadyError("bluetooth adapter unavailable")
	}
	devicePath := dbus.ObjectPath(string(m.adapterPath()) + "/" + addr.DevicePathSuffix())
	adapter := conn.Object(busName, m.adapterPath())
	call := adapter.CallWithContext(ctx, adapterInterface+".RemoveDevice", 0, devicePath)
	if call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.DoesNotExist") {
		return wrapDBusError(ble.ErrorKindConnectionFailed, "RemoveDevice", call.Err)
	}
	return nil
}

func (m *Manager) adapterPath() dbus.ObjectPath {
	return m.conn.adapterPath
}

// StartAdvertising implements ble.PeripheralManager.
func (m *Manager) StartAdvertising(ctx context.Context, adv ble.AdvertisementData, scanResponse *ble.AdvertisementData, params ble.AdvertisingParameters) error {
	return m.adv.StartAdvertising(ctx, adv, scanResponse, params)
}

// StopAdvertising implements ble.PeripheralManager.
func (m *Manager) StopAdvertising(ctx context.Context) error {
	return m.adv.StopAdvertising(ctx)
}

// serviceRegistration adapts *gatt.ServiceRegistration to ble.ServiceRegistration.
type serviceRegistration struct {
	manager *Manager
	reg     *gatt.ServiceRegistration
}

func (r *serviceRegistration) Service() ble.GATTService { return r.reg.Service }

func (r *serviceRegistration) Remove(ctx context.Context) error {
	return r.manager.gatts.RemoveService(ctx, r.reg)
}

// AddService implements ble.PeripheralManager.
func (m *Manager) AddService(ctx context.Context, def ble.GATTServiceDefinition) (ble.ServiceRegistration, error) {
	reg, err := m.gatts.AddService(ctx, def)
	if err != nil {
		return nil, err
	}
	return &serviceRegistration{manager: m, reg: reg}, nil
}

// GATTRequests implements ble.PeripheralManager.
func (m *Manager) GATTRequests(ctx context.Context) (*ble.Stream[*ble.GATTServerRequest], error) {
	return m.gatts.GATTRequests(ctx)
}

// UpdateValue implements ble.PeripheralManager.
func (m *Manager) UpdateValue(ctx context.Context, characteristic ble.GATTCharacteristic, value []byte, kind ble.NotifyOrIndicate) error {
	return m.gatts.UpdateValue(ctx, characteristic, value, kind)
}

// l2capRegistration adapts *l2cap.Listener to ble.L2CAPRegistration.
type l2capRegistration struct {
	manager  *Manager
	listener *l2cap.Listener
}

func (r *l2capRegistration) PSM() ble.PSM { return r.listener.PSM() }

func (r *l2capRegistration) Close() error {
	r.manager.l2capMu.lock(context.Background())
	defer r.manager.l2capMu.unlock()
	if r.manager.listener == r.listener {
		r.manager.listener = nil
	}
	return r.listener.Close()
}

// PublishL2CAPChannel implements ble.PeripheralManager. Only one published
// listener is supported per Manager at a time, since the raw L2CAP socket
// layer (unlike BlueZ's D-Bus surface) has no notion of registering more
// than one PSM without a second bound socket per PSM.
func (m *Manager) PublishL2CAPChannel(ctx context.Context, params ble.L2CAPChannelParameters) (ble.L2CAPRegistration, error) {
	if err := m.l2capMu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.l2capMu.unlock()

	if m.listener != nil {
		return nil, ble.NewInvalidStateError("an L2CAP channel is already published")
	}
	listener, err := l2cap.NewListener(params)
	if err != nil {
		return nil, err
	}
	m.listener = listener
	return &l2capRegistration{manager: m, listener: listener}, nil
}

// IncomingL2CAPChannels implements ble.PeripheralManager. It must follow a
// successful PublishL2CAPChannel call naming the same psm.
func (m *Manager) IncomingL2CAPChannels(ctx context.Context, psm ble.PSM) (*ble.Stream[ble.L2CAPChannel], error) {
	if err := m.l2capMu.lock(ctx); err != nil {
		return nil, err
	}
	listener := m.listener
	m.l2capMu.unlock()

	if listener == nil || listener.PSM() != psm {
		return nil, ble.NewInvalidStateError("no L2CAP channel published for that psm")
	}

	stream, producer := ble.NewStream[ble.L2CAPChannel](4, func() {})
	go func() {
		for {
			ch, err := listener.Accept(ctx)
			if err != nil {
				producer.Finish(err)
				return
			}
			producer.Emit(ch)
		}
	}()
	return stream, nil
}

// ConnectionEvents implements ble.PeripheralManager.
func (m *Manager) ConnectionEvents(ctx context.Context) (*ble.Stream[ble.ConnectionEvent], error) {
	return m.peers.ConnectionEvents(ctx)
}
