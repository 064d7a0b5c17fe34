//go:build windows

package winble

import (
	"context"
	"sync"

	"github.com/saltosystems/winrt-go/windows/devices/bluetooth"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/genericattributeprofile"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// deviceSession is the per-connected-device state a GATT characteristic's
// ValueChanged callback resolves against, mirroring corebluetooth's
// deviceSession for the one event this backend delivers asynchronously.
type deviceSession struct {
	mu            sync.Mutex
	addr          ble.Address
	stateProducer *ble.StreamProducer[ble.PeripheralConnectionState]
	notifications *ble.StreamProducer[ble.Notification]
	notifChars    map[string]ble.GATTCharacteristic
}

func newDeviceSession(addr ble.Address) *deviceSession {
	stream, producer := ble.NewStream[ble.PeripheralConnectionState](4, func() {})
	_ = stream
	return &deviceSession{
		addr:          addr,
		stateProducer: producer,
		notifChars:    make(map[string]ble.GATTCharacteristic),
	}
}

// connectionImpl implements ble.PeripheralConnection over a
// BluetoothLEDevice and its GATT client object tree. Discovered services,
// characteristics and descriptors are cached by UUID string, the same
// stable-identity approach corebluetooth uses, since the native WinRT
// objects (not a numeric instance ID) are what subsequent calls need.
type connectionImpl struct {
	peripheral ble.Peripheral
	device     *bluetooth.BluetoothLEDevice
	session    *deviceSession

	mu             sync.Mutex
	servicesByUUID map[string]*genericattributeprofile.GattDeviceService
	charsByKey     map[string]*genericattributeprofile.GattCharacteristic
	descsByKey     map[string]*genericattributeprofile.GattDescriptor
	charMeta       map[string]ble.GATTCharacteristic
}

func newConnection(p ble.Peripheral, device *bluetooth.BluetoothLEDevice, session *deviceSession) *connectionImpl {
	return &connectionImpl{
		peripheral:     p,
		device:         device,
		session:        session,
		servicesByUUID: make(map[string]*genericattributeprofile.GattDeviceService),
		charsByKey:     make(map[string]*genericattributeprofile.GattCharacteristic),
		descsByKey:     make(map[string]*genericattributeprofile.GattDescriptor),
		charMeta:       make(map[string]ble.GATTCharacteristic),
	}
}

func (c *connectionImpl) Peripheral() ble.Peripheral { return c.peripheral }

func (c *connectionImpl) State() ble.PeripheralConnectionState {
	status, err := c.device.GetConnectionStatus()
	if err != nil || status != bluetooth.BluetoothConnectionStatusConnected {
		return ble.PeripheralConnectionState{Kind: ble.Disconnected}
	}
	return ble.PeripheralConnectionState{Kind: ble.Connected}
}

func (c *connectionImpl) StateUpdates(ctx context.Context) (*ble.Stream[ble.PeripheralConnectionState], error) {
	stream, producer := ble.NewStream[ble.PeripheralConnectionState](4, func() {})
	c.session.mu.Lock()
	c.session.stateProducer = producer
	c.session.mu.Unlock()
	return stream, nil
}

// attMinimumMTU is the guaranteed minimum ATT MTU (23 bytes: 3-byte header
// + 20-byte payload). BluetoothLEDevice does not expose the negotiated MTU
// through this binding surface (that requires a GattSession object this
// backend does not otherwise need), so this is the conservative default
// spec.md §9 allows "if the backend cannot report it precisely".
const attMinimumMTU = 23

func (c *connectionImpl) MTU() int { return attMinimumMTU }

func (c *connectionImpl) MTUUpdates(ctx context.Context) (*ble.Stream[int], error) {
	stream, producer := ble.NewStream[int](1, func() {})
	producer.Emit(c.MTU())
	producer.Finish(nil)
	return stream, nil
}

// PairingState reports PairingUnknown: querying DeviceInformation.Pairing
// would require tracking a separate DeviceInformation instance this
// backend does not otherwise maintain per connection.
func (c *connectionImpl) PairingState() ble.PairingState { return ble.PairingUnknown }

func (c *connectionImpl) PairingStateUpdates(ctx context.Context) (*ble.Stream[ble.PairingState], error) {
	stream, producer := ble.NewStream[ble.PairingState](1, func() {})
	producer.Emit(ble.PairingUnknown)
	producer.Finish(nil)
	return stream, nil
}

func (c *connectionImpl) DiscoverServices(ctx context.Context, filter []ble.UUID) ([]ble.GATTService, error) {
	operation, err := c.device.GetGattServicesAsync()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to request GATT services", err)
	}
	raw, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to discover services", err)
	}
	result, ok := raw.(*genericattributeprofile.GattDeviceServicesResult)
	if !ok {
		return nil, ble.NewConnectionFailedError("unexpected GATT services result type", nil)
	}
	services, err := result.GetServices()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read discovered services", err)
	}

	var out []ble.GATTService
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, svc := range services {
		guid, err := svc.GetUuid()
		if err != nil {
			continue
		}
		u, err := ble.ParseUUID(guid.String())
		if err != nil {
			continue
		}
		if len(filter) > 0 && !uuidIn(filter, u) {
			continue
		}
		service := ble.GATTService{UUID: u, IsPrimary: true}
		c.servicesByUUID[u.String()] = svc
		out = append(out, service)
	}
	return out, nil
}

func (c *connectionImpl) DiscoverCharacteristics(ctx context.Context, service ble.GATTService, filter []ble.UUID) ([]ble.GATTCharacteristic, error) {
	c.mu.Lock()
	svc, known := c.servicesByUUID[service.UUID.String()]
	c.mu.Unlock()
	if !known {
		return nil, ble.NewServiceNotFoundError(service.UUID)
	}

	operation, err := svc.GetCharacteristicsAsync()
	if err != nil {
		return nil, ble.NewServiceNotFoundError(service.UUID)
	}
	raw, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to discover characteristics", err)
	}
	result, ok := raw.(*genericattributeprofile.GattCharacteristicsResult)
	if !ok {
		return nil, ble.NewConnectionFailedError("unexpected GATT characteristics result type", nil)
	}
	chars, err := result.GetCharacteristics()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read discovered characteristics", err)
	}

	var out []ble.GATTCharacteristic
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range chars {
		guid, err := ch.GetUuid()
		if err != nil {
			continue
		}
		u, err := ble.ParseUUID(guid.String())
		if err != nil {
			continue
		}
		if len(filter) > 0 && !uuidIn(filter, u) {
			continue
		}
		characteristic := ble.GATTCharacteristic{UUID: u, Service: service}
		key := service.UUID.String() + "/" + u.String()
		c.charsByKey[key] = ch
		c.charMeta[u.String()] = characteristic
		c.session.mu.Lock()
		c.session.notifChars[u.String()] = characteristic
		c.session.mu.Unlock()
		out = append(out, characteristic)
	}
	return out, nil
}

func (c *connectionImpl) DiscoverDescriptors(ctx context.Context, characteristic ble.GATTCharacteristic) ([]ble.GATTDescriptor, error) {
	key := characteristic.Service.UUID.String() + "/" + characteristic.UUID.String()
	c.mu.Lock()
	ch, known := c.charsByKey[key]
	c.mu.Unlock()
	if !known {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	operation, err := ch.GetDescriptorsAsync()
	if err != nil {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	raw, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to discover descriptors", err)
	}
	result, ok := raw.(*genericattributeprofile.GattDescriptorsResult)
	if !ok {
		return nil, ble.NewConnectionFailedError("unexpected GATT descriptors result type", nil)
	}
	descs, err := result.GetDescriptors()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read discovered descriptors", err)
	}

	var out []ble.GATTDescriptor
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range descs {
		guid, err := d.GetUuid()
		if err != nil {
			continue
		}
		u, err := ble.ParseUUID(guid.String())
		if err != nil {
			continue
		}
		desc := ble.GATTDescriptor{UUID: u, Characteristic: characteristic}
		c.descsByKey[key+"/"+u.String()] = d
		out = append(out, desc)
	}
	return out, nil
}

func (c *connectionImpl) Read(ctx context.Context, characteristic ble.GATTCharacteristic) ([]byte, error) {
	key := characteristic.Service.UUID.String() + "/" + characteristic.UUID.String()
	c.mu.Lock()
	ch, known := c.charsByKey[key]
	c.mu.Unlock()
	if !known {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	operation, err := ch.ReadValueAsync()
	if err != nil {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	raw, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read characteristic", err)
	}
	result, ok := raw.(*genericattributeprofile.GattReadResult)
	if !ok {
		return nil, ble.NewConnectionFailedError("unexpected GATT read result type", nil)
	}
	buffer, err := result.GetValue()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read characteristic value", err)
	}
	return bufferToBytes(buffer)
}

func (c *connectionImpl) Write(ctx context.Context, characteristic ble.GATTCharacteristic, value []byte, writeType ble.WriteType) error {
	key := characteristic.Service.UUID.String() + "/" + characteristic.UUID.String()
	c.mu.Lock()
	ch, known := c.charsByKey[key]
	c.mu.Unlock()
	if !known {
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	buffer, err := bytesToBuffer(value)
	if err != nil {
		return ble.NewConnectionFailedError("failed to build write buffer", err)
	}
	option := genericattributeprofile.GattWriteOptionWriteWithResponse
	if writeType == ble.WriteWithoutResponse {
		option = genericattributeprofile.GattWriteOptionWriteWithoutResponse
	}
	operation, err := ch.WriteValueWithOptionAsync(buffer, option)
	if err != nil {
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	raw, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return ble.NewConnectionFailedError("failed to write characteristic", err)
	}
	status, ok := raw.(genericattributeprofile.GattCommunicationStatus)
	if ok && status != genericattributeprofile.GattCommunicationStatusSuccess {
		return ble.NewATTError(ble.ATTErrorWriteNotPermitted)
	}
	return nil
}

func (c *connectionImpl) ReadDescriptor(ctx context.Context, descriptor ble.GATTDescriptor) ([]byte, error) {
	key := descriptor.Characteristic.Service.UUID.String() + "/" + descriptor.Characteristic.UUID.String() + "/" + descriptor.UUID.String()
	c.mu.Lock()
	d, known := c.descsByKey[key]
	c.mu.Unlock()
	if !known {
		return nil, ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	operation, err := d.ReadValueAsync()
	if err != nil {
		return nil, ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	raw, err := awaitIAsyncOperation(ctx, operation)
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read descriptor", err)
	}
	result, ok := raw.(*genericattributeprofile.GattReadResult)
	if !ok {
		return nil, ble.NewConnectionFailedError("unexpected GATT read result type", nil)
	}
	buffer, err := result.GetValue()
	if err != nil {
		return nil, ble.NewConnectionFailedError("failed to read descriptor value", err)
	}
	return bufferToBytes(buffer)
}

func (c *connectionImpl) WriteDescriptor(ctx context.Context, descriptor ble.GATTDescriptor, value []byte) error {
	key := descriptor.Characteristic.Service.UUID.String() + "/" + descriptor.Characteristic.UUID.String() + "/" + descriptor.UUID.String()
	c.mu.Lock()
	d, known := c.descsByKey[key]
	c.mu.Unlock()
	if !known {
		return ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	buffer, err := bytesToBuffer(value)
	if err != nil {
		return ble.NewConnectionFailedError("failed to build write buffer", err)
	}
	operation, err := d.WriteValueAsync(buffer)
	if err != nil {
		return ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	if _, err := awaitIAsyncOperation(ctx, operation); err != nil {
		return ble.NewConnectionFailedError("failed to write descriptor", err)
	}
	return nil
}

func (c *connectionImpl) Notifications(ctx context.Context, characteristic ble.GATTCharacteristic) (*ble.Stream[ble.Notification], error) {
	key := characteristic.Service.UUID.String() + "/" + characteristic.UUID.String()
	c.mu.Lock()
	ch, known := c.charsByKey[key]
	c.mu.Unlock()
	if !known {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	stream, producer := ble.NewStream[ble.Notification](8, func() {})
	c.session.mu.Lock()
	c.session.notifications = producer
	c.session.mu.Unlock()

	session := c.session
	ch.AddValueChanged(func(_ *genericattributeprofile.GattCharacteristic, args *genericattributeprofile.GattValueChangedEventArgs) {
		buffer, err := args.GetCharacteristicValue()
		if err != nil {
			return
		}
		value, err := bufferToBytes(buffer)
		if err != nil {
			return
		}
		session.mu.Lock()
		p := session.notifications
		meta := session.notifChars[characteristic.UUID.String()]
		session.mu.Unlock()
		if p == nil {
			return
		}
		p.Emit(ble.Notification{Characteristic: meta, Value: value})
	})

	return stream, nil
}

func (c *connectionImpl) SetNotificationsEnabled(ctx context.Context, characteristic ble.GATTCharacteristic, enabled bool, preference ble.SubscriptionPreference) error {
	key := characteristic.Service.UUID.String() + "/" + characteristic.UUID.String()
	c.mu.Lock()
	ch, known := c.charsByKey[key]
	c.mu.Unlock()
	if !known {
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	value := genericattributeprofile.GattClientCharacteristicConfigurationDescriptorValueNone
	if enabled {
		value = genericattributeprofile.GattClientCharacteristicConfigurationDescriptorValueNotify
		if preference == ble.PreferIndication {
			value = genericattributeprofile.GattClientCharacteristicConfigurationDescriptorValueIndicate
		}
	}
	operation, err := ch.WriteClientCharacteristicConfigurationDescriptorAsync(value)
	if err != nil {
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	if _, err := awaitIAsyncOperation(ctx, operation); err != nil {
		return ble.NewConnectionFailedError("failed to set notification state", err)
	}
	return nil
}

// ReadRSSI is Unimplemented: BluetoothLEDevice exposes no public live RSSI
// read for an already-connected device through this binding surface (RSSI
// is only ever observed via advertisement reports during Scan).
func (c *connectionImpl) ReadRSSI(ctx context.Context) (int16, error) {
	return 0, ble.NewUnimplementedError("RSSI read on a connected device")
}

// OpenL2CAPChannel is Unimplemented: a Bluetooth LE L2CAP CoC channel on
// Windows requires Windows.Networking.Sockets.StreamSocket bound to a
// BluetoothDeviceId and service GUID, a substantially different connection
// surface than BluetoothLEDevice's GATT client object tree this backend
// otherwise uses, and one the teacher's own Windows implementation never
// touches either.
func (c *connectionImpl) OpenL2CAPChannel(ctx context.Context, psm ble.PSM, params ble.L2CAPChannelParameters) (ble.L2CAPChannel, error) {
	return nil, ble.NewUnimplementedError("L2CAP channels")
}

func (c *connectionImpl) Disconnect(ctx context.Context) error {
	if err := c.device.Close(); err != nil {
		return ble.NewConnectionFailedError("failed to release BluetoothLEDevice", err)
	}
	c.session.mu.Lock()
	producer := c.session.stateProducer
	c.session.mu.Unlock()
	if producer != nil {
		producer.Emit(ble.PeripheralConnectionState{Kind: ble.Disconnected})
	}
	return nil
}

func uuidIn(list []ble.UUID, u ble.UUID) bool {
	for _, v := range list {
		if v.EqualValue(u) {
			return true
		}
	}
	return false
}
