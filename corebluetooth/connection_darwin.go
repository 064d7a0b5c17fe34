//go:build darwin

package corebluetooth

/*
#include <stdlib.h>

int CBTDevice_Disconnect(void *device);
int CBTCentral_Disconnect(void *central, void *device);
int CBTDevice_DiscoverServices(void *device);
int CBTDevice_DiscoverCharacteristics(void *device, const char *serviceUUID);
int CBTDevice_DiscoverDescriptors(void *device, const char *serviceUUID, const char *charUUID);
int CBTDevice_ReadCharacteristic(void *device, const char *serviceUUID, const char *charUUID);
int CBTDevice_WriteCharacteristic(void *device, const char *serviceUUID, const char *charUUID,
                                   const unsigned char *data, int length, int withResponse);
int CBTDevice_ReadDescriptor(void *device, const char *serviceUUID, const char *charUUID, const char *descUUID);
int CBTDevice_WriteDescriptor(void *device, const char *serviceUUID, const char *charUUID, const char *descUUID,
                               const unsigned char *data, int length);
int CBTDevice_SetNotify(void *device, const char *serviceUUID, const char *charUUID, int enable);
int CBTDevice_ReadRSSI(void *device);
int CBTDevice_OpenL2CAPChannel(void *device, unsigned short psm);

typedef void (*DiscoverCallback)(void *userData, const char *parentUUID, const char *childUUIDsCSV, int success);
typedef void (*ValueUpdateCallback)(void *userData, const char *charUUID, const unsigned char *data, int length,
                                     int isNotification, int success);
typedef void (*WriteCompleteCallback)(void *userData, const char *charUUID, int success);
typedef void (*NotifyStateCallback)(void *userData, const char *charUUID, int enabled, int success);
typedef void (*RSSICallback)(void *userData, int rssi, int success);
typedef void (*L2CAPOpenCallback)(void *userData, void *channel, int success);

void CBTDevice_SetCallbacks(void *device, DiscoverCallback svcCB, DiscoverCallback charCB, DiscoverCallback descCB,
                             ValueUpdateCallback valCB, WriteCompleteCallback writeCB, NotifyStateCallback notifyCB,
                             RSSICallback rssiCB, L2CAPOpenCallback l2capCB, void *userData);
*/
import "C"

import (
	"context"
	"fmt"
	"runtime/cgo"
	"strings"
	"unsafe"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// connectionImpl implements ble.PeripheralConnection over a connected
// CBPeripheral, per spec.md §4.10. Service/characteristic/descriptor
// handles are cached by UUID string since CBPeripheral has no notion of a
// stable numeric instance ID the way BlueZ's object paths do; spec.md's
// InstanceID field is left nil for this backend.
type connectionImpl struct {
	peripheral  ble.Peripheral
	device      unsafe.Pointer
	objcCentral unsafe.Pointer
	session     *deviceSession
	handle      cgo.Handle

	servicesByUUID map[string]ble.GATTService
	charsByKey     map[string]ble.GATTCharacteristic // "serviceUUID/charUUID"
	descsByKey     map[string]ble.GATTDescriptor     // "serviceUUID/charUUID/descUUID"
}

func newConnection(p ble.Peripheral, objcCentral, device unsafe.Pointer, identifier, name string) *connectionImpl {
	session := newDeviceSession(device, identifier, name)
	handle := cgo.NewHandle(session)
	C.CBTDevice_SetCallbacks(device, nil, nil, nil, nil, nil, nil, nil, nil, handlePtr(handle))
	return &connectionImpl{
		peripheral:     p,
		device:         device,
		objcCentral:    objcCentral,
		session:        session,
		handle:         handle,
		servicesByUUID: make(map[string]ble.GATTService),
		charsByKey:     make(map[string]ble.GATTCharacteristic),
		descsByKey:     make(map[string]ble.GATTDescriptor),
	}
}

func (c *connectionImpl) Peripheral() ble.Peripheral { return c.peripheral }

func (c *connectionImpl) State() ble.PeripheralConnectionState {
	return ble.PeripheralConnectionState{Kind: ble.Connected}
}

func (c *connectionImpl) StateUpdates(ctx context.Context) (*ble.Stream[ble.PeripheralConnectionState], error) {
	stream, producer := ble.NewStream[ble.PeripheralConnectionState](4, func() {})
	c.session.mu.Lock()
	c.session.stateProducer = producer
	c.session.mu.Unlock()
	return stream, nil
}

// MTU reports the negotiated ATT MTU. CoreBluetooth exposes it only via
// -maximumWriteValueLengthForType:, which this backend doesn't bridge
// separately; 185 matches the value CoreBluetooth negotiates for an
// LE-only connection on recent Apple platforms, per spec.md §9's "default
// if the backend cannot report it precisely".
func (c *connectionImpl) MTU() int { return 185 }

func (c *connectionImpl) MTUUpdates(ctx context.Context) (*ble.Stream[int], error) {
	stream, producer := ble.NewStream[int](1, func() {})
	producer.Emit(c.MTU())
	producer.Finish(nil)
	return stream, nil
}

// PairingState reports PairingUnknown: CoreBluetooth never surfaces bonding
// state to application code directly.
func (c *connectionImpl) PairingState() ble.PairingState { return ble.PairingUnknown }

func (c *connectionImpl) PairingStateUpdates(ctx context.Context) (*ble.Stream[ble.PairingState], error) {
	stream, producer := ble.NewStream[ble.PairingState](1, func() {})
	producer.Emit(ble.PairingUnknown)
	producer.Finish(nil)
	return stream, nil
}

func (c *connectionImpl) DiscoverServices(ctx context.Context, filter []ble.UUID) ([]ble.GATTService, error) {
	await := c.session.discoverSvc.register("")
	if rc := C.CBTDevice_DiscoverServices(c.device); rc != 0 {
		c.session.discoverSvc.cancel("", await)
		return nil, ble.NewConnectionFailedError("failed to start service discovery", nil)
	}
	select {
	case res := <-await:
		if res.err != nil {
			return nil, res.err
		}
		var out []ble.GATTService
		for _, uuidStr := range splitCSV(res.csv) {
			u, err := ble.ParseUUID(uuidStr)
			if err != nil {
				continue
			}
			if len(filter) > 0 && !uuidIn(filter, u) {
				continue
			}
			svc := ble.GATTService{UUID: u, IsPrimary: true}
			c.servicesByUUID[uuidStr] = svc
			out = append(out, svc)
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connectionImpl) DiscoverCharacteristics(ctx context.Context, service ble.GATTService, filter []ble.UUID) ([]ble.GATTCharacteristic, error) {
	serviceUUID := service.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))

	await := c.session.discoverChar.register(serviceUUID)
	if rc := C.CBTDevice_DiscoverCharacteristics(c.device, cServiceUUID); rc != 0 {
		c.session.discoverChar.cancel(serviceUUID, await)
		return nil, ble.NewServiceNotFoundError(service.UUID)
	}
	select {
	case res := <-await:
		if res.err != nil {
			return nil, res.err
		}
		var out []ble.GATTCharacteristic
		for _, uuidStr := range splitCSV(res.csv) {
			u, err := ble.ParseUUID(uuidStr)
			if err != nil {
				continue
			}
			if len(filter) > 0 && !uuidIn(filter, u) {
				continue
			}
			ch := ble.GATTCharacteristic{UUID: u, Service: service}
			c.charsByKey[serviceUUID+"/"+uuidStr] = ch
			c.session.mu.Lock()
			c.session.notifChars[uuidStr] = ch
			c.session.mu.Unlock()
			out = append(out, ch)
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connectionImpl) DiscoverDescriptors(ctx context.Context, characteristic ble.GATTCharacteristic) ([]ble.GATTDescriptor, error) {
	serviceUUID := characteristic.Service.UUID.String()
	charUUID := characteristic.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	cCharUUID := C.CString(charUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))
	defer C.free(unsafe.Pointer(cCharUUID))

	await := c.session.discoverDesc.register(charUUID)
	if rc := C.CBTDevice_DiscoverDescriptors(c.device, cServiceUUID, cCharUUID); rc != 0 {
		c.session.discoverDesc.cancel(charUUID, await)
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	select {
	case res := <-await:
		if res.err != nil {
			return nil, res.err
		}
		var out []ble.GATTDescriptor
		for _, uuidStr := range splitCSV(res.csv) {
			u, err := ble.ParseUUID(uuidStr)
			if err != nil {
				continue
			}
			desc := ble.GATTDescriptor{UUID: u, Characteristic: characteristic}
			c.descsByKey[serviceUUID+"/"+charUUID+"/"+uuidStr] = desc
			out = append(out, desc)
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connectionImpl) Read(ctx context.Context, characteristic ble.GATTCharacteristic) ([]byte, error) {
	serviceUUID := characteristic.Service.UUID.String()
	charUUID := characteristic.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	cCharUUID := C.CString(charUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))
	defer C.free(unsafe.Pointer(cCharUUID))

	c.session.mu.Lock()
	c.session.pendingReads[charUUID]++
	c.session.mu.Unlock()
	await := c.session.readResult.register(charUUID)

	if rc := C.CBTDevice_ReadCharacteristic(c.device, cServiceUUID, cCharUUID); rc != 0 {
		c.session.readResult.cancel(charUUID, await)
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	select {
	case res := <-await:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connectionImpl) Write(ctx context.Context, characteristic ble.GATTCharacteristic, value []byte, writeType ble.WriteType) error {
	serviceUUID := characteristic.Service.UUID.String()
	charUUID := characteristic.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	cCharUUID := C.CString(charUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))
	defer C.free(unsafe.Pointer(cCharUUID))

	var dataPtr *C.uchar
	if len(value) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&value[0]))
	}
	withResponse := C.int(0)
	if writeType == ble.WriteWithResponse {
		withResponse = 1
	}

	// Without-response writes complete synchronously from CoreBluetooth's
	// perspective (didWriteValueForCharacteristic is only called for the
	// with-response path), so only register a waiter when one will resolve.
	if writeType == ble.WriteWithoutResponse {
		rc := C.CBTDevice_WriteCharacteristic(c.device, cServiceUUID, cCharUUID, dataPtr, C.int(len(value)), withResponse)
		if rc != 0 {
			return ble.NewCharacteristicNotFoundError(characteristic.UUID)
		}
		return nil
	}

	await := c.session.writeResult.register(charUUID)
	if rc := C.CBTDevice_WriteCharacteristic(c.device, cServiceUUID, cCharUUID, dataPtr, C.int(len(value)), withResponse); rc != 0 {
		c.session.writeResult.cancel(charUUID, await)
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	select {
	case res := <-await:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connectionImpl) ReadDescriptor(ctx context.Context, descriptor ble.GATTDescriptor) ([]byte, error) {
	serviceUUID := descriptor.Characteristic.Service.UUID.String()
	charUUID := descriptor.Characteristic.UUID.String()
	descUUID := descriptor.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	cCharUUID := C.CString(charUUID)
	cDescUUID := C.CString(descUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))
	defer C.free(unsafe.Pointer(cCharUUID))
	defer C.free(unsafe.Pointer(cDescUUID))

	c.session.mu.Lock()
	c.session.pendingReads[descUUID]++
	c.session.mu.Unlock()
	await := c.session.readResult.register(descUUID)
	if rc := C.CBTDevice_ReadDescriptor(c.device, cServiceUUID, cCharUUID, cDescUUID); rc != 0 {
		c.session.readResult.cancel(descUUID, await)
		return nil, ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	select {
	case res := <-await:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connectionImpl) WriteDescriptor(ctx context.Context, descriptor ble.GATTDescriptor, value []byte) error {
	serviceUUID := descriptor.Characteristic.Service.UUID.String()
	charUUID := descriptor.Characteristic.UUID.String()
	descUUID := descriptor.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	cCharUUID := C.CString(charUUID)
	cDescUUID := C.CString(descUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))
	defer C.free(unsafe.Pointer(cCharUUID))
	defer C.free(unsafe.Pointer(cDescUUID))

	var dataPtr *C.uchar
	if len(value) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&value[0]))
	}

	await := c.session.writeResult.register(descUUID)
	if rc := C.CBTDevice_WriteDescriptor(c.device, cServiceUUID, cCharUUID, cDescUUID, dataPtr, C.int(len(value))); rc != 0 {
		c.session.writeResult.cancel(descUUID, await)
		return ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	select {
	case res := <-await:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connectionImpl) Notifications(ctx context.Context, characteristic ble.GATTCharacteristic) (*ble.Stream[ble.Notification], error) {
	stream, producer := ble.NewStream[ble.Notification](8, func() {})
	c.session.mu.Lock()
	c.session.notifications = producer
	c.session.notifChars[characteristic.UUID.String()] = characteristic
	c.session.mu.Unlock()
	return stream, nil
}

func (c *connectionImpl) SetNotificationsEnabled(ctx context.Context, characteristic ble.GATTCharacteristic, enabled bool, preference ble.SubscriptionPreference) error {
	serviceUUID := characteristic.Service.UUID.String()
	charUUID := characteristic.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	cCharUUID := C.CString(charUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))
	defer C.free(unsafe.Pointer(cCharUUID))

	enable := C.int(0)
	if enabled {
		enable = 1
	}
	await := c.session.notifyResult.register(charUUID)
	if rc := C.CBTDevice_SetNotify(c.device, cServiceUUID, cCharUUID, enable); rc != 0 {
		c.session.notifyResult.cancel(charUUID, await)
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	select {
	case res := <-await:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connectionImpl) ReadRSSI(ctx context.Context) (int16, error) {
	await := c.session.rssiResult.register("")
	if rc := C.CBTDevice_ReadRSSI(c.device); rc != 0 {
		c.session.rssiResult.cancel("", await)
		return 0, ble.NewConnectionFailedError("RSSI read failed", nil)
	}
	select {
	case res := <-await:
		return int16(res.value), res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *connectionImpl) OpenL2CAPChannel(ctx context.Context, psm ble.PSM, params ble.L2CAPChannelParameters) (ble.L2CAPChannel, error) {
	await := c.session.l2capResult.register("")
	if rc := C.CBTDevice_OpenL2CAPChannel(c.device, C.ushort(psm)); rc != 0 {
		c.session.l2capResult.cancel("", await)
		return nil, ble.NewL2CAPChannelError("failed to open L2CAP channel", nil)
	}
	select {
	case res := <-await:
		if res.err != nil {
			return nil, res.err
		}
		return newChannel(res.channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connectionImpl) Disconnect(ctx context.Context) error {
	if rc := C.CBTCentral_Disconnect(c.objcCentral, c.device); rc != 0 {
		return fmt.Errorf("corebluetooth: disconnect failed")
	}
	return nil
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func uuidIn(list []ble.UUID, u ble.UUID) bool {
	for _, v := range list {
		if v.EqualValue(u) {
			return true
		}
	}
	return false
}
