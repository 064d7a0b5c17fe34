//go:build darwin

package corebluetooth

/*
#include <stdlib.h>

int CBTPeripheral_StartAdvertising(void *peripheral, const char *name, const char *serviceUUIDsCSV);
int CBTPeripheral_StopAdvertising(void *peripheral);
int CBTPeripheral_AddService(void *peripheral, const char *serviceUUID, int primary);
int CBTPeripheral_AddCharacteristic(void *peripheral, const char *serviceUUID, const char *charUUID,
                                     int properties, int permissions, const unsigned char *initial, int initialLen);
int CBTPeripheral_PublishServices(void *peripheral);
int CBTPeripheral_RemoveService(void *peripheral, const char *serviceUUID);
int CBTPeripheral_UpdateValue(void *peripheral, const char *charUUID, const unsigned char *data, int length);
int CBTPeripheral_PublishL2CAPChannel(void *peripheral, int requiresEncryption);
int CBTPeripheral_UnpublishL2CAPChannel(void *peripheral, unsigned short psm);

typedef void (*ReadRequestCallback)(void *userData, void *request, const char *charUUID, int offset);
typedef void (*WriteRequestCallback)(void *userData, void *request, const char *charUUID,
                                      const unsigned char *data, int length, int offset);
typedef void (*SubscribeCallback)(void *userData, const char *charUUID, const char *centralIdentifier, int subscribed);
typedef void (*L2CAPPublishedCallback)(void *userData, unsigned short psm, int success);
typedef void (*L2CAPAcceptedCallback)(void *userData, void *channel, const char *centralIdentifier);
void CBTPeripheral_SetCallbacks(void *peripheral, ReadRequestCallback readCB, WriteRequestCallback writeCB,
                                 SubscribeCallback subCB, L2CAPPublishedCallback pubCB, L2CAPAcceptedCallback acceptCB,
                                 void *userData);
*/
import "C"

import (
	"context"
	"runtime/cgo"
	"strings"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// PeripheralManager implements ble.PeripheralManager over a
// CBPeripheralManager, per spec.md §4.10. Characteristics are staged by
// UUID string (CoreBluetooth's GATT server has no notion of the numeric
// InstanceID BlueZ's object paths provide) and committed in one
// PublishServices call per AddService, mirroring the one-shot
// RegisterApplication commit bluez/gattserver.go performs.
type PeripheralManager struct {
	mu             sync.Mutex
	session        *peripheralSession
	sessionPtr     unsafe.Pointer
	handle         cgo.Handle
	objcPeripheral unsafe.Pointer
	registrations  map[string]*serviceRegistration
	l2capPSM       *ble.PSM
	cfg            Config
	log            *logrus.Entry
}

type serviceRegistration struct {
	manager *PeripheralManager
	service ble.GATTService
	uuid    string
}

func (r *serviceRegistration) Service() ble.GATTService { return r.service }

func (r *serviceRegistration) Remove(ctx context.Context) error {
	cUUID := C.CString(r.uuid)
	defer C.free(unsafe.Pointer(cUUID))
	C.CBTPeripheral_RemoveService(r.manager.objcPeripheral, cUUID)
	r.manager.mu.Lock()
	delete(r.manager.registrations, r.uuid)
	r.manager.mu.Unlock()
	return nil
}

func (m *PeripheralManager) StartAdvertising(ctx context.Context, adv ble.AdvertisementData, scanResponse *ble.AdvertisementData, params ble.AdvertisingParameters) error {
	var cName *C.char
	if adv.LocalName != nil {
		cName = C.CString(*adv.LocalName)
		defer C.free(unsafe.Pointer(cName))
	}
	var uuidStrs []string
	for _, u := range adv.ServiceUUIDs {
		uuidStrs = append(uuidStrs, u.String())
	}
	cCSV := C.CString(strings.Join(uuidStrs, ","))
	defer C.free(unsafe.Pointer(cCSV))

	if rc := C.CBTPeripheral_StartAdvertising(m.objcPeripheral, cName, cCSV); rc != 0 {
		return ble.NewNotReadyError("failed to start advertising")
	}
	if m.cfg.Verbose {
		m.log.Info("advertising started")
	}
	return nil
}

func (m *PeripheralManager) StopAdvertising(ctx context.Context) error {
	C.CBTPeripheral_StopAdvertising(m.objcPeripheral)
	if m.cfg.Verbose {
		m.log.Info("advertising stopped")
	}
	return nil
}

func (m *PeripheralManager) AddService(ctx context.Context, def ble.GATTServiceDefinition) (ble.ServiceRegistration, error) {
	serviceUUID := def.UUID.String()
	cServiceUUID := C.CString(serviceUUID)
	defer C.free(unsafe.Pointer(cServiceUUID))

	primary := C.int(0)
	if def.IsPrimary {
		primary = 1
	}
	if rc := C.CBTPeripheral_AddService(m.objcPeripheral, cServiceUUID, primary); rc != 0 {
		return nil, ble.NewServiceRegistrationFailedError("failed to stage service", nil)
	}

	svc := ble.GATTService{UUID: def.UUID, IsPrimary: def.IsPrimary}
	for _, charDef := range def.Characteristics {
		flags := ble.DeriveFlags(charDef.Properties, charDef.Permissions)
		if len(flags) == 0 {
			return nil, ble.NewServiceRegistrationFailedError("characteristic has no derived flags", nil)
		}
		charUUID := charDef.UUID.String()
		cCharUUID := C.CString(charUUID)
		var initialPtr *C.uchar
		if len(charDef.InitialValue) > 0 {
			initialPtr = (*C.uchar)(unsafe.Pointer(&charDef.InitialValue[0]))
		}
		rc := C.CBTPeripheral_AddCharacteristic(m.objcPeripheral, cServiceUUID, cCharUUID,
			C.int(charDef.Properties), C.int(charDef.Permissions), initialPtr, C.int(len(charDef.InitialValue)))
		C.free(unsafe.Pointer(cCharUUID))
		if rc != 0 {
			return nil, ble.NewServiceRegistrationFailedError("failed to stage characteristic", nil)
		}

		ch := ble.GATTCharacteristic{UUID: charDef.UUID, Properties: charDef.Properties, Service: svc}
		m.mu.Lock()
		m.session.mu.Lock()
		m.session.charsByUUID[charUUID] = ch
		m.session.mu.Unlock()
		m.mu.Unlock()
	}

	if rc := C.CBTPeripheral_PublishServices(m.objcPeripheral); rc != 0 {
		return nil, ble.NewServiceRegistrationFailedError("failed to publish service", nil)
	}

	reg := &serviceRegistration{manager: m, service: svc, uuid: serviceUUID}
	m.mu.Lock()
	m.registrations[serviceUUID] = reg
	m.mu.Unlock()
	if m.cfg.Verbose {
		m.log.WithField("service", serviceUUID).Info("service published")
	}
	return reg, nil
}

func (m *PeripheralManager) GATTRequests(ctx context.Context) (*ble.Stream[*ble.GATTServerRequest], error) {
	stream, producer := ble.NewStream[*ble.GATTServerRequest](16, func() {})
	m.session.mu.Lock()
	m.session.requests = producer
	m.session.mu.Unlock()
	return stream, nil
}

func (m *PeripheralManager) UpdateValue(ctx context.Context, characteristic ble.GATTCharacteristic, value []byte, kind ble.NotifyOrIndicate) error {
	charUUID := characteristic.UUID.String()
	cCharUUID := C.CString(charUUID)
	defer C.free(unsafe.Pointer(cCharUUID))

	var dataPtr *C.uchar
	if len(value) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&value[0]))
	}
	if rc := C.CBTPeripheral_UpdateValue(m.objcPeripheral, cCharUUID, dataPtr, C.int(len(value))); rc != 0 {
		return ble.NewNotificationFailedError("no subscribed centrals or update queue full", nil)
	}
	return nil
}

func (m *PeripheralManager) PublishL2CAPChannel(ctx context.Context, params ble.L2CAPChannelParameters) (ble.L2CAPRegistration, error) {
	m.mu.Lock()
	if m.l2capPSM != nil {
		m.mu.Unlock()
		return nil, ble.NewInvalidStateError("an L2CAP channel is already published")
	}
	m.mu.Unlock()

	requiresEncryption := C.int(0)
	if params.RequiresEncryption {
		requiresEncryption = 1
	}
	await := m.session.l2capPublish.register("")
	if rc := C.CBTPeripheral_PublishL2CAPChannel(m.objcPeripheral, requiresEncryption); rc != 0 {
		m.session.l2capPublish.cancel("", await)
		return nil, ble.NewL2CAPChannelError("failed to publish L2CAP channel", nil)
	}
	select {
	case res := <-await:
		if res.err != nil {
			return nil, res.err
		}
		psm := ble.PSM(res.psm)
		m.mu.Lock()
		m.l2capPSM = &psm
		m.mu.Unlock()
		return &l2capRegistration{manager: m, psm: psm}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type l2capRegistration struct {
	manager *PeripheralManager
	psm     ble.PSM
}

func (r *l2capRegistration) PSM() ble.PSM { return r.psm }

func (r *l2capRegistration) Close() error {
	C.CBTPeripheral_UnpublishL2CAPChannel(r.manager.objcPeripheral, C.ushort(r.psm))
	r.manager.mu.Lock()
	r.manager.l2capPSM = nil
	r.manager.mu.Unlock()
	return nil
}

func (m *PeripheralManager) IncomingL2CAPChannels(ctx context.Context, psm ble.PSM) (*ble.Stream[ble.L2CAPChannel], error) {
	m.mu.Lock()
	published := m.l2capPSM
	m.mu.Unlock()
	if published == nil || *published != psm {
		return nil, ble.NewInvalidStateError("no L2CAP channel published for that psm")
	}
	stream, producer := ble.NewStream[ble.L2CAPChannel](4, func() {})
	m.session.mu.Lock()
	m.session.l2capAccept = producer
	m.session.mu.Unlock()
	return stream, nil
}

func (m *PeripheralManager) ConnectionEvents(ctx context.Context) (*ble.Stream[ble.ConnectionEvent], error) {
	stream, producer := ble.NewStream[ble.ConnectionEvent](8, func() {})
	m.session.mu.Lock()
	m.session.connEvents = producer
	m.session.mu.Unlock()
	return stream, nil
}
