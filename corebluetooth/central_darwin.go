//go:build darwin

package corebluetooth

/*
#include <stdlib.h>

void *CBTManager_New(void *goManager);
void CBTManager_Free(void *manager);
int CBTManager_GetDefaultAdapter(void *manager, void **adapter);
void *CBTCentral_New(void *adapter);
int CBTCentral_Enable(void *central);
int CBTCentral_Disable(void *central);
int CBTCentral_StartScan(void *central, int timeout);
int CBTCentral_StopScan(void *central);
int CBTCentral_Connect(void *central, const char *identifier, void **device);
const char *CBTDevice_GetName(void *device);
int CBTDevice_Disconnect(void *device);

void *CBTPeripheral_New(void *adapter);
int CBTPeripheral_Enable(void *peripheral);

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
	"unsafe"

	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// CentralManager implements ble.CentralManager over CBCentralManager, per
// spec.md §4.10. One CentralManager owns one CBCentralManager and, for the
// lifetime of a connection, one deviceSession per connected CBPeripheral.
type CentralManager struct {
	session     *centralSession
	sessionPtr  unsafe.Pointer
	handle      cgo.Handle
	objcAdapter unsafe.Pointer
	objcCentral unsafe.Pointer
	cfg         Config
	log         *logrus.Entry
}

// New constructs a CentralManager and its companion PeripheralManager,
// sharing the single CBTManager (CBCentralManager + CBPeripheralManager
// pair) CoreBluetooth expects an application to hold one of, per spec.md
// §4.10's note that both roles share one adapter object on this backend.
func New(cfg Config) (*CentralManager, *PeripheralManager, error) {
	shared := newSharedAdapter(cfg)
	if err := shared.enableCentral(); err != nil {
		return nil, nil, err
	}
	if err := shared.enablePeripheral(); err != nil {
		return nil, nil, err
	}
	return shared.central, shared.peripheral, nil
}

// sharedAdapter owns the single CBTManager handle both role-specific
// managers are built against.
type sharedAdapter struct {
	cfg        Config
	managerObj unsafe.Pointer
	central    *CentralManager
	peripheral *PeripheralManager
}

func newSharedAdapter(cfg Config) *sharedAdapter {
	a := &sharedAdapter{cfg: cfg}
	managerHandle := cgo.NewHandle(a)
	a.managerObj = C.CBTManager_New(handlePtr(managerHandle))
	return a
}

func (a *sharedAdapter) enableCentral() error {
	session := newCentralSession()
	handle := cgo.NewHandle(session)
	central := &CentralManager{
		session:     session,
		sessionPtr:  handlePtr(handle),
		handle:      handle,
		objcAdapter: a.managerObj,
		cfg:         a.cfg,
		log:         logrus.WithField("component", "corebluetooth.central"),
	}
	var adapter unsafe.Pointer
	C.CBTManager_GetDefaultAdapter(a.managerObj, (*unsafe.Pointer)(unsafe.Pointer(&adapter)))
	central.objcCentral = C.CBTCentral_New(adapter)
	if rc := C.CBTCentral_Enable(central.objcCentral); rc != 0 {
		return ble.NewNotReadyError("failed to enable CoreBluetooth central role")
	}
	a.central = central
	return nil
}

func (a *sharedAdapter) enablePeripheral() error {
	session := newPeripheralSession()
	handle := cgo.NewHandle(session)
	peripheral := &PeripheralManager{
		session:       session,
		sessionPtr:    handlePtr(handle),
		handle:        handle,
		registrations: make(map[string]*serviceRegistration),
		cfg:           a.cfg,
		log:           logrus.WithField("component", "corebluetooth.peripheral"),
	}
	var adapter unsafe.Pointer
	C.CBTManager_GetDefaultAdapter(a.managerObj, (*unsafe.Pointer)(unsafe.Pointer(&adapter)))
	peripheral.objcPeripheral = C.CBTPeripheral_New(adapter)
	session.objcPeripheral = peripheral.objcPeripheral
	if rc := C.CBTPeripheral_Enable(peripheral.objcPeripheral); rc != 0 {
		return ble.NewNotReadyError("failed to enable CoreBluetooth peripheral role")
	}
	C.CBTPeripheral_SetCallbacks(peripheral.objcPeripheral, nil, nil, nil, nil, nil, handlePtr(handle))
	a.peripheral = peripheral
	return nil
}

// Scan implements ble.CentralManager.
func (m *CentralManager) Scan(ctx context.Context, filter ble.ScanFilter, params ble.ScanParameters) (*ble.Stream[ble.ScanResult], error) {
	m.session.mu.Lock()
	if m.session.scanProducer != nil {
		m.session.mu.Unlock()
		return nil, ble.NewInvalidStateError("a scan is already in progress")
	}
	stream, producer := ble.NewStream[ble.ScanResult](16, func() {
		C.CBTCentral_StopScan(m.objcCentral)
		m.session.mu.Lock()
		m.session.scanProducer = nil
		m.session.mu.Unlock()
		if m.cfg.Verbose {
			m.log.Info("scan stopped")
		}
	})
	m.session.scanProducer = producer
	m.session.scanFilter = filter
	m.session.allowDupes = params.AllowDuplicates
	m.session.scanSeen = make(map[string]bool)
	m.session.mu.Unlock()

	if rc := C.CBTCentral_StartScan(m.objcCentral, 0); rc != 0 {
		stream.Close()
		return nil, ble.NewNotReadyError("failed to start scan")
	}
	if m.cfg.Verbose {
		m.log.Info("scan started")
	}
	return stream, nil
}

// Connect implements ble.CentralManager.
func (m *CentralManager) Connect(ctx context.Context, p ble.Peripheral, opts ble.ConnectionOptions) (ble.PeripheralConnection, error) {
	identifier := peripheralIdentifier(p)
	if identifier == "" {
		return nil, ble.NewInvalidPeripheralError("peripheral id is not a CoreBluetooth identifier")
	}

	cIdentifier := C.CString(identifier)
	defer C.free(unsafe.Pointer(cIdentifier))

	await := m.session.connectResult.register(identifier)
	var device unsafe.Pointer
	if rc := C.CBTCentral_Connect(m.objcCentral, cIdentifier, (*unsafe.Pointer)(unsafe.Pointer(&device))); rc != 0 {
		m.session.connectResult.cancel(identifier, await)
		return nil, ble.NewInvalidPeripheralError("peripheral is not known to CoreBluetooth (scan for it first)")
	}

	select {
	case res := <-await:
		if res.err != nil {
			return nil, res.err
		}
		name := C.GoString(C.CBTDevice_GetName(res.device))
		conn := newConnection(p, m.objcCentral, res.device, identifier, name)
		m.session.mu.Lock()
		m.session.devices[identifier] = conn.session
		m.session.mu.Unlock()
		p.SetName(name)
		conn.session.stateProducer.Emit(ble.PeripheralConnectionState{Kind: ble.Connected})
		if m.cfg.Verbose {
			m.log.WithField("peripheral", identifier).Info("connected")
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PairingRequests implements ble.CentralManager. CoreBluetooth has no public
// pairing-agent API equivalent to BlueZ's Agent1: pairing is negotiated by
// the OS's own Bluetooth Settings UI outside the application process, so
// this stream finishes immediately with Unimplemented rather than ever
// emitting a prompt.
func (m *CentralManager) PairingRequests(ctx context.Context) (*ble.Stream[ble.PairingRequest], error) {
	stream, producer := ble.NewStream[ble.PairingRequest](0, func() {})
	producer.Finish(ble.NewUnimplementedError("pairing agent (CoreBluetooth exposes no public pairing API)"))
	return stream, nil
}

// RemoveBond implements ble.CentralManager. CoreBluetooth offers no API to
// forget bonding keys from application code; the user must remove the
// device from macOS/iOS Bluetooth Settings.
func (m *CentralManager) RemoveBond(ctx context.Context, p ble.Peripheral) error {
	return ble.NewUnimplementedError("bond removal (CoreBluetooth exposes no public unpair API)")
}

func peripheralIdentifier(p ble.Peripheral) string {
	id := string(p.ID())
	const prefix = "uuid:"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}
	return ""
}
