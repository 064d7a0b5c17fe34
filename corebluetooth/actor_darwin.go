//go:build darwin

package corebluetooth

/*
#include <stdlib.h>

int CBTPeripheral_RespondToRequest(void *peripheral, void *request, int resultCode);
*/
import "C"

import (
	"context"
	"runtime/cgo"
	"sync"
	"unsafe"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// handlePtr converts a cgo.Handle into the void* CoreBluetooth's delegates
// carry around as userData/goManager/goDevice/goPeripheral/goChannel for the
// lifetime of a session, and back. Handles, not raw Go pointers, cross into
// ObjC storage here: a Go pointer stashed in an NSObject property beyond the
// call that received it violates the cgo pointer-passing rules, so every
// long-lived cross-call reference in this package is a cgo.Handle instead.
func handlePtr(h cgo.Handle) unsafe.Pointer { return unsafe.Pointer(uintptr(h)) }

func handleFrom(p unsafe.Pointer) cgo.Handle { return cgo.Handle(uintptr(p)) }

// correlator pairs CoreBluetooth's one-attribute-UUID-at-a-time delegate
// callbacks with the Go call that is waiting on them. Values are queued FIFO
// per key so that two overlapping requests against the same attribute (rare,
// but legal: nothing stops a caller from issuing a second read before the
// first's callback lands) resolve in issue order, mirroring the
// submission-order queue gatt/server.go keeps for prepared writes.
type correlator[T any] struct {
	mu      sync.Mutex
	pending map[string][]chan T
}

func newCorrelator[T any]() *correlator[T] {
	return &correlator[T]{pending: make(map[string][]chan T)}
}

func (c *correlator[T]) register(key string) chan T {
	ch := make(chan T, 1)
	c.mu.Lock()
	c.pending[key] = append(c.pending[key], ch)
	c.mu.Unlock()
	return ch
}

// resolve delivers v to the oldest pending registration for key, reporting
// whether one existed.
func (c *correlator[T]) resolve(key string, v T) bool {
	c.mu.Lock()
	q := c.pending[key]
	if len(q) == 0 {
		c.mu.Unlock()
		return false
	}
	ch := q[0]
	if len(q) == 1 {
		delete(c.pending, key)
	} else {
		c.pending[key] = q[1:]
	}
	c.mu.Unlock()
	ch <- v
	return true
}

func (c *correlator[T]) cancel(key string, ch chan T) {
	c.mu.Lock()
	q := c.pending[key]
	for i, pending := range q {
		if pending == ch {
			c.pending[key] = append(q[:i], q[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

type valueResult struct {
	value []byte
	err   error
}

type csvResult struct {
	csv string
	err error
}

type intResult struct {
	value int
	err   error
}

type connectResult struct {
	device unsafe.Pointer
	err    error
}

// deviceSession is the per-connected-device state a CBTDeviceDelegate's
// callbacks resolve against; see connection_darwin.go for the
// ble.PeripheralConnection this backs.
type deviceSession struct {
	mu            sync.Mutex
	cbPeripheral  unsafe.Pointer
	identifier    string
	name          string
	stateProducer *ble.StreamProducer[ble.PeripheralConnectionState]
	notifications *ble.StreamProducer[ble.Notification]
	notifChars    map[string]ble.GATTCharacteristic // attrUUID -> characteristic, for notification routing
	pendingReads  map[string]int                    // attrUUID -> outstanding explicit-read count
	discoverSvc   *correlator[csvResult]
	discoverChar  *correlator[csvResult]
	discoverDesc  *correlator[csvResult]
	readResult    *correlator[valueResult]
	writeResult   *correlator[struct{ err error }]
	notifyResult  *correlator[struct{ err error }]
	rssiResult    *correlator[intResult]
	l2capResult   *correlator[struct {
		channel unsafe.Pointer
		err     error
	}]
}

func newDeviceSession(cbPeripheral unsafe.Pointer, identifier, name string) *deviceSession {
	stream, producer := ble.NewStream[ble.PeripheralConnectionState](4, func() {})
	_ = stream
	notifStream, notifProducer := ble.NewStream[ble.Notification](8, func() {})
	_ = notifStream
	return &deviceSession{
		cbPeripheral:  cbPeripheral,
		identifier:    identifier,
		name:          name,
		stateProducer: producer,
		notifications: notifProducer,
		notifChars:    make(map[string]ble.GATTCharacteristic),
		pendingReads:  make(map[string]int),
		discoverSvc:   newCorrelator[csvResult](),
		discoverChar:  newCorrelator[csvResult](),
		discoverDesc:  newCorrelator[csvResult](),
		readResult:    newCorrelator[valueResult](),
		writeResult:   newCorrelator[struct{ err error }](),
		notifyResult:  newCorrelator[struct{ err error }](),
		rssiResult:    newCorrelator[intResult](),
		l2capResult: newCorrelator[struct {
			channel unsafe.Pointer
			err     error
		}](),
	}
}

// centralSession is the CBTCentralManagerDelegate-facing state shared by a
// single CentralManager.
type centralSession struct {
	mu            sync.Mutex
	scanProducer  *ble.StreamProducer[ble.ScanResult]
	scanFilter    ble.ScanFilter
	scanSeen      map[string]bool
	allowDupes    bool
	connectResult *correlator[connectResult]
	devices       map[string]*deviceSession // identifier -> session, populated on connect
}

func newCentralSession() *centralSession {
	return &centralSession{
		connectResult: newCorrelator[connectResult](),
		devices:       make(map[string]*deviceSession),
	}
}

func dispatchScanResult(goCentral unsafe.Pointer, identifier, name string, rssi int, mfgData []byte) {
	s, ok := handleFrom(goCentral).Value().(*centralSession)
	if !ok {
		return
	}
	s.mu.Lock()
	producer := s.scanProducer
	filter := s.scanFilter
	allowDupes := s.allowDupes
	if producer == nil {
		s.mu.Unlock()
		return
	}
	if !allowDupes {
		if s.scanSeen[identifier] {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	displayName, _ := ble.SanitizeName(name)
	adv := ble.AdvertisementData{}
	if displayName != "" {
		adv.LocalName = &displayName
	}
	if len(mfgData) >= 2 {
		companyID := uint16(mfgData[0]) | uint16(mfgData[1])<<8
		adv.ManufacturerData = &ble.ManufacturerData{CompanyID: companyID, Data: append([]byte(nil), mfgData[2:]...)}
	}
	if !filter.Matches(adv) {
		return
	}

	s.mu.Lock()
	if !allowDupes {
		s.scanSeen[identifier] = true
	}
	s.mu.Unlock()

	peripheral := ble.NewPeripheral(ble.NewDeviceIDFromUUID(identifier), displayName)
	producer.Emit(ble.ScanResult{Peripheral: peripheral, AdvertisementData: adv, RSSI: int16(rssi)})
}

func dispatchConnected(goCentral unsafe.Pointer, cbPeripheral unsafe.Pointer, identifier string) {
	s, ok := handleFrom(goCentral).Value().(*centralSession)
	if !ok {
		return
	}
	s.connectResult.resolve(identifier, connectResult{device: cbPeripheral})
}

func dispatchDisconnected(goCentral unsafe.Pointer, identifier, reason string) {
	s, ok := handleFrom(goCentral).Value().(*centralSession)
	if !ok {
		return
	}
	if s.connectResult.resolve(identifier, connectResult{err: ble.NewConnectionFailedError(reason, nil)}) {
		return
	}
	s.mu.Lock()
	device := s.devices[identifier]
	s.mu.Unlock()
	if device == nil {
		return
	}
	device.mu.Lock()
	producer := device.stateProducer
	device.mu.Unlock()
	if producer != nil {
		r := reason
		producer.Emit(ble.PeripheralConnectionState{Kind: ble.Disconnected, Reason: &r})
	}
}

func dispatchDiscoverServices(goDevice unsafe.Pointer, csv string, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	d.discoverSvc.resolve("", csvResult{csv: csv, err: discoverErr(success)})
}

func dispatchDiscoverCharacteristics(goDevice unsafe.Pointer, serviceUUID, csv string, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	d.discoverChar.resolve(serviceUUID, csvResult{csv: csv, err: discoverErr(success)})
}

func dispatchDiscoverDescriptors(goDevice unsafe.Pointer, charUUID, csv string, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	d.discoverDesc.resolve(charUUID, csvResult{csv: csv, err: discoverErr(success)})
}

func discoverErr(success bool) error {
	if success {
		return nil
	}
	return ble.NewServiceNotFoundError(ble.UUID{})
}

// dispatchValueUpdate is called for both characteristic and descriptor value
// updates; didUpdateValueForCharacteristic additionally doubles as a
// notification delivery, so a pending explicit-read claim on attrUUID is
// consumed first, and only an unclaimed update is treated as a notification.
func dispatchValueUpdate(goDevice unsafe.Pointer, attrUUID string, data []byte, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	var err error
	if !success {
		err = ble.NewATTError(ble.ATTErrorUnlikelyError) // Unlikely Error, no finer-grained reason is surfaced
	}

	d.mu.Lock()
	claimed := d.pendingReads[attrUUID] > 0
	if claimed {
		d.pendingReads[attrUUID]--
		if d.pendingReads[attrUUID] == 0 {
			delete(d.pendingReads, attrUUID)
		}
	}
	ch, isNotify := d.notifChars[attrUUID]
	producer := d.notifications
	d.mu.Unlock()

	if claimed {
		d.readResult.resolve(attrUUID, valueResult{value: data, err: err})
		return
	}
	if isNotify && producer != nil && err == nil {
		producer.Emit(ble.Notification{Characteristic: ch, Value: data})
	}
}

func dispatchWriteComplete(goDevice unsafe.Pointer, attrUUID string, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	var err error
	if !success {
		err = ble.NewATTError(ble.ATTErrorUnlikelyError)
	}
	d.writeResult.resolve(attrUUID, struct{ err error }{err: err})
}

func dispatchNotifyState(goDevice unsafe.Pointer, charUUID string, enabled bool, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	var err error
	if !success {
		err = ble.NewNotificationFailedError("failed to update notification state", nil)
	}
	d.notifyResult.resolve(charUUID, struct{ err error }{err: err})
}

func dispatchRSSI(goDevice unsafe.Pointer, rssi int, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	var err error
	if !success {
		err = ble.NewConnectionFailedError("RSSI read failed", nil)
	}
	d.rssiResult.resolve("", intResult{value: rssi, err: err})
}

func dispatchL2CAPOpen(goDevice unsafe.Pointer, channel unsafe.Pointer, success bool) {
	d, ok := handleFrom(goDevice).Value().(*deviceSession)
	if !ok {
		return
	}
	var err error
	if !success {
		err = ble.NewL2CAPChannelError("failed to open L2CAP channel", nil)
	}
	d.l2capResult.resolve("", struct {
		channel unsafe.Pointer
		err     error
	}{channel: channel, err: err})
}

// peripheralSession is the CBTPeripheralManagerDelegate-facing state for the
// local GATT server and advertising surface.
type peripheralSession struct {
	mu             sync.Mutex
	objcPeripheral unsafe.Pointer
	requests       *ble.StreamProducer[*ble.GATTServerRequest]
	connEvents     *ble.StreamProducer[ble.ConnectionEvent]
	charsByUUID    map[string]ble.GATTCharacteristic
	subscribed     map[string]map[string]bool // charUUID -> centralID -> subscribed
	pendingReqs    sync.Map                   // request token (unsafe.Pointer as uintptr) -> *ble.GATTServerRequest
	l2capPublish   *correlator[struct {
		psm uint16
		err error
	}]
	l2capAccept *ble.StreamProducer[ble.L2CAPChannel]
}

func newPeripheralSession() *peripheralSession {
	return &peripheralSession{
		charsByUUID: make(map[string]ble.GATTCharacteristic),
		subscribed:  make(map[string]map[string]bool),
		l2capPublish: newCorrelator[struct {
			psm uint16
			err error
		}](),
	}
}

func dispatchReadRequest(goPeripheral unsafe.Pointer, request unsafe.Pointer, charUUID string, offset int) {
	p, ok := handleFrom(goPeripheral).Value().(*peripheralSession)
	if !ok {
		return
	}
	p.mu.Lock()
	ch, known := p.charsByUUID[charUUID]
	producer := p.requests
	p.mu.Unlock()
	if !known || producer == nil {
		return
	}
	req, await := ble.NewReadRequest(ble.GATTRequestRead, nil, &ch, nil, offset)
	producer.Emit(req)
	go func() {
		value, err := ble.AwaitValue(context.Background(), await)
		result := C.int(0)
		if err != nil {
			result = C.int(mapATTResult(err))
		}
		C.CBTPeripheral_RespondToRequest(p.objcPeripheral, request, result)
		_ = value
	}()
}

func dispatchWriteRequest(goPeripheral unsafe.Pointer, request unsafe.Pointer, charUUID string, data []byte, offset int) {
	p, ok := handleFrom(goPeripheral).Value().(*peripheralSession)
	if !ok {
		return
	}
	p.mu.Lock()
	ch, known := p.charsByUUID[charUUID]
	producer := p.requests
	p.mu.Unlock()
	if !known || producer == nil {
		return
	}
	req, await := ble.NewWriteRequest(ble.GATTRequestWrite, nil, &ch, nil, offset, data, false)
	producer.Emit(req)
	go func() {
		err := ble.AwaitWrite(context.Background(), await)
		result := C.int(0)
		if err != nil {
			result = C.int(mapATTResult(err))
		}
		C.CBTPeripheral_RespondToRequest(p.objcPeripheral, request, result)
	}()
}

// mapATTResult maps an application-level error to a CBATTError code.
// CoreBluetooth only distinguishes a handful of ATT result codes at this
// layer; anything not explicitly recognized collapses to
// CBATTErrorUnlikelyError(14).
func mapATTResult(err error) int {
	if gerr, ok := err.(*ble.GATTError); ok {
		return int(gerr.Code)
	}
	return int(ble.ATTErrorUnlikelyError)
}

func dispatchSubscribe(goPeripheral unsafe.Pointer, charUUID, centralID string, subscribed bool) {
	p, ok := handleFrom(goPeripheral).Value().(*peripheralSession)
	if !ok {
		return
	}
	p.mu.Lock()
	if p.subscribed[charUUID] == nil {
		p.subscribed[charUUID] = make(map[string]bool)
	}
	p.subscribed[charUUID][centralID] = subscribed
	ch, known := p.charsByUUID[charUUID]
	reqProducer := p.requests
	connProducer := p.connEvents
	p.mu.Unlock()

	if known && reqProducer != nil {
		kind := ble.GATTRequestSubscribe
		if !subscribed {
			kind = ble.GATTRequestUnsubscribe
		}
		central := ble.NewCentral(ble.NewDeviceIDFromUUID(centralID), "")
		req, await := ble.NewReadRequest(kind, &central, &ch, nil, 0)
		reqProducer.Emit(req)
		go func() { ble.AwaitValue(context.Background(), await) }()
	}

	if connProducer != nil {
		kind := ble.CentralConnected
		if !subscribed {
			kind = ble.CentralDisconnected
		}
		connProducer.Emit(ble.ConnectionEvent{Kind: kind, Central: ble.NewCentral(ble.NewDeviceIDFromUUID(centralID), "")})
	}
}

func dispatchL2CAPPublished(goPeripheral unsafe.Pointer, psm uint16, success bool) {
	p, ok := handleFrom(goPeripheral).Value().(*peripheralSession)
	if !ok {
		return
	}
	var err error
	if !success {
		err = ble.NewL2CAPChannelError("failed to publish L2CAP channel", nil)
	}
	p.l2capPublish.resolve("", struct {
		psm uint16
		err error
	}{psm: psm, err: err})
}

func dispatchL2CAPAccepted(goPeripheral unsafe.Pointer, channel unsafe.Pointer, centralID string) {
	p, ok := handleFrom(goPeripheral).Value().(*peripheralSession)
	if !ok {
		return
	}
	p.mu.Lock()
	producer := p.l2capAccept
	p.mu.Unlock()
	if producer == nil {
		return
	}
	ch := newChannel(channel)
	producer.Emit(ch)
}

// channelSession routes a pump's data/close callbacks to the Channel reading
// from it; see l2cap_darwin.go.
type channelSession struct {
	mu     sync.Mutex
	buf    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChannelSession() *channelSession {
	return &channelSession{
		buf:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func dispatchL2CAPData(goChannel unsafe.Pointer, data []byte) {
	s, ok := handleFrom(goChannel).Value().(*channelSession)
	if !ok {
		return
	}
	cp := append([]byte(nil), data...)
	select {
	case s.buf <- cp:
	case <-s.closed:
	}
}

func dispatchL2CAPClosed(goChannel unsafe.Pointer) {
	s, ok := handleFrom(goChannel).Value().(*channelSession)
	if !ok {
		return
	}
	s.once.Do(func() { close(s.closed) })
}
