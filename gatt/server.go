package gatt

import (
	"context"
	"sync"

	"github.com/wendylabsinc/bluetooth-sub000"
)

// ReadOptions carries the parsed ReadValue options from spec.md §4.2.
type ReadOptions struct {
	Offset           int
	PrepareAuthorize bool
}

// WriteKind selects the write semantics parsed from the WriteValue options
// dictionary's "type" entry, per spec.md §4.2.
type WriteKind int

const (
	WriteRequest WriteKind = iota
	WriteCommand
	WriteReliable
)

// WriteOptions carries the parsed WriteValue options from spec.md §4.2.
type WriteOptions struct {
	Offset           int
	Type             WriteKind
	Prepare          bool
	PrepareAuthorize bool
}

type characteristicState struct {
	reg        *CharacteristicRegistration
	mu         sync.Mutex
	value      []byte
	subscriber map[ble.DeviceID]ble.SubscriptionPreference
}

type descriptorState struct {
	reg   *DescriptorRegistration
	mu    sync.Mutex
	value []byte
}

type serviceState struct {
	reg             *ServiceRegistration
	characteristics map[uint32]*characteristicState
}

type preparedEntry struct {
	id       uint64
	charID   uint32
	descID   uint32 // 0 if targeting a characteristic
	data     []byte
	offset   int
	approved *bool
}

// NotifyDeliverer is invoked by Server.UpdateValue for every central
// currently subscribed to the updated characteristic; the backend
// implements this to actually emit the transport-level notification (a
// BlueZ PropertiesChanged signal, a CoreBluetooth updateValue call, ...).
type NotifyDeliverer func(central ble.Central, reg *CharacteristicRegistration, value []byte, isIndication bool)

// Server is the backend-agnostic C4 GATT server controller.
type Server struct {
	mu sync.Mutex

	nextServiceID uint32
	nextCharID    uint32
	nextDescID    uint32
	nextEntryID   uint64

	services        map[uint32]*serviceState
	characteristics map[uint32]*characteristicState // flat index for O(1) lookup by handle
	descriptors     map[uint32]*descriptorState

	preparedWrites map[ble.DeviceID][]*preparedEntry

	requestProducer *ble.StreamProducer[*ble.GATTServerRequest]
	requestStream   *ble.Stream[*ble.GATTServerRequest]

	deliver NotifyDeliverer
}

// NewServer constructs an empty GATT server controller.
func NewServer() *Server {
	return &Server{
		services:        make(map[uint32]*serviceState),
		characteristics: make(map[uint32]*characteristicState),
		descriptors:     make(map[uint32]*descriptorState),
		preparedWrites:  make(map[ble.DeviceID][]*preparedEntry),
	}
}

// SetNotifyDeliverer registers the backend's notification delivery
// callback. It must be called once, before the first UpdateValue.
func (s *Server) SetNotifyDeliverer(d NotifyDeliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = d
}

// Attach returns the GATTServerRequest stream for the single consumer of
// this server's requests (spec.md §4.1's "single active stream per
// manager"). A second concurrent Attach before the first is Close()d fails
// with ErrorKindInvalidState.
func (s *Server) Attach() (*ble.Stream[*ble.GATTServerRequest], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestStream != nil {
		return nil, ble.NewInvalidStateError("GATT request stream already attached")
	}
	stream, producer := ble.NewStream[*ble.GATTServerRequest](16, func() {
		s.mu.Lock()
		s.requestStream = nil
		s.requestProducer = nil
		s.mu.Unlock()
	})
	s.requestStream = stream
	s.requestProducer = producer
	return stream, nil
}

// AddService registers a service and its characteristics/descriptors,
// deriving each characteristic's flag set and failing with
// ErrorKindServiceRegistrationFailed if any derived flag set is empty
// (spec.md §3 GATTCharacteristicDefinition invariant).
func (s *Server) AddService(def ble.GATTServiceDefinition) (*ServiceRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextServiceID++
	serviceID := s.nextServiceID
	svcInstance := serviceID
	svc := ble.GATTService{UUID: def.UUID, IsPrimary: def.IsPrimary, InstanceID: &svcInstance}

	reg := &ServiceRegistration{Handle: ServiceHandle{id: serviceID}, Service: svc}
	state := &serviceState{reg: reg, characteristics: make(map[uint32]*characteristicState)}

	for _, cdef := range def.Characteristics {
		flags := ble.DeriveFlags(cdef.Properties, cdef.Permissions)
		if len(flags) == 0 {
			return nil, ble.NewServiceRegistrationFailedError("characteristic "+cdef.UUID.String()+" derives no flags", nil)
		}

		s.nextCharID++
		charID := s.nextCharID
		charInstance := charID
		gchar := ble.GATTCharacteristic{UUID: cdef.UUID, Properties: cdef.Properties, InstanceID: &charInstance, Service: svc}
		creg := &CharacteristicRegistration{Handle: CharacteristicHandle{id: charID}, Characteristic: gchar, Flags: flags}

		cstate := &characteristicState{
			reg:        creg,
			value:      append([]byte(nil), cdef.InitialValue...),
			subscriber: make(map[ble.DeviceID]ble.SubscriptionPreference),
		}

		for _, ddef := range cdef.Descriptors {
			s.nextDescID++
			descID := s.nextDescID
			gdesc := ble.GATTDescriptor{UUID: ddef.UUID, Characteristic: gchar}
			dreg := &DescriptorRegistration{Handle: DescriptorHandle{id: descID}, Descriptor: gdesc}
			dstate := &descriptorState{reg: dreg, value: append([]byte(nil), ddef.InitialValue...)}
			s.descriptors[descID] = dstate
			creg.Descriptors = append(creg.Descriptors, dreg)
		}

		s.characteristics[charID] = cstate
		state.characteristics[charID] = cstate
		reg.Characteristics = append(reg.Characteristics, creg)
	}

	s.services[serviceID] = state
	return reg, nil
}

// RemoveService unregisters a service, its characteristics, and
// descriptors, and discards any prepared-write entries targeting them, per
// spec.md §4.2 "removing a service mid-sequence discards its entries".
func (s *Server) RemoveService(reg *ServiceRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.services[reg.Handle.id]
	if !ok {
		return ble.NewServiceNotFoundError(reg.Service.UUID)
	}

	removedChars := make(map[uint32]bool)
	for charID, cstate := range state.characteristics {
		removedChars[charID] = true
		delete(s.characteristics, charID)
		for _, d := range cstate.reg.Descriptors {
			delete(s.descriptors, d.Handle.id)
		}
	}
	delete(s.services, reg.Handle.id)

	for central, entries := range s.preparedWrites {
		kept := entries[:0]
		for _, e := range entries {
			if !removedChars[e.charID] {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.preparedWrites, central)
		} else {
			s.preparedWrites[central] = kept
		}
	}
	return nil
}

func (s *Server) lookupChar(h CharacteristicHandle) (*characteristicState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.characteristics[h.id]
	if !ok {
		return nil, ble.NewCharacteristicNotFoundError(ble.UUID{})
	}
	return cs, nil
}

func (s *Server) lookupDesc(h DescriptorHandle) (*descriptorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.descriptors[h.id]
	if !ok {
		return nil, ble.NewDescriptorNotFoundError(ble.UUID{})
	}
	return ds, nil
}

// emitAndAwaitValue emits a read-shaped request to the attached consumer
// and blocks for its response. Returns (nil, false) if no consumer is
// attached.
func (s *Server) emitAndAwaitValue(ctx context.Context, kind ble.GATTRequestKind, central *ble.Central, ch *ble.GATTCharacteristic, desc *ble.GATTDescriptor, offset int) ([]byte, bool, error) {
	s.mu.Lock()
	producer := s.requestProducer
	s.mu.Unlock()
	if producer == nil {
		return nil, false, nil
	}

	req, await := ble.NewReadRequest(kind, central, ch, desc, offset)
	producer.Emit(req)
	value, err := ble.AwaitValue(ctx, await)
	return value, true, err
}

func (s *Server) emitAndAwaitWrite(ctx context.Context, kind ble.GATTRequestKind, central *ble.Central, ch *ble.GATTCharacteristic, desc *ble.GATTDescriptor, offset int, value []byte, prepared bool) (bool, error) {
	s.mu.Lock()
	producer := s.requestProducer
	s.mu.Unlock()
	if producer == nil {
		return false, nil
	}

	req, await := ble.NewWriteRequest(kind, central, ch, desc, offset, value, prepared)
	producer.Emit(req)
	return true, ble.AwaitWrite(ctx, await)
}

// HandleRead dispatches an inbound ReadValue per spec.md §4.2. If
// PrepareAuthorize is set, an authorize request is emitted first and the
// read aborts on rejection. If a consumer is attached it answers the read
// directly (responsible for any offset slicing); otherwise the stored
// value is sliced from Offset, failing with ATTErrorInvalidOffset if
// Offset exceeds the value's length.
func (s *Server) HandleRead(ctx context.Context, central ble.Central, h CharacteristicHandle, opts ReadOptions) ([]byte, error) {
	cs, err := s.lookupChar(h)
	if err != nil {
		return nil, err
	}

	gchar := cs.reg.Characteristic

	if opts.PrepareAuthorize {
		if _, attached, err := s.emitAndAwaitValue(ctx, ble.GATTRequestAuthorize, &central, &gchar, nil, opts.Offset); attached {
			if err != nil {
				return nil, err
			}
		}
	}

	value, attached, err := s.emitAndAwaitValue(ctx, ble.GATTRequestRead, &central, &gchar, nil, opts.Offset)
	if attached {
		return value, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if opts.Offset > len(cs.value) {
		return nil, ble.NewATTError(ble.ATTErrorInvalidOffset)
	}
	return append([]byte(nil), cs.value[opts.Offset:]...), nil
}

// HandleReadDescriptor is HandleRead's descriptor-targeted counterpart.
func (s *Server) HandleReadDescriptor(ctx context.Context, central ble.Central, h DescriptorHandle, opts ReadOptions) ([]byte, error) {
	ds, err := s.lookupDesc(h)
	if err != nil {
		return nil, err
	}
	gdesc := ds.reg.Descriptor

	value, attached, err := s.emitAndAwaitValue(ctx, ble.GATTRequestReadDescriptor, &central, nil, &gdesc, opts.Offset)
	if attached {
		return value, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if opts.Offset > len(ds.value) {
		return nil, ble.NewATTError(ble.ATTErrorInvalidOffset)
	}
	return append([]byte(nil), ds.value[opts.Offset:]...), nil
}

// HandleWrite dispatches an inbound WriteValue per spec.md §4.2. A
// command-type write requires the write-without-response flag; a reliable
// or prepare=true write is buffered as a prepared-write entry instead of
// applied immediately.
func (s *Server) HandleWrite(ctx context.Context, central ble.Central, h CharacteristicHandle, data []byte, opts WriteOptions) error {
	cs, err := s.lookupChar(h)
	if err != nil {
		return err
	}
	gchar := cs.reg.Characteristic

	if opts.PrepareAuthorize {
		if _, attached, err := s.emitAndAwaitValue(ctx, ble.GATTRequestAuthorize, &central, &gchar, nil, opts.Offset); attached && err != nil {
			return err
		}
	}

	if opts.Type == WriteCommand {
		permitted := false
		for _, f := range cs.reg.Flags {
			if f == "write-without-response" {
				permitted = true
			}
		}
		if !permitted {
			return ble.NewGATTError(ble.ATTErrorWriteNotPermitted)
		}
	}

	prepared := opts.Type == WriteReliable || opts.Prepare

	if prepared {
		return s.bufferPreparedWrite(ctx, central, h.id, 0, &gchar, nil, data, opts.Offset)
	}

	attached, err := s.emitAndAwaitWrite(ctx, ble.GATTRequestWrite, &central, &gchar, nil, opts.Offset, data, false)
	if attached {
		if err != nil {
			return err
		}
		s.applyValue(cs, nil, data, opts.Offset)
		return nil
	}

	s.applyValue(cs, nil, data, opts.Offset)
	return nil
}

// HandleWriteDescriptor is HandleWrite's descriptor-targeted, non-prepared
// counterpart (descriptors do not participate in the prepared-write queue).
func (s *Server) HandleWriteDescriptor(ctx context.Context, central ble.Central, h DescriptorHandle, data []byte, offset int) error {
	ds, err := s.lookupDesc(h)
	if err != nil {
		return err
	}
	gdesc := ds.reg.Descriptor

	attached, err := s.emitAndAwaitWrite(ctx, ble.GATTRequestWriteDescriptor, &central, nil, &gdesc, offset, data, false)
	if attached && err != nil {
		return err
	}

	ds.mu.Lock()
	ds.value = zeroExtendWrite(ds.value, data, offset)
	ds.mu.Unlock()
	return nil
}

func (s *Server) applyValue(cs *characteristicState, _ *descriptorState, data []byte, offset int) {
	cs.mu.Lock()
	cs.value = zeroExtendWrite(cs.value, data, offset)
	cs.mu.Unlock()
}

func zeroExtendWrite(existing, data []byte, offset int) []byte {
	if offset > len(existing) {
		extended := make([]byte, offset, offset+len(data))
		copy(extended, existing)
		existing = extended
	}
	needed := offset + len(data)
	if needed > len(existing) {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	} else {
		existing = append([]byte(nil), existing...)
	}
	copy(existing[offset:], data)
	return existing
}

func (s *Server) bufferPreparedWrite(ctx context.Context, central ble.Central, charID uint32, descID uint32, gchar *ble.GATTCharacteristic, gdesc *ble.GATTDescriptor, data []byte, offset int) error {
	s.mu.Lock()
	s.nextEntryID++
	entry := &preparedEntry{id: s.nextEntryID, charID: charID, descID: descID, data: append([]byte(nil), data...), offset: offset}
	s.preparedWrites[central.ID()] = append(s.preparedWrites[central.ID()], entry)
	s.mu.Unlock()

	attached, err := s.emitAndAwaitWrite(ctx, ble.GATTRequestWrite, &central, gchar, gdesc, offset, data, true)
	approved := err == nil
	s.mu.Lock()
	entry.approved = &approved
	s.mu.Unlock()
	if attached {
		return err
	}
	return nil
}

// HandleExecuteWrite commits (or discards) a central's prepared-write
// queue, per spec.md §4.2's reliable-write protocol: all entries in the
// queue must be approved before commit may apply any of them; a single
// rejection discards the entire queue without applying anything, and
// entries apply in submission order, zero-extending the target's stored
// bytes as needed to reach each entry's offset.
func (s *Server) HandleExecuteWrite(ctx context.Context, central ble.Central) error {
	s.mu.Lock()
	entries := s.preparedWrites[central.ID()]
	delete(s.preparedWrites, central.ID())
	s.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		if e.approved == nil || !*e.approved {
			return ble.NewGATTError(ble.ATTErrorRequestNotSupported)
		}
	}

	attached, err := s.emitAndAwaitWrite(ctx, ble.GATTRequestExecuteWrite, &central, nil, nil, 0, nil, false)
	if attached && err != nil {
		return err
	}

	for _, e := range entries {
		if e.descID != 0 {
			if ds, ok := s.descriptors[e.descID]; ok {
				ds.mu.Lock()
				ds.value = zeroExtendWrite(ds.value, e.data, e.offset)
				ds.mu.Unlock()
			}
			continue
		}
		s.mu.Lock()
		cs, ok := s.characteristics[e.charID]
		s.mu.Unlock()
		if ok {
			s.applyValue(cs, nil, e.data, e.offset)
		}
	}
	return nil
}

// HandleStartNotify records central as a subscriber with the given
// preference (the bluez backend passes PreferIndication for a
// characteristic flagged "indicate" but not "notify", PreferNotification
// otherwise).
func (s *Server) HandleStartNotify(ctx context.Context, central ble.Central, h CharacteristicHandle, preference ble.SubscriptionPreference) error {
	cs, err := s.lookupChar(h)
	if err != nil {
		return err
	}
	gchar := cs.reg.Characteristic

	if _, attached, err := s.emitAndAwaitValue(ctx, ble.GATTRequestSubscribe, &central, &gchar, nil, 0); attached && err != nil {
		return err
	}

	cs.mu.Lock()
	cs.subscriber[central.ID()] = preference
	cs.mu.Unlock()
	return nil
}

// HandleStopNotify removes central as a subscriber.
func (s *Server) HandleStopNotify(ctx context.Context, central ble.Central, h CharacteristicHandle) error {
	cs, err := s.lookupChar(h)
	if err != nil {
		return err
	}
	gchar := cs.reg.Characteristic

	if _, attached, err := s.emitAndAwaitValue(ctx, ble.GATTRequestUnsubscribe, &central, &gchar, nil, 0); attached && err != nil {
		return err
	}

	cs.mu.Lock()
	delete(cs.subscriber, central.ID())
	cs.mu.Unlock()
	return nil
}

// UpdateValue stores a new characteristic value and, for every currently
// subscribed central, invokes the registered NotifyDeliverer with the
// subscriber's own notify/indicate preference (spec.md §4.2 "Notification
// delivery").
func (s *Server) UpdateValue(h CharacteristicHandle, value []byte) error {
	cs, err := s.lookupChar(h)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	cs.value = append([]byte(nil), value...)
	subs := make(map[ble.DeviceID]ble.SubscriptionPreference, len(cs.subscriber))
	for id, pref := range cs.subscriber {
		subs[id] = pref
	}
	deliver := s.getDeliverer()
	cs.mu.Unlock()

	if deliver == nil || len(subs) == 0 {
		return nil
	}
	for id, pref := range subs {
		deliver(ble.NewCentral(id, ""), cs.reg, value, pref == ble.PreferIndication)
	}
	return nil
}

func (s *Server) getDeliverer() NotifyDeliverer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliver
}

// DisconnectCentral fails every entry in a central's prepared-write queue
// and clears its subscriptions, per spec.md §4.11 "When a connection
// drops, all in-flight GATT operations on that connection are failed".
func (s *Server) DisconnectCentral(id ble.DeviceID) {
	s.mu.Lock()
	delete(s.preparedWrites, id)
	for _, cs := range s.characteristics {
		cs.mu.Lock()
		delete(cs.subscriber, id)
		cs.mu.Unlock()
	}
	s.mu.Unlock()
}
