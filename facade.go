package ble

import (
	"context"
	"sync"
)

// Stream is a single-consumer asynchronous sequence of values, realizing
// spec.md's AsyncStream<T>. Dropping (Close-ing) a Stream releases whatever
// backend resource is producing it (stops a scan, unexports an
// advertisement, closes an L2CAP socket, ...), per spec.md §5
// "Cancellation".
type Stream[T any] struct {
	values chan T
	errs   chan error
	done   chan struct{}
	once   sync.Once
	cancel func()
}

// NewStream constructs a Stream and the producer-facing handle used to feed
// it. cancel, if non-nil, is invoked exactly once when the stream is closed
// by its consumer, so the producing session can stop.
func NewStream[T any](buffer int, cancel func()) (*Stream[T], *StreamProducer[T]) {
	s := &Stream[T]{
		values: make(chan T, buffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	return s, &StreamProducer[T]{stream: s}
}

// Next blocks until a value is available, the stream finishes with an
// error, the stream is closed, or ctx is done.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.values:
		if !ok {
			select {
			case err := <-s.errs:
				return zero, err
			default:
				return zero, nil
			}
		}
		return v, nil
	case err := <-s.errs:
		return zero, err
	case <-s.done:
		return zero, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close terminates the stream from the consumer side and releases the
// producing session via the registered cancel function.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// StreamProducer is the producer-facing half of a Stream, used by backend
// packages to feed values in.
type StreamProducer[T any] struct {
	stream *Stream[T]
	once   sync.Once
}

// Emit delivers a value. It is a no-op if the stream's consumer has closed
// it.
func (p *StreamProducer[T]) Emit(v T) {
	select {
	case p.stream.values <- v:
	case <-p.stream.done:
	}
}

// Finish terminates the stream with an error (nil for a clean end), per
// spec.md §7 "Stream errors terminate the stream via finish(error)".
func (p *StreamProducer[T]) Finish(err error) {
	p.once.Do(func() {
		if err != nil {
			p.stream.errs <- err
		}
		close(p.stream.values)
	})
}

// Responder is a one-shot completion channel for a single GATT server
// request. Exactly one of Succeed/Fail must be called; a
// second call is a programming error (spec.md: "double-response is a
// programming error") and is swallowed rather than panicking, matching
// spec.md §7's release-mode "drop" behavior.
type Responder[T any] struct {
	ch   chan responderResult[T]
	once sync.Once
}

type responderResult[T any] struct {
	value T
	err   error
}

// NewResponder constructs a Responder and the awaiter used to receive its
// single response.
func NewResponder[T any]() (*Responder[T], <-chan responderResult[T]) {
	ch := make(chan responderResult[T], 1)
	return &Responder[T]{ch: ch}, ch
}

// Succeed completes the request successfully with value.
func (r *Responder[T]) Succeed(value T) {
	r.once.Do(func() { r.ch <- responderResult[T]{value: value} })
}

// Fail completes the request with err.
func (r *Responder[T]) Fail(err error) {
	r.once.Do(func() { r.ch <- responderResult[T]{err: err} })
}

// GATTRequestKind tags a GATTServerRequest's variant.
type GATTRequestKind int

const (
	GATTRequestRead GATTRequestKind = iota
	GATTRequestWrite
	GATTRequestReadDescriptor
	GATTRequestWriteDescriptor
	GATTRequestExecuteWrite
	GATTRequestAuthorize
	GATTRequestSubscribe
	GATTRequestUnsubscribe
)

// GATTServerRequest is one inbound GATT operation a PeripheralManager's
// local server must answer. Exactly one response must be delivered through
// Respond (read/readDescriptor/authorize/subscribe/unsubscribe) or
// RespondWrite (write/writeDescriptor/executeWrite).
type GATTServerRequest struct {
	Kind            GATTRequestKind
	Central         *Central
	Characteristic  *GATTCharacteristic
	Descriptor      *GATTDescriptor
	Offset          int
	Value           []byte // set for write/writeDescriptor
	IsPreparedWrite bool

	respondValue *Responder[[]byte]
	respondUnit  *Responder[struct{}]
}

// Respond completes a read-shaped request (read, readDescriptor, authorize,
// subscribe, unsubscribe) with a value (possibly empty) or an error.
func (r *GATTServerRequest) Respond(value []byte, err error) {
	if r.respondValue == nil {
		return
	}
	if err != nil {
		r.respondValue.Fail(err)
		return
	}
	r.respondValue.Succeed(value)
}

// RespondWrite completes a write-shaped request (write, writeDescriptor,
// executeWrite) with success or an error.
func (r *GATTServerRequest) RespondWrite(err error) {
	if r.respondUnit == nil {
		return
	}
	if err != nil {
		r.respondUnit.Fail(err)
		return
	}
	r.respondUnit.Succeed(struct{}{})
}

// NewReadRequest constructs a read-shaped GATTServerRequest and its
// responder-result channel, for use by gatt.Server / backend packages.
func NewReadRequest(kind GATTRequestKind, central *Central, ch *GATTCharacteristic, desc *GATTDescriptor, offset int) (*GATTServerRequest, <-chan responderResult[[]byte]) {
	r, await := NewResponder[[]byte]()
	return &GATTServerRequest{Kind: kind, Central: central, Characteristic: ch, Descriptor: desc, Offset: offset, respondValue: r}, await
}

// NewWriteRequest constructs a write-shaped GATTServerRequest and its
// responder-result channel.
func NewWriteRequest(kind GATTRequestKind, central *Central, ch *GATTCharacteristic, desc *GATTDescriptor, offset int, value []byte, prepared bool) (*GATTServerRequest, <-chan responderResult[struct{}]) {
	r, await := NewResponder[struct{}]()
	return &GATTServerRequest{Kind: kind, Central: central, Characteristic: ch, Descriptor: desc, Offset: offset, Value: value, IsPreparedWrite: prepared, respondUnit: r}, await
}

// AwaitValue blocks on a read-shaped request's responder-result channel
// (as returned by NewReadRequest), unwrapping it into a plain
// (value, error) pair for callers outside this package that cannot name
// responderResult's unexported fields directly.
func AwaitValue(ctx context.Context, await <-chan responderResult[[]byte]) ([]byte, error) {
	select {
	case res := <-await:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitWrite blocks on a write-shaped request's responder-result channel
// (as returned by NewWriteRequest), unwrapping it to a plain error.
func AwaitWrite(ctx context.Context, await <-chan responderResult[struct{}]) error {
	select {
	case res := <-await:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionEventKind tags a PeripheralManager connection-event stream
// entry.
type ConnectionEventKind int

const (
	CentralConnected ConnectionEventKind = iota
	CentralDisconnected
	CentralPaired
	CentralUnpaired
)

// ConnectionEvent is one entry of PeripheralManager.ConnectionEvents.
type ConnectionEvent struct {
	Kind    ConnectionEventKind
	Central Central
}

// CentralManager is the Central-role entry point: scan, connect, pairing
// prompts, bond removal.
type CentralManager interface {
	// Scan starts a single active scan session; a second concurrent call
	// fails with ErrKind(ErrorKindInvalidState). Returns NotReady
	// synchronously if the adapter is powered off.
	Scan(ctx context.Context, filter ScanFilter, params ScanParameters) (*Stream[ScanResult], error)

	// Connect suspends until the peripheral is connected or the attempt
	// fails; cancelling ctx aborts the attempt.
	Connect(ctx context.Context, p Peripheral, opts ConnectionOptions) (PeripheralConnection, error)

	// PairingRequests attaches to the backend's pairing agent.
	PairingRequests(ctx context.Context) (*Stream[PairingRequest], error)

	RemoveBond(ctx context.Context, p Peripheral) error
}

// PeripheralConnection is a post-Connect handle onto a remote GATT server.
type PeripheralConnection interface {
	Peripheral() Peripheral

	State() PeripheralConnectionState
	StateUpdates(ctx context.Context) (*Stream[PeripheralConnectionState], error)
	MTU() int
	MTUUpdates(ctx context.Context) (*Stream[int], error)
	PairingState() PairingState
	PairingStateUpdates(ctx context.Context) (*Stream[PairingState], error)

	DiscoverServices(ctx context.Context, filter []UUID) ([]GATTService, error)
	DiscoverCharacteristics(ctx context.Context, service GATTService, filter []UUID) ([]GATTCharacteristic, error)
	DiscoverDescriptors(ctx context.Context, characteristic GATTCharacteristic) ([]GATTDescriptor, error)

	Read(ctx context.Context, characteristic GATTCharacteristic) ([]byte, error)
	Write(ctx context.Context, characteristic GATTCharacteristic, value []byte, writeType WriteType) error
	ReadDescriptor(ctx context.Context, descriptor GATTDescriptor) ([]byte, error)
	WriteDescriptor(ctx context.Context, descriptor GATTDescriptor, value []byte) error

	Notifications(ctx context.Context, characteristic GATTCharacteristic) (*Stream[Notification], error)
	SetNotificationsEnabled(ctx context.Context, characteristic GATTCharacteristic, enabled bool, preference SubscriptionPreference) error

	ReadRSSI(ctx context.Context) (int16, error)
	OpenL2CAPChannel(ctx context.Context, psm PSM, params L2CAPChannelParameters) (L2CAPChannel, error)
	Disconnect(ctx context.Context) error
}

// L2CAPRegistration tracks a published L2CAP listener so it can be torn
// down.
type L2CAPRegistration interface {
	PSM() PSM
	Close() error
}

// L2CAPChannel is an open Connection-Oriented Channel.
type L2CAPChannel interface {
	MTU() int
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// ServiceRegistration tracks a service registered via
// PeripheralManager.AddService so it can be removed later.
type ServiceRegistration interface {
	Service() GATTService
	Remove(ctx context.Context) error
}

// PeripheralManager is the Peripheral-role entry point: advertising and a
// local GATT server.
type PeripheralManager interface {
	StartAdvertising(ctx context.Context, adv AdvertisementData, scanResponse *AdvertisementData, params AdvertisingParameters) error
	StopAdvertising(ctx context.Context) error

	AddService(ctx context.Context, def GATTServiceDefinition) (ServiceRegistration, error)

	GATTRequests(ctx context.Context) (*Stream[*GATTServerRequest], error)
	UpdateValue(ctx context.Context, characteristic GATTCharacteristic, value []byte, kind NotifyOrIndicate) error

	PublishL2CAPChannel(ctx context.Context, params L2CAPChannelParameters) (L2CAPRegistration, error)
	IncomingL2CAPChannels(ctx context.Context, psm PSM) (*Stream[L2CAPChannel], error)

	ConnectionEvents(ctx context.Context) (*Stream[ConnectionEvent], error)
}

// NotifyOrIndicate selects between a GATT notification and an indication
// for PeripheralManager.UpdateValue.
type NotifyOrIndicate int

const (
	AsNotification NotifyOrIndicate = iota
	AsIndication
)

// AdvertisingParameters parameterizes PeripheralManager.StartAdvertising.
// The Interval knob is accepted for forward-compatibility; backends that
// cannot honor it (BlueZ, per spec.md §4.5) log and ignore it rather than
// failing the call.
type AdvertisingParameters struct {
	Interval    *int // milliseconds; backend-defined default if nil
	Connectable bool
}
