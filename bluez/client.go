//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

const (
	busName                  = "org.bluez"
	objectManagerInterface   = "org.freedesktop.DBus.ObjectManager"
	propertiesInterface      = "org.freedesktop.DBus.Properties"
	adapterInterface         = "org.bluez.Adapter1"
	deviceInterface          = "org.bluez.Device1"
	gattManagerInterface     = "org.bluez.GattManager1"
	gattServiceInterface     = "org.bluez.GattService1"
	gattCharInterface        = "org.bluez.GattCharacteristic1"
	gattDescInterface        = "org.bluez.GattDescriptor1"
	advertisingMgrInterface  = "org.bluez.LEAdvertisingManager1"
	agentManagerInterface    = "org.bluez.AgentManager1"
	leAdvertisementInterface = "org.bluez.LEAdvertisement1"
)

// ManagedObjects mirrors the nested map ObjectManager.GetManagedObjects
// returns: object path -> interface name -> property name -> value.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// busConn is the subset of *dbus.Conn this package depends on. GetConnection
// returns this interface rather than the concrete type so tests can
// substitute a fake system bus in place of a real BlueZ daemon, per
// SPEC_FULL.md's "hand-written per-package test doubles" commitment for the
// D-Bus transport.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	BusObject() dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Close() error
}

// signalHandler is registered against a UUID so callers can unregister
// themselves without tearing down the shared signal channel.
type signalHandler struct {
	id uuid.UUID
	fn func(*dbus.Signal)
}

// Client is the single-goroutine D-Bus actor described in spec.md §4.3: one
// system-bus connection, one object server (via conn.Export), and an
// ordered fan-out of registered signal handlers. All exported methods are
// safe for concurrent use; the underlying dbus.Conn already serializes
// writes, and handler dispatch is serialized through dispatchLoop.
type Client struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	conn     busConn
	connErr  error
	connOnce sync.Once
	ready    chan struct{}

	handlersMu sync.Mutex
	handlers   []signalHandler

	signals chan *dbus.Signal
	done    chan struct{}
}

// NewClient constructs a Client bound to cfg but does not connect yet;
// connection happens lazily on first GetConnection call, matching spec.md
// §4.3's "get_connection() either returns the established connection or,
// if an establishment is in flight, suspends the caller until it
// completes".
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		log:   logrus.WithField("component", "bluez.client"),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// GetConnection returns the established system-bus connection, connecting
// exactly once across all concurrent callers.
func (c *Client) GetConnection(ctx context.Context) (busConn, error) {
	c.connOnce.Do(func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			c.connErr = fmt.Errorf("bluez: connect to system bus: %w", err)
			close(c.ready)
			return
		}
		c.conn = conn
		c.signals = make(chan *dbus.Signal, 64)
		conn.Signal(c.signals)
		go c.dispatchLoop()
		if c.cfg.Verbose {
			c.log.Info("connected to system bus")
		}
		close(c.ready)
	})

	select {
	case <-c.ready:
		return c.conn, c.connErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchLoop serializes delivery of every inbound signal to every
// registered handler, in arrival order, per spec.md §4.3's "the client
// serializes ordering of signal delivery".
func (c *Client) dispatchLoop() {
	for {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.handlersMu.Lock()
			handlers := append([]signalHandler(nil), c.handlers...)
			c.handlersMu.Unlock()
			for _, h := range handlers {
				h.fn(sig)
			}
		case <-c.done:
			return
		}
	}
}

// AddMatch registers a standard org.freedesktop.DBus.AddMatch rule and
// returns a handler ID. The fn callback runs on the client's dispatch
// goroutine; it must not block.
func (c *Client) AddMatch(ctx context.Context, rule string, fn func(*dbus.Signal)) (uuid.UUID, error) {
	conn, err := c.GetConnection(ctx)
	if err != nil {
		return uuid.UUID{}, err
	}
	if call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return uuid.UUID{}, fmt.Errorf("bluez: AddMatch(%q): %w", rule, call.Err)
	}

	id := uuid.New()
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, signalHandler{id: id, fn: fn})
	c.handlersMu.Unlock()
	return id, nil
}

// RemoveHandler unregisters a signal handler previously added via
// AddMatch. The underlying bus-side match rule is intentionally left in
// place; BlueZ match rules are cheap and idempotent to re-add, and
// per-handler removal without a matching RemoveMatch call is the pattern
// the retrieval pack's D-Bus examples use for transient subscriptions.
func (c *Client) RemoveHandler(id uuid.UUID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			return
		}
	}
}

// GetManagedObjects calls ObjectManager.GetManagedObjects on /org/bluez.
func (c *Client) GetManagedObjects(ctx context.Context) (ManagedObjects, error) {
	conn, err := c.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	var objects ManagedObjects
	obj := conn.Object(busName, dbus.ObjectPath("/"))
	if call := obj.CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objects, nil
}

// Close finishes the internal message stream, per spec.md §4.3 "Shutdown
// finishes the internal message stream, which terminates the pump loop and
// cancels the connection task."
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Object returns a BlueZ bus object handle at path.
func (c *Client) Object(path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(busName, path)
}

// asRealConn unwraps conn to the concrete *dbus.Conn the godbus prop package
// requires for Export. Only a real system-bus connection satisfies this; a
// fake test double standing in for scan/agent-only scenarios is never routed
// through property export and so never hits this path.
func asRealConn(conn busConn) (*dbus.Conn, error) {
	real, ok := conn.(*dbus.Conn)
	if !ok {
		return nil, fmt.Errorf("bluez: connection does not support property export")
	}
	return real, nil
}

func wrapDBusError(kind ble.ErrorKind, reason string, err error) error {
	switch kind {
	case ble.ErrorKindConnectionFailed:
		return ble.NewConnectionFailedError(reason, err)
	case ble.ErrorKindL2CAPChannelError:
		return ble.NewL2CAPChannelError(reason, err)
	default:
		return ble.NewInvalidStateError(fmt.Sprintf("%s: %v", reason, err))
	}
}

// isDBusErrorName reports whether err is a dbus.Error carrying name.
func isDBusErrorName(err error, name string) bool {
	dbusErr, ok := err.(dbus.Error)
	return ok && dbusErr.Name == name
}
