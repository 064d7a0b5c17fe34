//go:build linux

package bluez

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
	"github.com/wendylabsinc/bluetooth-sub000/gatt"
)

// peripheralConnectionSession is one ConnectionEvents call's state: a single
// active stream, tracking which peers are currently reported connected and
// paired so repeated PropertiesChanged deliveries only emit transitions.
type peripheralConnectionSession struct {
	producer *ble.StreamProducer[ble.ConnectionEvent]

	mu        sync.Mutex
	connected map[ble.DeviceID]bool
	paired    map[ble.DeviceID]bool
}

// PeripheralConnectionTracker implements PeripheralManager.ConnectionEvents
// (spec.md §4.6): it watches every Device1 object BlueZ exposes and reports
// the ones this process did not itself dial via CentralManager.Connect,
// i.e. the centrals that connected to our own GATT server.
type PeripheralConnectionTracker struct {
	client      *Client
	adapterPath dbus.ObjectPath
	agent       *AgentController
	server      *gatt.Server
	log         *logrus.Entry

	mu      sync.Mutex
	session *peripheralConnectionSession
}

// NewPeripheralConnectionTracker constructs a tracker bound to adapterPath.
// agent disambiguates central-role device paths; server receives
// DisconnectCentral calls so a departing central's prepared-write queue and
// subscriptions are cleared, per spec.md §4.6 "On a central's disconnect:
// discard any queued prepared writes and clear its subscriptions."
func NewPeripheralConnectionTracker(client *Client, adapterPath dbus.ObjectPath, agent *AgentController, server *gatt.Server) *PeripheralConnectionTracker {
	return &PeripheralConnectionTracker{
		client:      client,
		adapterPath: adapterPath,
		agent:       agent,
		server:      server,
		log:         logrus.WithField("component", "bluez.peripheral-connections"),
	}
}

// ConnectionEvents implements PeripheralManager.ConnectionEvents. A second
// concurrent call fails with ErrKind(ErrorKindInvalidState), matching the
// "single active stream per manager" rule spec.md §4.1 applies to every
// other long-lived stream.
func (t *PeripheralConnectionTracker) ConnectionEvents(ctx context.Context) (*ble.Stream[ble.ConnectionEvent], error) {
	t.mu.Lock()
	if t.session != nil {
		t.mu.Unlock()
		return nil, ble.NewInvalidStateError("connection event stream already attached")
	}
	sess := &peripheralConnectionSession{
		connected: make(map[ble.DeviceID]bool),
		paired:    make(map[ble.DeviceID]bool),
	}
	t.session = sess
	t.mu.Unlock()

	if _, err := t.client.GetConnection(ctx); err != nil {
		t.clearSession()
		return nil, ble.NewNotReadyError("bluetooth adapter unavailable")
	}

	stream, producer := ble.NewStream[ble.ConnectionEvent](16, func() {
		t.clearSession()
	})
	sess.producer = producer

	rules := []string{
		"type='signal',sender='" + busName + "',interface='" + objectManagerInterface + "',member='InterfacesAdded'",
		"type='signal',sender='" + busName + "',interface='" + objectManagerInterface + "',member='InterfacesRemoved'",
		"type='signal',sender='" + busName + "',interface='" + propertiesInterface + "',member='PropertiesChanged'",
	}
	for _, rule := range rules {
		if _, err := t.client.AddMatch(ctx, rule, func(sig *dbus.Signal) {
			t.handleSignal(sess, sig)
		}); err != nil {
			t.clearSession()
			return nil, ble.NewInvalidStateError("AddMatch: " + err.Error())
		}
	}

	t.seedExisting(ctx, sess)
	return stream, nil
}

func (t *PeripheralConnectionTracker) seedExisting(ctx context.Context, sess *peripheralConnectionSession) {
	objects, err := t.client.GetManagedObjects(ctx)
	if err != nil {
		return
	}
	for path, interfaces := range objects {
		if props, ok := interfaces[deviceInterface]; ok {
			t.applyDeviceProps(sess, path, props)
		}
	}
}

func (t *PeripheralConnectionTracker) handleSignal(sess *peripheralConnectionSession, sig *dbus.Signal) {
	switch sig.Name {
	case objectManagerInterface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		interfaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := interfaces[deviceInterface]; ok {
			t.applyDeviceProps(sess, path, props)
		}
	case objectManagerInterface + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		for _, iface := range ifaces {
			if iface == deviceInterface {
				t.markDisconnected(sess, path)
			}
		}
	case propertiesInterface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		if iface != deviceInterface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		t.applyDeviceProps(sess, sig.Path, changed)
	}
}

func (t *PeripheralConnectionTracker) applyDeviceProps(sess *peripheralConnectionSession, path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !strings.HasPrefix(string(path), string(t.adapterPath)+"/") {
		return
	}
	if t.agent != nil && t.agent.IsCentralRoleConnection(path) {
		return
	}
	addr, err := ble.AddressFromDevicePathSuffix(lastPathElement(path))
	if err != nil {
		return
	}
	id := ble.NewDeviceIDFromAddress(addr)

	if v, ok := props["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok {
			if connected {
				t.markConnected(sess, id)
			} else {
				t.markDisconnectedID(sess, id)
			}
		}
	}
	if v, ok := props["Paired"]; ok {
		if paired, ok := v.Value().(bool); ok {
			t.markPaired(sess, id, paired)
		}
	}
}

func (t *PeripheralConnectionTracker) markConnected(sess *peripheralConnectionSession, id ble.DeviceID) {
	sess.mu.Lock()
	already := sess.connected[id]
	sess.connected[id] = true
	sess.mu.Unlock()
	if !already {
		sess.producer.Emit(ble.ConnectionEvent{Kind: ble.CentralConnected, Central: ble.NewCentral(id, "")})
	}
}

func (t *PeripheralConnectionTracker) markDisconnected(sess *peripheralConnectionSession, path dbus.ObjectPath) {
	addr, err := ble.AddressFromDevicePathSuffix(lastPathElement(path))
	if err != nil {
		return
	}
	t.markDisconnectedID(sess, ble.NewDeviceIDFromAddress(addr))
}

func (t *PeripheralConnectionTracker) markDisconnectedID(sess *peripheralConnectionSession, id ble.DeviceID) {
	sess.mu.Lock()
	wasConnected := sess.connected[id]
	delete(sess.connected, id)
	delete(sess.paired, id)
	sess.mu.Unlock()
	if wasConnected {
		sess.producer.Emit(ble.ConnectionEvent{Kind: ble.CentralDisconnected, Central: ble.NewCentral(id, "")})
	}
	if t.server != nil {
		t.server.DisconnectCentral(id)
	}
}

func (t *PeripheralConnectionTracker) markPaired(sess *peripheralConnectionSession, id ble.DeviceID, paired bool) {
	sess.mu.Lock()
	was := sess.paired[id]
	sess.paired[id] = paired
	sess.mu.Unlock()
	if paired == was {
		return
	}
	kind := ble.CentralUnpaired
	if paired {
		kind = ble.CentralPaired
	}
	sess.producer.Emit(ble.ConnectionEvent{Kind: kind, Central: ble.NewCentral(id, "")})
}

func (t *PeripheralConnectionTracker) clearSession() {
	t.mu.Lock()
	t.session = nil
	t.mu.Unlock()
}
