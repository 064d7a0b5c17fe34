//go:build linux

package bluez

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

const agentPath = dbus.ObjectPath("/com/wendylabsinc/bluetooth/agent")

// pairingTimeout is a var, not a const, so tests can shorten it rather than
// waiting out the real 30s auto-reject window.
var pairingTimeout = 30 * time.Second

const agentIntrospection = `
<node>
	<interface name="org.bluez.Agent1">
		<method name="Release"></method>
		<method name="RequestPinCode">
			<arg name="device" type="o" direction="in"/>
			<arg name="pincode" type="s" direction="out"/>
		</method>
		<method name="DisplayPinCode">
			<arg name="device" type="o" direction="in"/>
			<arg name="pincode" type="s" direction="in"/>
		</method>
		<method name="RequestPasskey">
			<arg name="device" type="o" direction="in"/>
			<arg name="passkey" type="u" direction="out"/>
		</method>
		<method name="DisplayPasskey">
			<arg name="device" type="o" direction="in"/>
			<arg name="passkey" type="u" direction="in"/>
			<arg name="entered" type="q" direction="in"/>
		</method>
		<method name="RequestConfirmation">
			<arg name="device" type="o" direction="in"/>
			<arg name="passkey" type="u" direction="in"/>
		</method>
		<method name="RequestAuthorization">
			<arg name="device" type="o" direction="in"/>
		</method>
		<method name="AuthorizeService">
			<arg name="device" type="o" direction="in"/>
			<arg name="uuid" type="s" direction="in"/>
		</method>
		<method name="Cancel"></method>
	</interface>
</node>`

// AgentController exports a single org.bluez.Agent1 object and registers it
// as the process's default agent, per spec.md §4.8.
type AgentController struct {
	client      *Client
	adapterPath dbus.ObjectPath
	log         *logrus.Entry

	mu       sync.Mutex
	roles    map[dbus.ObjectPath]bool // true == peripheral role, per-device-path registry
	producer *ble.StreamProducer[ble.PairingRequest]
	stream   *ble.Stream[ble.PairingRequest]
}

// NewAgentController constructs an AgentController bound to the adapter at
// adapterPath.
func NewAgentController(client *Client, adapterPath dbus.ObjectPath) *AgentController {
	return &AgentController{
		client:      client,
		adapterPath: adapterPath,
		log:         logrus.WithField("component", "bluez.agent"),
		roles:       make(map[dbus.ObjectPath]bool),
	}
}

// SetPeripheralRole records whether devicePath is a connection this process
// initiated as the peripheral (vs. central) role, so pairing prompts can
// report the right peer role. Populated by the connection backend.
func (a *AgentController) SetPeripheralRole(devicePath dbus.ObjectPath, isPeripheral bool) {
	a.mu.Lock()
	a.roles[devicePath] = isPeripheral
	a.mu.Unlock()
}

// IsCentralRoleConnection reports whether devicePath was registered as a
// connection this process initiated in the central role. Unregistered
// paths (BlueZ created the Device1 object in response to a peer-initiated
// connection) default to false, i.e. "not ours": callers use this to tell
// apart centrals connecting to our own GATT server from peripherals we
// connected to.
func (a *AgentController) IsCentralRoleConnection(devicePath dbus.ObjectPath) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	isPeripheral, ok := a.roles[devicePath]
	return ok && !isPeripheral
}

// Attach returns the PairingRequest stream for this process's single pairing
// agent consumer, per spec.md §4.1 "single active stream per manager".
func (a *AgentController) Attach() (*ble.Stream[ble.PairingRequest], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return nil, ble.NewInvalidStateError("pairing request stream already attached")
	}
	stream, producer := ble.NewStream[ble.PairingRequest](8, func() {
		a.mu.Lock()
		a.stream = nil
		a.producer = nil
		a.mu.Unlock()
	})
	a.stream = stream
	a.producer = producer
	return stream, nil
}

// Register exports the agent object and registers it as the default agent
// via org.bluez.AgentManager1, per spec.md §4.8.
func (a *AgentController) Register(ctx context.Context) error {
	conn, err := a.client.GetConnection(ctx)
	if err != nil {
		return ble.NewNotReadyError("bluetooth adapter unavailable")
	}

	if err := conn.Export(&dbusAgent{ctrl: a}, agentPath, "org.bluez.Agent1"); err != nil {
		return ble.NewInvalidStateError("export agent: " + err.Error())
	}
	if err := conn.Export(introspect.Introspectable(agentIntrospection), agentPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return ble.NewInvalidStateError("export agent introspection: " + err.Error())
	}

	obj := conn.Object(busName, dbus.ObjectPath("/org/bluez"))
	capability := string(a.client.cfg.AgentCapability)
	if call := obj.CallWithContext(ctx, agentManagerInterface+".RegisterAgent", 0, agentPath, capability); call.Err != nil {
		return ble.NewInvalidStateError("RegisterAgent: " + call.Err.Error())
	}
	if call := obj.CallWithContext(ctx, agentManagerInterface+".RequestDefaultAgent", 0, agentPath); call.Err != nil {
		return ble.NewInvalidStateError("RequestDefaultAgent: " + call.Err.Error())
	}
	if a.client.cfg.Verbose {
		a.log.WithField("capability", capability).Info("pairing agent registered")
	}
	return nil
}

func (a *AgentController) peerID(device dbus.ObjectPath) ble.DeviceID {
	suffix := lastPathElement(device)
	if addr, err := ble.AddressFromDevicePathSuffix(suffix); err == nil {
		return ble.NewDeviceIDFromAddress(addr)
	}
	return ble.DeviceID("")
}

func (a *AgentController) getProducer() *ble.StreamProducer[ble.PairingRequest] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.producer
}

type dbusAgent struct {
	ctrl *AgentController
}

func (d *dbusAgent) Release() *dbus.Error { return nil }

func (d *dbusAgent) Cancel() *dbus.Error { return nil }

func (d *dbusAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	producer := d.ctrl.getProducer()
	if producer == nil {
		return "", dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	req, await := ble.NewPinCodeRequest(d.ctrl.peerID(device))
	producer.Emit(*req)
	pin, ok := ble.AwaitPinCode(await, time.After(pairingTimeout))
	if !ok || pin == nil {
		return "", dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	return *pin, nil
}

func (d *dbusAgent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	if producer := d.ctrl.getProducer(); producer != nil {
		producer.Emit(*ble.NewDisplayPinCodeEvent(d.ctrl.peerID(device), pincode))
	}
	return nil
}

func (d *dbusAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	producer := d.ctrl.getProducer()
	if producer == nil {
		return 0, dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	req, await := ble.NewPasskeyRequest(d.ctrl.peerID(device))
	producer.Emit(*req)
	passkey, ok := ble.AwaitPasskey(await, time.After(pairingTimeout))
	if !ok || passkey == nil {
		return 0, dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	return *passkey, nil
}

func (d *dbusAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	if producer := d.ctrl.getProducer(); producer != nil {
		producer.Emit(*ble.NewDisplayPasskeyEvent(d.ctrl.peerID(device), passkey, entered))
	}
	return nil
}

func (d *dbusAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	return d.requestBool(ble.PairingRequestConfirmation, device, ble.UUID{}, passkey)
}

func (d *dbusAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	return d.requestBool(ble.PairingRequestAuthorization, device, ble.UUID{}, 0)
}

func (d *dbusAgent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	u, err := ble.ParseUUID(uuid)
	if err != nil {
		u = ble.UUID{}
	}
	return d.requestBool(ble.PairingRequestServiceAuthorization, device, u, 0)
}

func (d *dbusAgent) requestBool(kind ble.PairingRequestKind, device dbus.ObjectPath, uuid ble.UUID, passkey uint32) *dbus.Error {
	producer := d.ctrl.getProducer()
	if producer == nil {
		return dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	req, await := ble.NewBoolRequest(kind, d.ctrl.peerID(device), uuid, passkey)
	producer.Emit(*req)
	accept, ok := ble.AwaitBool(await, time.After(pairingTimeout))
	if !ok || !accept {
		return dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	return nil
}
