//go:build linux

package bluez

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
	"github.com/wendylabsinc/bluetooth-sub000/bluez/l2cap"
)

// ConnectionController implements CentralManager.Connect (spec.md §4.7, C9).
type ConnectionController struct {
	client      *Client
	adapterPath dbus.ObjectPath
	agent       *AgentController
	log         *logrus.Entry
}

// NewConnectionController constructs a ConnectionController. agent may be
// nil if bonding is never requested.
func NewConnectionController(client *Client, adapterPath dbus.ObjectPath, agent *AgentController) *ConnectionController {
	return &ConnectionController{
		client:      client,
		adapterPath: adapterPath,
		agent:       agent,
		log:         logrus.WithField("component", "bluez.connection"),
	}
}

// Connect implements the connecting -> connected state machine from
// spec.md §4.7.
func (c *ConnectionController) Connect(ctx context.Context, p ble.Peripheral, opts ble.ConnectionOptions) (ble.PeripheralConnection, error) {
	addr, ok := p.ID().Address()
	if !ok {
		return nil, ble.NewInvalidPeripheralError("peripheral id is not a BlueZ address")
	}
	devicePath := dbus.ObjectPath(string(c.adapterPath) + "/" + addr.DevicePathSuffix())

	conn, err := c.client.GetConnection(ctx)
	if err != nil {
		return nil, ble.NewNotReadyError("bluetooth adapter unavailable")
	}

	dc := newDeviceConnection(c.client, conn, devicePath, p)
	dc.setState(ble.PeripheralConnectionState{Kind: ble.Connecting})

	if err := dc.registerSignalHandlers(ctx); err != nil {
		return nil, err
	}

	if c.agent != nil {
		c.agent.SetPeripheralRole(devicePath, false)
	}

	devObj := conn.Object(busName, devicePath)

	if opts.RequiresBonding {
		if call := devObj.CallWithContext(ctx, deviceInterface+".Pair", 0); call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.AlreadyExists") {
			dc.teardown()
			return nil, wrapDBusError(ble.ErrorKindConnectionFailed, "Pair", call.Err)
		}
		if call := devObj.CallWithContext(ctx, propertiesInterface+".Set", 0, deviceInterface, "Trusted", dbus.MakeVariant(true)); call.Err != nil {
			c.log.WithError(call.Err).Warn("set Trusted failed")
		}
		dc.setPairingState(ble.PairingPaired)
	}

	if call := devObj.CallWithContext(ctx, deviceInterface+".Connect", 0); call.Err != nil {
		dc.teardown()
		return nil, wrapDBusError(ble.ErrorKindConnectionFailed, "Connect", call.Err)
	}

	if err := dc.waitServicesResolved(ctx); err != nil {
		dc.teardown()
		return nil, err
	}

	dc.refreshCache(ctx)
	dc.setState(ble.PeripheralConnectionState{Kind: ble.Connected})
	if c.client.cfg.Verbose {
		c.log.WithField("device", devicePath).Info("connected")
	}
	return dc, nil
}

type serviceEntry struct {
	path       dbus.ObjectPath
	uuid       ble.UUID
	instanceID uint32
	primary    bool
}

type charEntry struct {
	path        dbus.ObjectPath
	servicePath dbus.ObjectPath
	uuid        ble.UUID
	instanceID  uint32
	properties  ble.CharacteristicProperty
}

type descEntry struct {
	path     dbus.ObjectPath
	charPath dbus.ObjectPath
	uuid     ble.UUID
}

type gattCache struct {
	services []serviceEntry
	chars    []charEntry
	descs    []descEntry
}

type notifySub struct {
	producer   *ble.StreamProducer[ble.Notification]
	preference ble.SubscriptionPreference
}

// deviceConnection implements ble.PeripheralConnection for a single BlueZ
// device object.
type deviceConnection struct {
	client     *Client
	conn       busConn
	devicePath dbus.ObjectPath
	peripheral ble.Peripheral
	log        *logrus.Entry

	matchID uuid.UUID

	cacheMu sync.Mutex
	cache   gattCache

	stateMu       sync.Mutex
	state         ble.PeripheralConnectionState
	stateProducer *ble.StreamProducer[ble.PeripheralConnectionState]
	stateStream   *ble.Stream[ble.PeripheralConnectionState]

	mtu         int
	mtuProducer *ble.StreamProducer[int]
	mtuStream   *ble.Stream[int]

	pairingState    ble.PairingState
	pairingProducer *ble.StreamProducer[ble.PairingState]
	pairingStream   *ble.Stream[ble.PairingState]

	resolvedMu sync.Mutex
	resolved   bool
	resolvedCh chan struct{}

	notifyMu   sync.Mutex
	notifySubs map[dbus.ObjectPath]*notifySub

	teardownOnce sync.Once
}

func newDeviceConnection(client *Client, conn busConn, devicePath dbus.ObjectPath, p ble.Peripheral) *deviceConnection {
	dc := &deviceConnection{
		client:     client,
		conn:       conn,
		devicePath: devicePath,
		peripheral: p,
		log:        logrus.WithField("component", "bluez.connection"),
		resolvedCh: make(chan struct{}),
		notifySubs: make(map[dbus.ObjectPath]*notifySub),
	}
	dc.stateStream, dc.stateProducer = ble.NewStream[ble.PeripheralConnectionState](4, func() {})
	dc.mtuStream, dc.mtuProducer = ble.NewStream[int](4, func() {})
	dc.pairingStream, dc.pairingProducer = ble.NewStream[ble.PairingState](4, func() {})
	return dc
}

func (d *deviceConnection) Peripheral() ble.Peripheral { return d.peripheral }

func (d *deviceConnection) State() ble.PeripheralConnectionState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *deviceConnection) StateUpdates(ctx context.Context) (*ble.Stream[ble.PeripheralConnectionState], error) {
	return d.stateStream, nil
}

func (d *deviceConnection) MTU() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.mtu
}

func (d *deviceConnection) MTUUpdates(ctx context.Context) (*ble.Stream[int], error) {
	return d.mtuStream, nil
}

func (d *deviceConnection) PairingState() ble.PairingState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.pairingState
}

func (d *deviceConnection) PairingStateUpdates(ctx context.Context) (*ble.Stream[ble.PairingState], error) {
	return d.pairingStream, nil
}

func (d *deviceConnection) setState(s ble.PeripheralConnectionState) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
	d.stateProducer.Emit(s)
}

func (d *deviceConnection) setPairingState(s ble.PairingState) {
	d.stateMu.Lock()
	d.pairingState = s
	d.stateMu.Unlock()
	d.pairingProducer.Emit(s)
}

func (d *deviceConnection) setMTU(mtu int) {
	d.stateMu.Lock()
	d.mtu = mtu
	d.stateMu.Unlock()
	d.mtuProducer.Emit(mtu)
}

// registerSignalHandlers subscribes to PropertiesChanged for the device path
// and every object nested under it (services/characteristics/descriptors),
// per spec.md §4.7.
func (d *deviceConnection) registerSignalHandlers(ctx context.Context) error {
	rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path_namespace='%s'", propertiesInterface, d.devicePath)
	id, err := d.client.AddMatch(ctx, rule, d.handleSignal)
	if err != nil {
		return ble.NewConnectionFailedError("subscribe to device properties", err)
	}
	d.matchID = id
	return nil
}

func (d *deviceConnection) handleSignal(sig *dbus.Signal) {
	if sig.Name != propertiesInterface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	switch iface {
	case deviceInterface:
		d.handleDeviceProps(changed)
	case gattCharInterface:
		d.handleCharProps(sig.Path, changed)
	}
}

func (d *deviceConnection) handleDeviceProps(changed map[string]dbus.Variant) {
	if v, ok := changed["ServicesResolved"]; ok {
		if resolved, ok := v.Value().(bool); ok && resolved {
			d.resolvedMu.Lock()
			if !d.resolved {
				d.resolved = true
				close(d.resolvedCh)
			}
			d.resolvedMu.Unlock()
		}
	}
	if v, ok := changed["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok && !connected {
			reason := "device disconnected"
			d.setState(ble.PeripheralConnectionState{Kind: ble.Disconnected, Reason: &reason})
			d.teardown()
		}
	}
	if v, ok := changed["MTU"]; ok {
		if mtu, ok := v.Value().(uint16); ok {
			d.setMTU(int(mtu))
		}
	}
	if v, ok := changed["Paired"]; ok {
		if paired, ok := v.Value().(bool); ok {
			if paired {
				d.setPairingState(ble.PairingPaired)
			} else {
				d.setPairingState(ble.PairingUnpaired)
			}
		}
	}
}

func (d *deviceConnection) handleCharProps(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := v.Value().([]byte)
	if !ok {
		return
	}

	d.notifyMu.Lock()
	sub, ok := d.notifySubs[path]
	d.notifyMu.Unlock()
	if !ok {
		return
	}

	d.cacheMu.Lock()
	var gchar ble.GATTCharacteristic
	for _, ch := range d.cache.chars {
		if ch.path == path {
			gchar = d.characteristicFromEntry(ch)
			break
		}
	}
	d.cacheMu.Unlock()

	sub.producer.Emit(ble.Notification{
		Characteristic: gchar,
		Value:          value,
		IsIndication:   sub.preference == ble.PreferIndication,
	})
}

func (d *deviceConnection) waitServicesResolved(ctx context.Context) error {
	conn := d.conn
	obj := conn.Object(busName, d.devicePath)
	var props map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, propertiesInterface+".GetAll", 0, deviceInterface); call.Err == nil {
		call.Store(&props)
		if v, ok := props["ServicesResolved"]; ok {
			if resolved, ok := v.Value().(bool); ok && resolved {
				return nil
			}
		}
	}
	select {
	case <-d.resolvedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshCache rebuilds the GATT object cache by walking
// ObjectManager.GetManagedObjects and keeping paths under the device path,
// per spec.md §4.7 "GATT object cache".
func (d *deviceConnection) refreshCache(ctx context.Context) {
	objects, err := d.client.GetManagedObjects(ctx)
	if err != nil {
		return
	}
	prefix := string(d.devicePath) + "/"

	var cache gattCache
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := interfaces[gattServiceInterface]; ok {
			u := parseUUIDProp(props, "UUID")
			primary, _ := props["Primary"].Value().(bool)
			cache.services = append(cache.services, serviceEntry{path: path, uuid: u, instanceID: parseTrailingIndex(path), primary: primary})
		}
		if props, ok := interfaces[gattCharInterface]; ok {
			u := parseUUIDProp(props, "UUID")
			servicePath, _ := props["Service"].Value().(dbus.ObjectPath)
			cache.chars = append(cache.chars, charEntry{path: path, servicePath: servicePath, uuid: u, instanceID: parseTrailingIndex(path), properties: flagsToProperties(props)})
		}
		if props, ok := interfaces[gattDescInterface]; ok {
			u := parseUUIDProp(props, "UUID")
			charPath, _ := props["Characteristic"].Value().(dbus.ObjectPath)
			cache.descs = append(cache.descs, descEntry{path: path, charPath: charPath, uuid: u})
		}
	}

	d.cacheMu.Lock()
	d.cache = cache
	d.cacheMu.Unlock()
}

func parseUUIDProp(props map[string]dbus.Variant, key string) ble.UUID {
	v, ok := props[key]
	if !ok {
		return ble.UUID{}
	}
	s, ok := v.Value().(string)
	if !ok {
		return ble.UUID{}
	}
	u, err := ble.ParseUUID(s)
	if err != nil {
		return ble.UUID{}
	}
	return u
}

// parseTrailingIndex extracts the numeric suffix BlueZ appends to GATT
// object path segments ("serviceNN"/"charNN"), used as a structural
// tie-break when more than one object shares a UUID.
func parseTrailingIndex(path dbus.ObjectPath) uint32 {
	seg := lastPathElement(path)
	i := len(seg)
	for i > 0 && seg[i-1] >= '0' && seg[i-1] <= '9' {
		i--
	}
	n, err := strconv.ParseUint(seg[i:], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func flagsToProperties(props map[string]dbus.Variant) ble.CharacteristicProperty {
	v, ok := props["Flags"]
	if !ok {
		return 0
	}
	flags, ok := v.Value().([]string)
	if !ok {
		return 0
	}
	var p ble.CharacteristicProperty
	for _, f := range flags {
		switch f {
		case "broadcast":
			p |= ble.CharBroadcast
		case "read":
			p |= ble.CharRead
		case "write":
			p |= ble.CharWrite
		case "write-without-response":
			p |= ble.CharWriteWithoutResponse
		case "notify":
			p |= ble.CharNotify
		case "indicate":
			p |= ble.CharIndicate
		case "authenticated-signed-writes":
			p |= ble.CharAuthenticatedSignedWrites
		case "extended-properties":
			p |= ble.CharExtendedProperties
		}
	}
	return p
}

func (d *deviceConnection) serviceFromEntry(s serviceEntry) ble.GATTService {
	instance := s.instanceID
	return ble.GATTService{UUID: s.uuid, IsPrimary: s.primary, InstanceID: &instance}
}

func (d *deviceConnection) characteristicFromEntry(ch charEntry) ble.GATTCharacteristic {
	instance := ch.instanceID
	var service ble.GATTService
	for _, s := range d.cache.services {
		if s.path == ch.servicePath {
			service = d.serviceFromEntry(s)
			break
		}
	}
	return ble.GATTCharacteristic{UUID: ch.uuid, Properties: ch.properties, InstanceID: &instance, Service: service}
}

func (d *deviceConnection) descriptorFromEntry(de descEntry, gchar ble.GATTCharacteristic) ble.GATTDescriptor {
	return ble.GATTDescriptor{UUID: de.uuid, Characteristic: gchar}
}

func uuidMatches(want ble.UUID, have ble.UUID) bool { return have.EqualValue(want) }

func (d *deviceConnection) resolveServicePath(service ble.GATTService) (dbus.ObjectPath, bool) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	for _, s := range d.cache.services {
		if !uuidMatches(service.UUID, s.uuid) {
			continue
		}
		if service.InstanceID != nil && s.instanceID != *service.InstanceID {
			continue
		}
		return s.path, true
	}
	return "", false
}

func (d *deviceConnection) resolveCharPath(characteristic ble.GATTCharacteristic) (dbus.ObjectPath, bool) {
	svcPath, ok := d.resolveServicePath(characteristic.Service)
	if !ok {
		return "", false
	}
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	for _, ch := range d.cache.chars {
		if ch.servicePath != svcPath || !uuidMatches(characteristic.UUID, ch.uuid) {
			continue
		}
		if characteristic.InstanceID != nil && ch.instanceID != *characteristic.InstanceID {
			continue
		}
		return ch.path, true
	}
	return "", false
}

func (d *deviceConnection) resolveDescPath(descriptor ble.GATTDescriptor) (dbus.ObjectPath, bool) {
	charPath, ok := d.resolveCharPath(descriptor.Characteristic)
	if !ok {
		return "", false
	}
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	for _, de := range d.cache.descs {
		if de.charPath == charPath && uuidMatches(descriptor.UUID, de.uuid) {
			return de.path, true
		}
	}
	return "", false
}

func (d *deviceConnection) DiscoverServices(ctx context.Context, filter []ble.UUID) ([]ble.GATTService, error) {
	d.refreshCache(ctx)
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var out []ble.GATTService
	for _, s := range d.cache.services {
		if len(filter) > 0 && !uuidInSet(s.uuid, filter) {
			continue
		}
		out = append(out, d.serviceFromEntry(s))
	}
	return out, nil
}

func (d *deviceConnection) DiscoverCharacteristics(ctx context.Context, service ble.GATTService, filter []ble.UUID) ([]ble.GATTCharacteristic, error) {
	svcPath, ok := d.resolveServicePath(service)
	if !ok {
		return nil, ble.NewServiceNotFoundError(service.UUID)
	}
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var out []ble.GATTCharacteristic
	for _, ch := range d.cache.chars {
		if ch.servicePath != svcPath {
			continue
		}
		if len(filter) > 0 && !uuidInSet(ch.uuid, filter) {
			continue
		}
		out = append(out, d.characteristicFromEntry(ch))
	}
	return out, nil
}

func (d *deviceConnection) DiscoverDescriptors(ctx context.Context, characteristic ble.GATTCharacteristic) ([]ble.GATTDescriptor, error) {
	charPath, ok := d.resolveCharPath(characteristic)
	if !ok {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	var out []ble.GATTDescriptor
	for _, de := range d.cache.descs {
		if de.charPath != charPath {
			continue
		}
		out = append(out, d.descriptorFromEntry(de, characteristic))
	}
	return out, nil
}

func uuidInSet(u ble.UUID, set []ble.UUID) bool {
	for _, want := range set {
		if u.EqualValue(want) {
			return true
		}
	}
	return false
}

func (d *deviceConnection) Read(ctx context.Context, characteristic ble.GATTCharacteristic) ([]byte, error) {
	path, ok := d.resolveCharPath(characteristic)
	if !ok {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	obj := d.conn.Object(busName, path)
	var value []byte
	call := obj.CallWithContext(ctx, gattCharInterface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, wrapDBusError(ble.ErrorKindConnectionFailed, "ReadValue", call.Err)
	}
	if err := call.Store(&value); err != nil {
		return nil, ble.NewConnectionFailedError("decode ReadValue", err)
	}
	return value, nil
}

func (d *deviceConnection) Write(ctx context.Context, characteristic ble.GATTCharacteristic, value []byte, writeType ble.WriteType) error {
	path, ok := d.resolveCharPath(characteristic)
	if !ok {
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}
	options := map[string]dbus.Variant{"type": dbus.MakeVariant(writeTypeString(writeType))}
	obj := d.conn.Object(busName, path)
	if call := obj.CallWithContext(ctx, gattCharInterface+".WriteValue", 0, value, options); call.Err != nil {
		return wrapDBusError(ble.ErrorKindConnectionFailed, "WriteValue", call.Err)
	}
	return nil
}

func writeTypeString(t ble.WriteType) string {
	if t == ble.WriteWithoutResponse {
		return "command"
	}
	return "request"
}

func (d *deviceConnection) ReadDescriptor(ctx context.Context, descriptor ble.GATTDescriptor) ([]byte, error) {
	path, ok := d.resolveDescPath(descriptor)
	if !ok {
		return nil, ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	obj := d.conn.Object(busName, path)
	var value []byte
	call := obj.CallWithContext(ctx, gattDescInterface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, wrapDBusError(ble.ErrorKindConnectionFailed, "ReadValue", call.Err)
	}
	if err := call.Store(&value); err != nil {
		return nil, ble.NewConnectionFailedError("decode ReadValue", err)
	}
	return value, nil
}

func (d *deviceConnection) WriteDescriptor(ctx context.Context, descriptor ble.GATTDescriptor, value []byte) error {
	path, ok := d.resolveDescPath(descriptor)
	if !ok {
		return ble.NewDescriptorNotFoundError(descriptor.UUID)
	}
	obj := d.conn.Object(busName, path)
	if call := obj.CallWithContext(ctx, gattDescInterface+".WriteValue", 0, value, map[string]dbus.Variant{}); call.Err != nil {
		return wrapDBusError(ble.ErrorKindConnectionFailed, "WriteValue", call.Err)
	}
	return nil
}

func (d *deviceConnection) Notifications(ctx context.Context, characteristic ble.GATTCharacteristic) (*ble.Stream[ble.Notification], error) {
	path, ok := d.resolveCharPath(characteristic)
	if !ok {
		return nil, ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	if sub, ok := d.notifySubs[path]; ok {
		return sub.producer.stream(), nil
	}

	stream, producer := ble.NewStream[ble.Notification](16, func() {
		d.notifyMu.Lock()
		delete(d.notifySubs, path)
		d.notifyMu.Unlock()
	})
	d.notifySubs[path] = &notifySub{producer: producer, preference: ble.PreferNotification}
	return stream, nil
}

func (d *deviceConnection) SetNotificationsEnabled(ctx context.Context, characteristic ble.GATTCharacteristic, enabled bool, preference ble.SubscriptionPreference) error {
	path, ok := d.resolveCharPath(characteristic)
	if !ok {
		return ble.NewCharacteristicNotFoundError(characteristic.UUID)
	}

	d.notifyMu.Lock()
	if sub, ok := d.notifySubs[path]; ok {
		sub.preference = preference
	}
	d.notifyMu.Unlock()

	obj := d.conn.Object(busName, path)
	if enabled {
		if call := obj.CallWithContext(ctx, gattCharInterface+".StartNotify", 0); call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.InProgress") {
			return ble.NewNotificationFailedError("StartNotify", call.Err)
		}
		return nil
	}
	if call := obj.CallWithContext(ctx, gattCharInterface+".StopNotify", 0); call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.NotPermitted") {
		return ble.NewNotificationFailedError("StopNotify", call.Err)
	}
	return nil
}

func (d *deviceConnection) ReadRSSI(ctx context.Context) (int16, error) {
	obj := d.conn.Object(busName, d.devicePath)
	var variant dbus.Variant
	call := obj.CallWithContext(ctx, propertiesInterface+".Get", 0, deviceInterface, "RSSI")
	if call.Err != nil {
		return 0, wrapDBusError(ble.ErrorKindConnectionFailed, "Get RSSI", call.Err)
	}
	if err := call.Store(&variant); err != nil {
		return 0, ble.NewConnectionFailedError("decode RSSI", err)
	}
	rssi, _ := variant.Value().(int16)
	return rssi, nil
}

func (d *deviceConnection) OpenL2CAPChannel(ctx context.Context, psm ble.PSM, params ble.L2CAPChannelParameters) (ble.L2CAPChannel, error) {
	addr, ok := d.peripheral.ID().Address()
	if !ok {
		return nil, ble.NewInvalidPeripheralError("peripheral id is not a BlueZ address")
	}
	return l2cap.Dial(ctx, addr, psm, params)
}

func (d *deviceConnection) Disconnect(ctx context.Context) error {
	obj := d.conn.Object(busName, d.devicePath)
	call := obj.CallWithContext(ctx, deviceInterface+".Disconnect", 0)
	if call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.NotConnected") {
		return wrapDBusError(ble.ErrorKindConnectionFailed, "Disconnect", call.Err)
	}
	reason := "disconnected by caller"
	d.setState(ble.PeripheralConnectionState{Kind: ble.Disconnected, Reason: &reason})
	d.teardown()
	return nil
}

// teardown finishes every observer stream and clears caches, per spec.md
// §4.7 "On disconnect(): ... finish all observer streams, clear caches."
func (d *deviceConnection) teardown() {
	d.teardownOnce.Do(func() {
		d.client.RemoveHandler(d.matchID)

		d.stateProducer.Finish(nil)
		d.mtuProducer.Finish(nil)
		d.pairingProducer.Finish(nil)

		d.notifyMu.Lock()
		for path, sub := range d.notifySubs {
			sub.producer.Finish(nil)
			delete(d.notifySubs, path)
		}
		d.notifyMu.Unlock()

		d.cacheMu.Lock()
		d.cache = gattCache{}
		d.cacheMu.Unlock()
	})
}
