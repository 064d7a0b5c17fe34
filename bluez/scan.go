//go:build linux

package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

type deviceSnapshot struct {
	address ble.Address
	adv     ble.AdvertisementData
	rssi    int16
	seen    bool
}

// scanSession is one CentralManager.Scan call's state: a single active scan
// per ScanController, tracked devices, and a guard against a second
// concurrent Scan, per spec.md §4.1 "single active stream per manager".
type scanSession struct {
	filter   ble.ScanFilter
	params   ble.ScanParameters
	producer *ble.StreamProducer[ble.ScanResult]

	mu      sync.Mutex
	devices map[ble.Address]*deviceSnapshot
	emitted map[ble.Address]bool
}

// ScanController implements CentralManager.Scan (spec.md §4.4, C6).
type ScanController struct {
	client      *Client
	adapterPath dbus.ObjectPath
	log         *logrus.Entry

	mu      sync.Mutex
	session *scanSession
}

// NewScanController constructs a ScanController bound to the adapter at
// adapterPath.
func NewScanController(client *Client, adapterPath dbus.ObjectPath) *ScanController {
	return &ScanController{
		client:      client,
		adapterPath: adapterPath,
		log:         logrus.WithField("component", "bluez.scan"),
	}
}

// Scan implements CentralManager.Scan per spec.md §4.4's seven-step
// protocol.
func (s *ScanController) Scan(ctx context.Context, filter ble.ScanFilter, params ble.ScanParameters) (*ble.Stream[ble.ScanResult], error) {
	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		return nil, ble.NewInvalidStateError("scan already in progress")
	}
	sess := &scanSession{
		filter:  filter,
		params:  params,
		devices: make(map[ble.Address]*deviceSnapshot),
		emitted: make(map[ble.Address]bool),
	}
	s.session = sess
	s.mu.Unlock()

	conn, err := s.client.GetConnection(ctx)
	if err != nil {
		s.clearSession()
		return nil, ble.NewNotReadyError("bluetooth adapter unavailable")
	}

	stream, producer := ble.NewStream[ble.ScanResult](32, func() {
		s.stopLocked(context.Background())
	})
	sess.producer = producer

	if err := s.registerMatches(ctx, sess); err != nil {
		s.clearSession()
		return nil, err
	}

	adapter := conn.Object(busName, s.adapterPath)
	filterArgs := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(params.AllowDuplicates),
	}
	if len(filter.ServiceUUIDs) > 0 {
		uuids := make([]string, len(filter.ServiceUUIDs))
		for i, u := range filter.ServiceUUIDs {
			uuids[i] = u.String()
		}
		filterArgs["UUIDs"] = dbus.MakeVariant(uuids)
	}
	if call := adapter.CallWithContext(ctx, adapterInterface+".SetDiscoveryFilter", 0, filterArgs); call.Err != nil {
		s.clearSession()
		return nil, ble.NewInvalidStateError(fmt.Sprintf("SetDiscoveryFilter: %v", call.Err))
	}
	if call := adapter.CallWithContext(ctx, adapterInterface+".StartDiscovery", 0); call.Err != nil {
		s.clearSession()
		if isDBusErrorName(call.Err, "org.bluez.Error.NotReady") {
			return nil, ble.NewNotReadyError("bluetooth adapter is powered off")
		}
		return nil, ble.NewInvalidStateError(fmt.Sprintf("StartDiscovery: %v", call.Err))
	}

	s.seedExistingDevices(ctx, sess)

	if s.client.cfg.Verbose {
		s.log.Info("scan started")
	}
	return stream, nil
}

func (s *ScanController) registerMatches(ctx context.Context, sess *scanSession) error {
	rules := []string{
		"type='signal',sender='" + busName + "',interface='" + objectManagerInterface + "',member='InterfacesAdded'",
		"type='signal',sender='" + busName + "',interface='" + objectManagerInterface + "',member='InterfacesRemoved'",
		"type='signal',sender='" + busName + "',interface='" + propertiesInterface + "',member='PropertiesChanged'",
	}
	for _, rule := range rules {
		if _, err := s.client.AddMatch(ctx, rule, func(sig *dbus.Signal) {
			s.handleSignal(sess, sig)
		}); err != nil {
			return ble.NewInvalidStateError(fmt.Sprintf("AddMatch: %v", err))
		}
	}
	return nil
}

func (s *ScanController) handleSignal(sess *scanSession, sig *dbus.Signal) {
	switch sig.Name {
	case objectManagerInterface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		interfaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := interfaces[deviceInterface]; ok {
			s.applyDeviceProps(sess, path, props)
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
		s.applyDeviceProps(sess, sig.Path, changed)
	}
}

func (s *ScanController) seedExistingDevices(ctx context.Context, sess *scanSession) {
	objects, err := s.client.GetManagedObjects(ctx)
	if err != nil {
		return
	}
	for path, interfaces := range objects {
		if props, ok := interfaces[deviceInterface]; ok {
			s.applyDeviceProps(sess, path, props)
		}
	}
}

// applyDeviceProps updates sess's tracked snapshot for path's device and
// emits a ScanResult per spec.md §4.4 step 6.
func (s *ScanController) applyDeviceProps(sess *scanSession, path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !strings.HasPrefix(string(path), string(s.adapterPath)+"/") {
		return
	}
	suffix := strings.TrimPrefix(string(path), string(s.adapterPath)+"/")
	addr, err := ble.AddressFromDevicePathSuffix(suffix)
	if err != nil {
		return
	}

	sess.mu.Lock()
	snap, ok := sess.devices[addr]
	if !ok {
		snap = &deviceSnapshot{address: addr}
		sess.devices[addr] = snap
	}
	applyProps(&snap.adv, &snap.rssi, props)
	adv := snap.adv
	rssi := snap.rssi
	alreadyEmitted := sess.emitted[addr]
	if !alreadyEmitted {
		sess.emitted[addr] = true
	}
	sess.mu.Unlock()

	if !sess.filter.Matches(adv) {
		return
	}
	if alreadyEmitted && !sess.params.AllowDuplicates {
		return
	}

	peripheral := ble.NewPeripheral(ble.NewDeviceIDFromAddress(addr), "")
	if adv.LocalName != nil {
		peripheral.SetName(*adv.LocalName)
	}
	sess.producer.Emit(ble.ScanResult{Peripheral: peripheral, AdvertisementData: adv, RSSI: rssi})
}

func applyProps(adv *ble.AdvertisementData, rssi *int16, props map[string]dbus.Variant) {
	if v, ok := props["Alias"]; ok {
		if raw, ok := v.Value().(string); ok {
			if name, sane := ble.SanitizeName(raw); sane {
				adv.LocalName = &name
			}
		}
	} else if v, ok := props["Name"]; ok {
		if raw, ok := v.Value().(string); ok {
			if name, sane := ble.SanitizeName(raw); sane {
				adv.LocalName = &name
			}
		}
	}
	if v, ok := props["RSSI"]; ok {
		if r, ok := v.Value().(int16); ok {
			*rssi = r
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if strs, ok := v.Value().([]string); ok {
			adv.ServiceUUIDs = nil
			for _, str := range strs {
				if u, err := ble.ParseUUID(str); err == nil {
					adv.ServiceUUIDs = append(adv.ServiceUUIDs, u)
				}
			}
		}
	}
	if v, ok := props["ManufacturerData"]; ok {
		if m, ok := v.Value().(map[uint16]dbus.Variant); ok {
			for company, data := range m {
				if bytes, ok := data.Value().([]byte); ok {
					adv.ManufacturerData = &ble.ManufacturerData{CompanyID: company, Data: bytes}
					break
				}
			}
		}
	}
	if v, ok := props["ServiceData"]; ok {
		if m, ok := v.Value().(map[string]dbus.Variant); ok {
			if adv.ServiceData == nil {
				adv.ServiceData = make(map[ble.UUID][]byte)
			}
			for uuidStr, data := range m {
				u, err := ble.ParseUUID(uuidStr)
				if err != nil {
					continue
				}
				if bytes, ok := data.Value().([]byte); ok {
					adv.ServiceData[u] = bytes
				}
			}
		}
	}
}

func (s *ScanController) clearSession() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

// stopLocked calls Adapter1.StopDiscovery and clears the active session,
// per spec.md §4.4 step 7 / §5 "dropping a stream terminates the producing
// session".
func (s *ScanController) stopLocked(ctx context.Context) {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}

	conn, err := s.client.GetConnection(ctx)
	if err != nil {
		return
	}
	adapter := conn.Object(busName, s.adapterPath)
	call := adapter.CallWithContext(ctx, adapterInterface+".StopDiscovery", 0)
	if call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.Failed") {
		s.log.WithError(call.Err).Warn("StopDiscovery failed")
	}
}
