//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

var advertisementSeq uint64

const advertisementIntrospection = `
<node>
	<interface name="org.bluez.LEAdvertisement1">
		<method name="Release"></method>
	</interface>
</node>`

// leAdvertisement is the exported object backing org.bluez.LEAdvertisement1,
// per spec.md §4.5.
type leAdvertisement struct {
	ctrl *AdvertiseController
}

// Release implements the LEAdvertisement1.Release method BlueZ calls when
// it unilaterally drops this advertisement.
func (a *leAdvertisement) Release() *dbus.Error {
	a.ctrl.handleRelease()
	return nil
}

// AdvertiseController implements PeripheralManager's advertising half
// (spec.md §4.5, C7).
type AdvertiseController struct {
	client      *Client
	adapterPath dbus.ObjectPath
	log         *logrus.Entry

	mu          sync.Mutex
	path        dbus.ObjectPath
	props       *prop.Properties
	advertising bool
	released    chan struct{}
}

// NewAdvertiseController constructs an AdvertiseController bound to the
// adapter at adapterPath.
func NewAdvertiseController(client *Client, adapterPath dbus.ObjectPath) *AdvertiseController {
	return &AdvertiseController{
		client:      client,
		adapterPath: adapterPath,
		log:         logrus.WithField("component", "bluez.advertise"),
	}
}

// StartAdvertising exports and registers a LEAdvertisement1 object, per
// spec.md §4.5.
func (c *AdvertiseController) StartAdvertising(ctx context.Context, adv ble.AdvertisementData, scanResponse *ble.AdvertisementData, params ble.AdvertisingParameters) error {
	c.mu.Lock()
	if c.advertising {
		c.mu.Unlock()
		return ble.NewInvalidStateError("advertising already active")
	}
	c.mu.Unlock()

	merged := adv
	if scanResponse != nil {
		merged = ble.MergeAdvertisement(adv, *scanResponse)
	}

	if params.Interval != nil {
		c.log.Warnf("advertising interval %dms is unsupported by the BlueZ backend; ignored", *params.Interval)
	}

	conn, err := c.client.GetConnection(ctx)
	if err != nil {
		return ble.NewNotReadyError("bluetooth adapter unavailable")
	}

	path := dbus.ObjectPath(fmt.Sprintf("/org/wendylabsinc/bluetooth/advertisement%x", atomic.AddUint64(&advertisementSeq, 1)))
	obj := &leAdvertisement{ctrl: c}
	if err := conn.Export(obj, path, leAdvertisementInterface); err != nil {
		return ble.NewInvalidStateError(fmt.Sprintf("export advertisement: %v", err))
	}
	if err := conn.Export(introspect.Introspectable(advertisementIntrospection), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return ble.NewInvalidStateError(fmt.Sprintf("export advertisement introspection: %v", err))
	}

	advType := "broadcast"
	if params.Connectable {
		advType = "peripheral"
	}

	propsSpec := prop.Map{
		leAdvertisementInterface: {
			"Type":             {Value: advType},
			"LocalName":        {Value: localName(merged)},
			"ServiceUUIDs":     {Value: serviceUUIDStrings(merged)},
			"ManufacturerData": {Value: manufacturerDataMap(merged)},
			"ServiceData":      {Value: serviceDataMap(merged)},
			"IncludeTxPower":   {Value: merged.TxPowerLevel != nil},
		},
	}
	realConn, err := asRealConn(conn)
	if err != nil {
		return ble.NewInvalidStateError(err.Error())
	}
	exportedProps, err := prop.Export(realConn, path, propsSpec)
	if err != nil {
		return ble.NewInvalidStateError(fmt.Sprintf("export advertisement properties: %v", err))
	}

	adapter := conn.Object(busName, c.adapterPath)
	if call := adapter.CallWithContext(ctx, advertisingMgrInterface+".RegisterAdvertisement", 0, path, map[string]dbus.Variant{}); call.Err != nil {
		conn.Export(nil, path, leAdvertisementInterface)
		return ble.NewInvalidStateError(fmt.Sprintf("RegisterAdvertisement: %v", call.Err))
	}

	c.mu.Lock()
	c.path = path
	c.props = exportedProps
	c.advertising = true
	c.released = make(chan struct{})
	c.mu.Unlock()

	if c.client.cfg.Verbose {
		c.log.WithField("path", path).Info("advertising started")
	}
	return nil
}

// StopAdvertising unregisters the advertisement, per spec.md §4.5.
func (c *AdvertiseController) StopAdvertising(ctx context.Context) error {
	c.mu.Lock()
	if !c.advertising {
		c.mu.Unlock()
		return nil
	}
	path := c.path
	c.advertising = false
	c.mu.Unlock()

	conn, err := c.client.GetConnection(ctx)
	if err != nil {
		return nil
	}
	adapter := conn.Object(busName, c.adapterPath)
	call := adapter.CallWithContext(ctx, advertisingMgrInterface+".UnregisterAdvertisement", 0, path)
	if call.Err != nil && !isDBusErrorName(call.Err, "org.bluez.Error.DoesNotExist") {
		c.log.WithError(call.Err).Warn("UnregisterAdvertisement failed")
	}
	conn.Export(nil, path, leAdvertisementInterface)
	return nil
}

// handleRelease transitions to stopped when BlueZ calls Release on us, per
// spec.md §4.11 "BlueZ Release on advertisement ... is treated as an
// instruction to stop cleanly".
func (c *AdvertiseController) handleRelease() {
	c.mu.Lock()
	c.advertising = false
	released := c.released
	c.mu.Unlock()
	if released != nil {
		select {
		case <-released:
		default:
			close(released)
		}
	}
}

func localName(adv ble.AdvertisementData) string {
	if adv.LocalName != nil {
		return *adv.LocalName
	}
	return ""
}

func serviceUUIDStrings(adv ble.AdvertisementData) []string {
	out := make([]string, len(adv.ServiceUUIDs))
	for i, u := range adv.ServiceUUIDs {
		out[i] = u.String()
	}
	return out
}

func manufacturerDataMap(adv ble.AdvertisementData) map[uint16][]byte {
	if adv.ManufacturerData == nil {
		return map[uint16][]byte{}
	}
	return map[uint16][]byte{adv.ManufacturerData.CompanyID: adv.ManufacturerData.Data}
}

func serviceDataMap(adv ble.AdvertisementData) map[string][]byte {
	out := make(map[string][]byte, len(adv.ServiceData))
	for u, data := range adv.ServiceData {
		out[u.String()] = data
	}
	return out
}
