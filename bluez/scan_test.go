//go:build linux

package bluez

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

const testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")

// devicePropsSignal builds an InterfacesAdded signal for one Device1 object,
// the shape ScanController.handleSignal expects from bluetoothd.
func devicePropsSignal(adapterPath dbus.ObjectPath, addrSuffix string, props map[string]dbus.Variant) *dbus.Signal {
	path := dbus.ObjectPath(string(adapterPath) + "/" + addrSuffix)
	return &dbus.Signal{
		Path: dbus.ObjectPath("/org/bluez"),
		Name: objectManagerInterface + ".InterfacesAdded",
		Body: []interface{}{path, map[string]map[string]dbus.Variant{deviceInterface: props}},
	}
}

// TestScanDropsDuplicateAdvertisementsByDefault exercises spec.md §8
// scenario 1: the same device advertising twice without AllowDuplicates
// only yields one ScanResult.
func TestScanDropsDuplicateAdvertisementsByDefault(t *testing.T) {
	conn := newFakeConn()
	adapter := conn.object(testAdapterPath)
	adapter.on(adapterInterface+".SetDiscoveryFilter", func(args []interface{}) ([]interface{}, error) { return nil, nil })
	adapter.on(adapterInterface+".StartDiscovery", func(args []interface{}) ([]interface{}, error) { return nil, nil })
	adapter.on(adapterInterface+".StopDiscovery", func(args []interface{}) ([]interface{}, error) { return nil, nil })

	root := conn.object(dbus.ObjectPath("/"))
	root.on(objectManagerInterface+".GetManagedObjects", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{ManagedObjects{}}, nil
	})

	client := newTestClient(conn)
	sc := NewScanController(client, testAdapterPath)

	stream, err := sc.Scan(context.Background(), ble.ScanFilter{}, ble.ScanParameters{})
	require.NoError(t, err)

	name := "dup-device"
	props := map[string]dbus.Variant{"Alias": dbus.MakeVariant(name)}
	conn.emit(devicePropsSignal(testAdapterPath, "dev_AA_BB_CC_DD_EE_FF", props))
	conn.emit(devicePropsSignal(testAdapterPath, "dev_AA_BB_CC_DD_EE_FF", props))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, name, *first.AdvertisementData.LocalName)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	_, err = stream.Next(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestScanEmitsDuplicatesWhenAllowed exercises the AllowDuplicates=true
// branch of the same protocol step, the counterpart to the dedup default.
func TestScanEmitsDuplicatesWhenAllowed(t *testing.T) {
	conn := newFakeConn()
	adapter := conn.object(testAdapterPath)
	adapter.on(adapterInterface+".SetDiscoveryFilter", func(args []interface{}) ([]interface{}, error) { return nil, nil })
	adapter.on(adapterInterface+".StartDiscovery", func(args []interface{}) ([]interface{}, error) { return nil, nil })
	adapter.on(adapterInterface+".StopDiscovery", func(args []interface{}) ([]interface{}, error) { return nil, nil })

	root := conn.object(dbus.ObjectPath("/"))
	root.on(objectManagerInterface+".GetManagedObjects", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{ManagedObjects{}}, nil
	})

	client := newTestClient(conn)
	sc := NewScanController(client, testAdapterPath)

	stream, err := sc.Scan(context.Background(), ble.ScanFilter{}, ble.ScanParameters{AllowDuplicates: true})
	require.NoError(t, err)

	props := map[string]dbus.Variant{"Alias": dbus.MakeVariant("repeat-device")}
	conn.emit(devicePropsSignal(testAdapterPath, "dev_11_22_33_44_55_66", props))
	conn.emit(devicePropsSignal(testAdapterPath, "dev_11_22_33_44_55_66", props))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.NoError(t, err)
	_, err = stream.Next(ctx)
	require.NoError(t, err)
}
