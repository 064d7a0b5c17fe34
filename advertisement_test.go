package ble

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMergeAdvertisement(t *testing.T) {
	hrMeasurement := NewUUID16(0x180D)
	battery := NewUUID16(0x180F)

	adv := AdvertisementData{
		ServiceUUIDs: []UUID{hrMeasurement},
	}
	scanRsp := AdvertisementData{
		LocalName:        strPtr("HRMon"),
		ServiceUUIDs:     []UUID{battery},
		ManufacturerData: &ManufacturerData{CompanyID: 0x004C, Data: []byte{0xAA}},
	}

	merged := MergeAdvertisement(adv, scanRsp)

	require.NotNil(t, merged.LocalName)
	require.Equal(t, "HRMon", *merged.LocalName)
	require.Len(t, merged.ServiceUUIDs, 2)
	require.True(t, hasUUID(merged.ServiceUUIDs, hrMeasurement))
	require.True(t, hasUUID(merged.ServiceUUIDs, battery))
	require.NotNil(t, merged.ManufacturerData)
	require.Equal(t, uint16(0x004C), merged.ManufacturerData.CompanyID)
	require.Equal(t, []byte{0xAA}, merged.ManufacturerData.Data)
}

func TestMergeAdvertisementKeepsADVValueOverScanResponse(t *testing.T) {
	advManuf := &ManufacturerData{CompanyID: 0x0001, Data: []byte{0x01}}
	adv := AdvertisementData{ManufacturerData: advManuf}
	scanRsp := AdvertisementData{ManufacturerData: &ManufacturerData{CompanyID: 0x0002, Data: []byte{0x02}}}

	merged := MergeAdvertisement(adv, scanRsp)
	require.Equal(t, uint16(0x0001), merged.ManufacturerData.CompanyID)
}

func TestMergeAdvertisementIsIdempotent(t *testing.T) {
	adv := AdvertisementData{ServiceUUIDs: []UUID{NewUUID16(0x180D)}}
	scanRsp := AdvertisementData{
		LocalName:    strPtr("HRMon"),
		ServiceUUIDs: []UUID{NewUUID16(0x180F)},
	}

	once := MergeAdvertisement(adv, scanRsp)
	twice := MergeAdvertisement(once, scanRsp)

	require.Equal(t, *once.LocalName, *twice.LocalName)
	require.ElementsMatch(t, once.ServiceUUIDs, twice.ServiceUUIDs)
}

func TestScanFilterMatches(t *testing.T) {
	hr := NewUUID16(0x180D)
	filter := ScanFilter{ServiceUUIDs: []UUID{hr}, NamePrefix: strPtr("Sensor")}

	require.True(t, filter.Matches(AdvertisementData{
		LocalName:    strPtr("Sensor-1"),
		ServiceUUIDs: []UUID{hr},
	}))
	require.False(t, filter.Matches(AdvertisementData{
		LocalName:    strPtr("Other"),
		ServiceUUIDs: []UUID{hr},
	}))
	require.False(t, filter.Matches(AdvertisementData{
		LocalName:    strPtr("Sensor-1"),
		ServiceUUIDs: []UUID{NewUUID16(0x180F)},
	}))
}

func TestScanFilterEmptyAcceptsAnything(t *testing.T) {
	var filter ScanFilter
	require.True(t, filter.Matches(AdvertisementData{}))
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]bool{
		"  Sensor ": true,
		"":          false,
		"n/a":       false,
		"unknown":   false,
		"na":        false,
	}
	for in, wantOK := range cases {
		_, ok := SanitizeName(in)
		require.Equal(t, wantOK, ok, "input %q", in)
	}
	name, ok := SanitizeName("  Sensor ")
	require.True(t, ok)
	require.Equal(t, "Sensor", name)
}
