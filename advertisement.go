package ble

import "strings"

// ManufacturerData is a manufacturer-specific advertisement payload keyed by
// Bluetooth SIG company identifier.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// AdvertisementData is the decoded content of an advertising (or
// scan-response) payload.
type AdvertisementData struct {
	LocalName        *string
	ServiceUUIDs     []UUID
	ServiceData      map[UUID][]byte
	ManufacturerData *ManufacturerData
	TxPowerLevel     *int8
}

// clone returns a deep copy so merge operations never alias caller-owned
// slices/maps.
func (a AdvertisementData) clone() AdvertisementData {
	out := AdvertisementData{TxPowerLevel: a.TxPowerLevel}
	if a.LocalName != nil {
		n := *a.LocalName
		out.LocalName = &n
	}
	if a.ServiceUUIDs != nil {
		out.ServiceUUIDs = append([]UUID(nil), a.ServiceUUIDs...)
	}
	if a.ServiceData != nil {
		out.ServiceData = make(map[UUID][]byte, len(a.ServiceData))
		for k, v := range a.ServiceData {
			out.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	if a.ManufacturerData != nil {
		md := *a.ManufacturerData
		md.Data = append([]byte(nil), a.ManufacturerData.Data...)
		out.ManufacturerData = &md
	}
	return out
}

func hasUUID(list []UUID, u UUID) bool {
	for _, v := range list {
		if v.Equal(u) {
			return true
		}
	}
	return false
}

// MergeAdvertisement implements spec.md's ADV + SCAN_RSP merge rule: missing
// scalar fields are filled from the scan response; service_uuids is a
// union; manufacturer_data and per-UUID service_data keep the ADV value when
// present. The operation is idempotent: merging the scan response in again
// is a no-op.
func MergeAdvertisement(adv, scanRsp AdvertisementData) AdvertisementData {
	out := adv.clone()

	if out.LocalName == nil && scanRsp.LocalName != nil {
		n := *scanRsp.LocalName
		out.LocalName = &n
	}

	for _, u := range scanRsp.ServiceUUIDs {
		if !hasUUID(out.ServiceUUIDs, u) {
			out.ServiceUUIDs = append(out.ServiceUUIDs, u)
		}
	}

	if out.ManufacturerData == nil && scanRsp.ManufacturerData != nil {
		md := *scanRsp.ManufacturerData
		md.Data = append([]byte(nil), scanRsp.ManufacturerData.Data...)
		out.ManufacturerData = &md
	}

	for u, data := range scanRsp.ServiceData {
		if _, present := out.ServiceData[u]; present {
			continue
		}
		if out.ServiceData == nil {
			out.ServiceData = make(map[UUID][]byte)
		}
		out.ServiceData[u] = append([]byte(nil), data...)
	}

	if out.TxPowerLevel == nil && scanRsp.TxPowerLevel != nil {
		v := *scanRsp.TxPowerLevel
		out.TxPowerLevel = &v
	}

	return out
}

// ScanResult is one transient scan event: one discovered advertisement
// report, yielded at most once for its emitting call (no re-delivery — the
// same peripheral may appear in a later, distinct ScanResult).
type ScanResult struct {
	Peripheral        Peripheral
	AdvertisementData AdvertisementData
	RSSI              int16
}

// ScanFilter narrows CentralManager.Scan results.
type ScanFilter struct {
	ServiceUUIDs []UUID
	NamePrefix   *string
}

// Matches reports whether an advertisement satisfies the filter: an empty
// ServiceUUIDs accepts any payload, otherwise the advertised set must
// intersect; a nil NamePrefix accepts any name, otherwise the name must
// start with the prefix case-sensitively.
func (f ScanFilter) Matches(adv AdvertisementData) bool {
	if len(f.ServiceUUIDs) > 0 {
		matched := false
		for _, want := range f.ServiceUUIDs {
			if hasUUID(adv.ServiceUUIDs, want) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.NamePrefix != nil {
		name := ""
		if adv.LocalName != nil {
			name = *adv.LocalName
		}
		if !strings.HasPrefix(name, *f.NamePrefix) {
			return false
		}
	}
	return true
}

// ScanParameters controls a CentralManager.Scan session.
type ScanParameters struct {
	// AllowDuplicates, when false, yields each peripheral address at most
	// once for the lifetime of the scan session.
	AllowDuplicates bool
}

// SanitizeName applies spec.md §4.4's BlueZ name-sanitization rule: trimmed,
// and the closed set {"", "n/a", "unknown", "na"} (case-sensitive, as
// observed from BlueZ) leaves the name unset.
func SanitizeName(raw string) (name string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "n/a", "unknown", "na":
		return "", false
	default:
		return trimmed, true
	}
}
