package gatt

import "github.com/wendylabsinc/bluetooth-sub000"

// ServiceHandle identifies a registered service for RemoveService and for
// resolving its characteristics.
type ServiceHandle struct{ id uint32 }

// CharacteristicHandle identifies a registered characteristic for
// HandleRead/HandleWrite/HandleExecuteWrite/UpdateValue.
type CharacteristicHandle struct{ id uint32 }

// CharacteristicHandleFromInstanceID recovers the opaque handle backend
// packages need for UpdateValue from a ble.GATTCharacteristic's InstanceID,
// which AddService always sets to the handle's own id.
func CharacteristicHandleFromInstanceID(instanceID uint32) CharacteristicHandle {
	return CharacteristicHandle{id: instanceID}
}

// DescriptorHandle identifies a registered descriptor.
type DescriptorHandle struct{ id uint32 }

// ServiceRegistration is returned by AddService: the authoritative value
// types (with backend-assignable InstanceID fields filled in) plus the
// opaque handles later calls use to address this service's attributes.
type ServiceRegistration struct {
	Handle          ServiceHandle
	Service         ble.GATTService
	Characteristics []*CharacteristicRegistration
}

// CharacteristicRegistration is one characteristic within a
// ServiceRegistration.
type CharacteristicRegistration struct {
	Handle         CharacteristicHandle
	Characteristic ble.GATTCharacteristic
	Flags          []string
	Descriptors    []*DescriptorRegistration
}

// DescriptorRegistration is one descriptor within a
// CharacteristicRegistration.
type DescriptorRegistration struct {
	Handle     DescriptorHandle
	Descriptor ble.GATTDescriptor
}
