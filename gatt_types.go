package ble

// CharacteristicProperty is a bitset of GATT characteristic property flags.
type CharacteristicProperty uint16

const (
	CharBroadcast CharacteristicProperty = 1 << iota
	CharRead
	CharWrite
	CharWriteWithoutResponse
	CharNotify
	CharIndicate
	CharAuthenticatedSignedWrites
	CharExtendedProperties
)

// Has reports whether flag is set in p.
func (p CharacteristicProperty) Has(flag CharacteristicProperty) bool {
	return p&flag != 0
}

// Permission is a bitset of server-side access permissions used when
// registering a local GATT characteristic or descriptor.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermReadEncryptionRequired
	PermWriteEncryptionRequired
)

func (p Permission) Has(flag Permission) bool {
	return p&flag != 0
}

// GATTService identifies a remote or local GATT service.
type GATTService struct {
	UUID       UUID
	IsPrimary  bool
	InstanceID *uint32
}

// GATTCharacteristic identifies a remote or local GATT characteristic.
type GATTCharacteristic struct {
	UUID       UUID
	Properties CharacteristicProperty
	InstanceID *uint32
	Service    GATTService
}

// GATTDescriptor identifies a remote or local GATT descriptor.
type GATTDescriptor struct {
	UUID           UUID
	Characteristic GATTCharacteristic
}

// GATTDescriptorDefinition describes a descriptor to register on a local
// characteristic.
type GATTDescriptorDefinition struct {
	UUID         UUID
	Permissions  Permission
	InitialValue []byte
}

// GATTCharacteristicDefinition describes a characteristic to register on a
// local service.
type GATTCharacteristicDefinition struct {
	UUID         UUID
	Properties   CharacteristicProperty
	Permissions  Permission
	InitialValue []byte
	Descriptors  []GATTDescriptorDefinition
}

// GATTServiceDefinition describes a service to register via
// PeripheralManager.AddService.
type GATTServiceDefinition struct {
	UUID            UUID
	IsPrimary       bool
	Characteristics []GATTCharacteristicDefinition
}

// DeriveFlags computes the BlueZ-style characteristic flag set from
// properties and permissions, per spec.md §4.2 "Flag derivation":
//   - each property bit contributes its named flag
//   - a readable permission contributes "read" even without the read
//     property bit, and likewise for writeable/"write"
//   - an encryption-required permission contributes "encrypt-read"/
//     "encrypt-write" instead of the plain flag that permission would
//     contribute (a read/write property bit still adds its own plain flag)
//
// An empty result signals a registration error to the caller (spec.md's
// "Empty flag set after derivation ⇒ registration error").
func DeriveFlags(props CharacteristicProperty, perms Permission) []string {
	var flags []string
	add := func(f string) {
		for _, existing := range flags {
			if existing == f {
				return
			}
		}
		flags = append(flags, f)
	}

	if props.Has(CharBroadcast) {
		add("broadcast")
	}
	if props.Has(CharRead) {
		add("read")
	}
	if props.Has(CharWrite) {
		add("write")
	}
	if props.Has(CharWriteWithoutResponse) {
		add("write-without-response")
	}
	if props.Has(CharNotify) {
		add("notify")
	}
	if props.Has(CharIndicate) {
		add("indicate")
	}
	if props.Has(CharAuthenticatedSignedWrites) {
		add("authenticated-signed-writes")
	}
	if props.Has(CharExtendedProperties) {
		add("extended-properties")
	}

	if perms.Has(PermReadEncryptionRequired) {
		add("encrypt-read")
	} else if perms.Has(PermRead) {
		add("read")
	}
	if perms.Has(PermWriteEncryptionRequired) {
		add("encrypt-write")
	} else if perms.Has(PermWrite) {
		add("write")
	}

	return flags
}

// WriteType selects the ATT write operation used by
// PeripheralConnection.Write.
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
)

// SubscriptionPreference selects notify vs. indicate when both are
// available on a characteristic.
type SubscriptionPreference int

const (
	PreferNotification SubscriptionPreference = iota
	PreferIndication
)

// Notification is one value update delivered to a
// PeripheralConnection.Notifications stream.
type Notification struct {
	Characteristic GATTCharacteristic
	Value          []byte
	IsIndication   bool
}
