package ble

import "fmt"

// ErrorKind tags an Error with the taxonomy from spec.md §7.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindNotReady
	ErrorKindInvalidState
	ErrorKindInvalidPeripheral
	ErrorKindConnectionFailed
	ErrorKindServiceNotFound
	ErrorKindCharacteristicNotFound
	ErrorKindDescriptorNotFound
	ErrorKindServiceRegistrationFailed
	ErrorKindNotificationFailed
	ErrorKindL2CAPChannelError
	ErrorKindUnimplemented
	ErrorKindATT
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNotReady:
		return "NotReady"
	case ErrorKindInvalidState:
		return "InvalidState"
	case ErrorKindInvalidPeripheral:
		return "InvalidPeripheral"
	case ErrorKindConnectionFailed:
		return "ConnectionFailed"
	case ErrorKindServiceNotFound:
		return "ServiceNotFound"
	case ErrorKindCharacteristicNotFound:
		return "CharacteristicNotFound"
	case ErrorKindDescriptorNotFound:
		return "DescriptorNotFound"
	case ErrorKindServiceRegistrationFailed:
		return "ServiceRegistrationFailed"
	case ErrorKindNotificationFailed:
		return "NotificationFailed"
	case ErrorKindL2CAPChannelError:
		return "L2CAPChannelError"
	case ErrorKindUnimplemented:
		return "Unimplemented"
	case ErrorKindATT:
		return "ATTError"
	default:
		return "Unknown"
	}
}

// Error is the single tagged error type this package and its backends
// return. Kind identifies the taxonomy bucket; Reason/Feature/Code carry
// the per-kind payload spec.md §7 describes; Err, if non-nil, is the
// underlying cause and participates in errors.Is/As via Unwrap.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Feature string // set for ErrorKindUnimplemented
	ATTCode ATTErrorCode
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorKindUnimplemented:
		return fmt.Sprintf("ble: unimplemented: %s", e.Feature)
	case ErrorKindATT:
		if e.Err != nil {
			return fmt.Sprintf("ble: ATT error %s: %v", e.ATTCode, e.Err)
		}
		return fmt.Sprintf("ble: ATT error %s", e.ATTCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("ble: %s: %s: %v", e.Kind, e.Reason, e.Err)
		}
		if e.Reason != "" {
			return fmt.Sprintf("ble: %s: %s", e.Kind, e.Reason)
		}
		return fmt.Sprintf("ble: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ble.ErrKind(k)) work for kind-only sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" && t.Err == nil && t.ATTCode == 0 {
		return e.Kind == t.Kind
	}
	return e == t
}

// ErrKind returns a sentinel usable with errors.Is to test for a kind,
// ignoring any reason/cause.
func ErrKind(k ErrorKind) error { return &Error{Kind: k} }

func newError(k ErrorKind, reason string, cause error) *Error {
	return &Error{Kind: k, Reason: reason, Err: cause}
}

func NewNotReadyError(reason string) error { return newError(ErrorKindNotReady, reason, nil) }

func NewInvalidStateError(reason string) error { return newError(ErrorKindInvalidState, reason, nil) }

func NewInvalidPeripheralError(reason string) error {
	return newError(ErrorKindInvalidPeripheral, reason, nil)
}

func NewConnectionFailedError(reason string, cause error) error {
	return newError(ErrorKindConnectionFailed, reason, cause)
}

func NewServiceNotFoundError(uuid UUID) error {
	return newError(ErrorKindServiceNotFound, uuid.String(), nil)
}

func NewCharacteristicNotFoundError(uuid UUID) error {
	return newError(ErrorKindCharacteristicNotFound, uuid.String(), nil)
}

func NewDescriptorNotFoundError(uuid UUID) error {
	return newError(ErrorKindDescriptorNotFound, uuid.String(), nil)
}

func NewServiceRegistrationFailedError(reason string, cause error) error {
	return newError(ErrorKindServiceRegistrationFailed, reason, cause)
}

func NewNotificationFailedError(reason string, cause error) error {
	return newError(ErrorKindNotificationFailed, reason, cause)
}

func NewL2CAPChannelError(reason string, cause error) error {
	return newError(ErrorKindL2CAPChannelError, reason, cause)
}

func NewUnimplementedError(feature string) error {
	return &Error{Kind: ErrorKindUnimplemented, Feature: feature}
}

func NewATTError(code ATTErrorCode) error {
	return &Error{Kind: ErrorKindATT, ATTCode: code}
}

// ATTErrorCode is a standard Attribute Protocol error code, used to
// translate GATT server-side failures (spec.md's GATTError) back across
// the wire.
type ATTErrorCode byte

const (
	ATTErrorInvalidHandle                 ATTErrorCode = 0x01
	ATTErrorReadNotPermitted              ATTErrorCode = 0x02
	ATTErrorWriteNotPermitted             ATTErrorCode = 0x03
	ATTErrorInvalidPDU                    ATTErrorCode = 0x04
	ATTErrorInsufficientAuthentication    ATTErrorCode = 0x05
	ATTErrorRequestNotSupported           ATTErrorCode = 0x06
	ATTErrorInvalidOffset                 ATTErrorCode = 0x07
	ATTErrorInsufficientAuthorization     ATTErrorCode = 0x08
	ATTErrorPrepareQueueFull              ATTErrorCode = 0x09
	ATTErrorAttributeNotFound             ATTErrorCode = 0x0A
	ATTErrorAttributeNotLong              ATTErrorCode = 0x0B
	ATTErrorInsufficientEncryptionKeySize ATTErrorCode = 0x0C
	ATTErrorInvalidAttributeValueLength   ATTErrorCode = 0x0D
	ATTErrorUnlikelyError                 ATTErrorCode = 0x0E
	ATTErrorInsufficientEncryption        ATTErrorCode = 0x0F
	ATTErrorUnsupportedGroupType          ATTErrorCode = 0x10
	ATTErrorInsufficientResources         ATTErrorCode = 0x11
)

func (c ATTErrorCode) String() string {
	switch c {
	case ATTErrorInvalidHandle:
		return "InvalidHandle"
	case ATTErrorReadNotPermitted:
		return "ReadNotPermitted"
	case ATTErrorWriteNotPermitted:
		return "WriteNotPermitted"
	case ATTErrorInvalidPDU:
		return "InvalidPDU"
	case ATTErrorInsufficientAuthentication:
		return "InsufficientAuthentication"
	case ATTErrorRequestNotSupported:
		return "RequestNotSupported"
	case ATTErrorInvalidOffset:
		return "InvalidOffset"
	case ATTErrorInsufficientAuthorization:
		return "InsufficientAuthorization"
	case ATTErrorPrepareQueueFull:
		return "PrepareQueueFull"
	case ATTErrorAttributeNotFound:
		return "AttributeNotFound"
	case ATTErrorAttributeNotLong:
		return "AttributeNotLong"
	case ATTErrorInsufficientEncryptionKeySize:
		return "InsufficientEncryptionKeySize"
	case ATTErrorInvalidAttributeValueLength:
		return "InvalidAttributeValueLength"
	case ATTErrorUnlikelyError:
		return "UnlikelyError"
	case ATTErrorInsufficientEncryption:
		return "InsufficientEncryption"
	case ATTErrorUnsupportedGroupType:
		return "UnsupportedGroupType"
	case ATTErrorInsufficientResources:
		return "InsufficientResources"
	default:
		return fmt.Sprintf("0x%02X", byte(c))
	}
}

// GATTError is the error a GATT server request responder sends back to the
// transport.
type GATTError struct {
	Code ATTErrorCode
}

func (e *GATTError) Error() string { return fmt.Sprintf("ble: gatt error %s", e.Code) }

// NewGATTError constructs a GATTError for the given ATT code.
func NewGATTError(code ATTErrorCode) *GATTError { return &GATTError{Code: code} }
