package ble

import "time"

// PairingRequestKind tags a PairingRequest's variant, mirroring the BlueZ
// Agent1 methods spec.md §4.8 lists.
type PairingRequestKind int

const (
	PairingRequestPinCode PairingRequestKind = iota
	PairingRequestDisplayPinCode
	PairingRequestPasskey
	PairingRequestDisplayPasskey
	PairingRequestConfirmation
	PairingRequestAuthorization
	PairingRequestServiceAuthorization
)

// PairingRequest is one prompt surfaced by a backend's pairing agent. The
// caller answers through the Respond* method matching Kind; exactly one
// call completes the request, and an unanswered request auto-resolves to a
// rejecting default after 30 seconds (spec.md §4.8/§8 scenario 6).
type PairingRequest struct {
	Kind        PairingRequestKind
	Peer        DeviceID
	Code        string // set for DisplayPinCode
	Passkey     uint32 // set for DisplayPasskey and Confirmation
	Entered     uint16 // set for DisplayPasskey
	ServiceUUID UUID   // set for ServiceAuthorization

	respondPin     *Responder[*string]
	respondPasskey *Responder[*uint32]
	respondBool    *Responder[bool]
}

// RespondPinCode answers a PairingRequestPinCode request. Pass nil to
// decline.
func (r *PairingRequest) RespondPinCode(pin *string) {
	if r.respondPin != nil {
		r.respondPin.Succeed(pin)
	}
}

// RespondPasskey answers a PairingRequestPasskey request. Pass nil to
// decline.
func (r *PairingRequest) RespondPasskey(passkey *uint32) {
	if r.respondPasskey != nil {
		r.respondPasskey.Succeed(passkey)
	}
}

// RespondBool answers a confirmation/authorization/serviceAuthorization
// request.
func (r *PairingRequest) RespondBool(accept bool) {
	if r.respondBool != nil {
		r.respondBool.Succeed(accept)
	}
}

// NewPinCodeRequest constructs a PairingRequestPinCode request and its
// awaiter, for backend use.
func NewPinCodeRequest(peer DeviceID) (*PairingRequest, <-chan responderResult[*string]) {
	r, await := NewResponder[*string]()
	return &PairingRequest{Kind: PairingRequestPinCode, Peer: peer, respondPin: r}, await
}

// NewPasskeyRequest constructs a PairingRequestPasskey request and its
// awaiter.
func NewPasskeyRequest(peer DeviceID) (*PairingRequest, <-chan responderResult[*uint32]) {
	r, await := NewResponder[*uint32]()
	return &PairingRequest{Kind: PairingRequestPasskey, Peer: peer, respondPasskey: r}, await
}

// NewBoolRequest constructs a confirmation/authorization/serviceAuthorization
// request and its awaiter. passkey is the numeric-comparison value for a
// PairingRequestConfirmation prompt and is ignored otherwise.
func NewBoolRequest(kind PairingRequestKind, peer DeviceID, serviceUUID UUID, passkey uint32) (*PairingRequest, <-chan responderResult[bool]) {
	r, await := NewResponder[bool]()
	return &PairingRequest{Kind: kind, Peer: peer, ServiceUUID: serviceUUID, Passkey: passkey, respondBool: r}, await
}

// NewDisplayPinCodeEvent constructs the no-response DisplayPinCode variant.
func NewDisplayPinCodeEvent(peer DeviceID, code string) *PairingRequest {
	return &PairingRequest{Kind: PairingRequestDisplayPinCode, Peer: peer, Code: code}
}

// NewDisplayPasskeyEvent constructs the no-response DisplayPasskey variant.
func NewDisplayPasskeyEvent(peer DeviceID, passkey uint32, entered uint16) *PairingRequest {
	return &PairingRequest{Kind: PairingRequestDisplayPasskey, Peer: peer, Passkey: passkey, Entered: entered}
}

// AwaitPinCode blocks on a PinCode request's awaiter until it resolves or
// deadline fires, unwrapping it for callers outside this package.
func AwaitPinCode(await <-chan responderResult[*string], deadline <-chan time.Time) (*string, bool) {
	select {
	case res := <-await:
		return res.value, true
	case <-deadline:
		return nil, false
	}
}

// AwaitPasskey blocks on a Passkey request's awaiter until it resolves or
// deadline fires.
func AwaitPasskey(await <-chan responderResult[*uint32], deadline <-chan time.Time) (*uint32, bool) {
	select {
	case res := <-await:
		return res.value, true
	case <-deadline:
		return nil, false
	}
}

// AwaitBool blocks on a confirmation/authorization/serviceAuthorization
// request's awaiter until it resolves or deadline fires.
func AwaitBool(await <-chan responderResult[bool], deadline <-chan time.Time) (bool, bool) {
	select {
	case res := <-await:
		return res.value, true
	case <-deadline:
		return false, false
	}
}
