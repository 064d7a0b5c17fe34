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

// withShortPairingTimeout lowers the package-level pairing deadline for the
// duration of one test and restores it on cleanup.
func withShortPairingTimeout(t *testing.T, d time.Duration) {
	t.Helper()
	prev := pairingTimeout
	pairingTimeout = d
	t.Cleanup(func() { pairingTimeout = prev })
}

// TestRequestConfirmationTimesOutWithoutResponse exercises spec.md §8
// scenario 6: a pairing prompt nobody answers auto-rejects after the
// deadline rather than hanging the D-Bus method call forever.
func TestRequestConfirmationTimesOutWithoutResponse(t *testing.T) {
	withShortPairingTimeout(t, 30*time.Millisecond)

	client := newTestClient(newFakeConn())
	ctrl := NewAgentController(client, testAdapterPath)
	stream, err := ctrl.Attach()
	require.NoError(t, err)

	devicePath := dbus.ObjectPath(string(testAdapterPath) + "/dev_AA_BB_CC_DD_EE_FF")
	agent := &dbusAgent{ctrl: ctrl}

	done := make(chan *dbus.Error, 1)
	go func() { done <- agent.RequestConfirmation(devicePath, 123456) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, ble.PairingRequestConfirmation, req.Kind)
	require.EqualValues(t, 123456, req.Passkey)

	select {
	case dbusErr := <-done:
		require.NotNil(t, dbusErr)
		require.Equal(t, "org.bluez.Error.Rejected", dbusErr.Name)
	case <-time.After(time.Second):
		t.Fatal("RequestConfirmation did not time out")
	}
}

// TestRequestConfirmationThreadsPasskeyThroughToResponder exercises the
// passkey plumbing itself: a caller answering the surfaced PairingRequest
// unblocks RequestConfirmation with that decision, and the passkey value is
// visible to the responder for a numeric-comparison UI.
func TestRequestConfirmationThreadsPasskeyThroughToResponder(t *testing.T) {
	withShortPairingTimeout(t, time.Second)

	client := newTestClient(newFakeConn())
	ctrl := NewAgentController(client, testAdapterPath)
	stream, err := ctrl.Attach()
	require.NoError(t, err)

	devicePath := dbus.ObjectPath(string(testAdapterPath) + "/dev_11_22_33_44_55_66")
	agent := &dbusAgent{ctrl: ctrl}

	done := make(chan *dbus.Error, 1)
	go func() { done <- agent.RequestConfirmation(devicePath, 654321) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := stream.Next(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 654321, req.Passkey)
	req.RespondBool(true)

	select {
	case dbusErr := <-done:
		require.Nil(t, dbusErr)
	case <-time.After(time.Second):
		t.Fatal("RequestConfirmation did not return after RespondBool")
	}
}
