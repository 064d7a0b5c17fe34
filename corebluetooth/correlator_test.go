//go:build darwin

package corebluetooth

import (
	"testing"

	"github.com/stretchr/testify/require"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

func TestCorrelatorResolvesFIFO(t *testing.T) {
	c := newCorrelator[int]()
	first := c.register("2A37")
	second := c.register("2A37")

	require.True(t, c.resolve("2A37", 1))
	require.Equal(t, 1, <-first)

	require.True(t, c.resolve("2A37", 2))
	require.Equal(t, 2, <-second)
}

func TestCorrelatorResolveMissingKeyReturnsFalse(t *testing.T) {
	c := newCorrelator[int]()
	require.False(t, c.resolve("2A37", 1))
}

func TestCorrelatorCancelRemovesOnlyThatRegistration(t *testing.T) {
	c := newCorrelator[int]()
	a := c.register("2A37")
	b := c.register("2A37")

	c.cancel("2A37", a)

	require.True(t, c.resolve("2A37", 7))
	require.Equal(t, 7, <-b)
}

func TestMapATTResultDefaultsToUnlikely(t *testing.T) {
	require.Equal(t, int(0x0E), mapATTResult(nil))
}

func TestMapATTResultUsesGATTErrorCode(t *testing.T) {
	err := ble.NewGATTError(ble.ATTErrorInvalidOffset)
	require.Equal(t, int(ble.ATTErrorInvalidOffset), mapATTResult(err))
}

func TestSplitCSV(t *testing.T) {
	require.Nil(t, splitCSV(""))
	require.Equal(t, []string{"180d"}, splitCSV("180d"))
	require.Equal(t, []string{"180d", "2a37"}, splitCSV("180d,2a37"))
}

func TestUUIDIn(t *testing.T) {
	heartRate := ble.NewUUID16(0x180D)
	battery := ble.NewUUID16(0x180F)
	list := []ble.UUID{heartRate}

	require.True(t, uuidIn(list, heartRate))
	require.False(t, uuidIn(list, battery))
}
