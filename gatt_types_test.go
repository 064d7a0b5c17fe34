package ble

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveFlagsFromProperties(t *testing.T) {
	flags := DeriveFlags(CharRead|CharWrite|CharNotify, 0)
	require.ElementsMatch(t, []string{"read", "write", "notify"}, flags)
}

func TestDeriveFlagsPermissionsWithoutPropertyBits(t *testing.T) {
	// A readable permission contributes "read" even without the read
	// property bit, and likewise for writeable/"write" (spec.md §4.2).
	flags := DeriveFlags(CharNotify, PermRead|PermWrite)
	require.ElementsMatch(t, []string{"notify", "read", "write"}, flags)
}

func TestDeriveFlagsEncryptionRequired(t *testing.T) {
	flags := DeriveFlags(0, PermReadEncryptionRequired|PermWriteEncryptionRequired)
	require.ElementsMatch(t, []string{"encrypt-read", "encrypt-write"}, flags)
}

func TestDeriveFlagsEmptyIsDetectable(t *testing.T) {
	flags := DeriveFlags(0, 0)
	require.Empty(t, flags, "registration must fail when the derived flag set is empty")
}

func TestDeriveFlagsDoesNotDuplicate(t *testing.T) {
	// read property + readable permission should not double up "read".
	flags := DeriveFlags(CharRead, PermRead)
	require.ElementsMatch(t, []string{"read"}, flags)
}
