//go:build linux

// Package l2cap implements raw AF_BLUETOOTH SOCK_SEQPACKET BTPROTO_L2CAP
// Connection-Oriented Channels, per spec.md §4.9 and §6. BlueZ's D-Bus API
// has no object model for L2CAP CoC sockets; callers are expected to open
// them directly against the kernel's Bluetooth socket family, the same way
// bluetoothd's own profile plugins do.
package l2cap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// Socket-family constants the kernel defines for Bluetooth but that
// golang.org/x/sys/unix does not expose (it only carries the generic
// AF_BLUETOOTH value; the protocol family and sockopt layers are specific to
// include/net/bluetooth/*.h and have no portable syscall package).
const (
	afBluetooth       = 31
	btprotoL2CAP      = 0
	solBluetooth      = 274
	btSecurity        = 4
	btRcvMTU          = 13
	btSndMTU          = 14
	solL2CAP          = 6
	l2capOptions      = 0x01
	defaultMTU        = 672
	btSecurityLow     = 1
	btSecurityMedium  = 2
	btSecurityHigh    = 3
	btSecurityFIPS    = 4
	addressTypePublic = 0
	addressTypeRandom = 1
)

// btSecurityOpt mirrors struct bt_security from <bluetooth/bluetooth.h>.
type btSecurityOpt struct {
	Level   uint8
	KeySize uint8
}

// l2capOptionsOpt mirrors struct l2cap_options, used to read back the
// negotiated MTU after connect/accept.
type l2capOptionsOpt struct {
	OMTU    uint16
	IMTU    uint16
	Flush   uint16
	Mode    uint8
	FCS     uint8
	MaxTx   uint8
	TxWinSz uint16
}

// sockaddrL2 mirrors struct sockaddr_l2 from <bluetooth/l2cap.h>:
//
//	sa_family_t l2_family;
//	__le16      l2_psm;
//	bdaddr_t    l2_bdaddr;
//	__le16      l2_cid;
//	__u8        l2_bdaddr_type;
//
// The Go compiler pads this to 14 bytes on its own (2-byte alignment from
// the uint16 fields), matching the C struct's own implicit tail padding, so
// no explicit padding field is declared here.
type sockaddrL2 struct {
	family     uint16
	psm        uint16
	bdaddr     [6]byte
	cid        uint16
	bdaddrType uint8
}

func newSockaddr(addr ble.Address, psm ble.PSM, addrType uint8) sockaddrL2 {
	return sockaddrL2{
		family:     afBluetooth,
		psm:        uint16(psm),
		bdaddr:     addr.WireBytes(),
		bdaddrType: addrType,
	}
}

func socket() (int, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_SEQPACKET, btprotoL2CAP)
	if err != nil {
		return -1, fmt.Errorf("l2cap: socket: %w", err)
	}
	return fd, nil
}

func bind(fd int, sa sockaddrL2) error {
	return sockaddrSyscall(unix.SYS_BIND, fd, sa)
}

func connect(fd int, sa sockaddrL2) error {
	return sockaddrSyscall(unix.SYS_CONNECT, fd, sa)
}

func sockaddrSyscall(trap uintptr, fd int, sa sockaddrL2) error {
	_, _, errno := unix.Syscall(trap, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return errno
	}
	return nil
}

func listen(fd int, backlog int) error {
	return unix.Listen(fd, backlog)
}

func accept(fd int) (int, sockaddrL2, error) {
	var sa sockaddrL2
	size := unsafe.Sizeof(sa)
	nfd, _, errno := unix.Syscall(unix.SYS_ACCEPT, uintptr(fd), uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return -1, sa, errno
	}
	return int(nfd), sa, nil
}

// setSecurity requests a BT_SECURITY level. Older kernels reject the struct
// form with EINVAL; setSecurity then retries with the bare level encoded as
// a 32-bit int, the form used before struct bt_security existed.
func setSecurity(fd int, level uint8) error {
	opt := btSecurityOpt{Level: level, KeySize: 0}
	err := setsockopt(fd, solBluetooth, btSecurity, unsafe.Pointer(&opt), unsafe.Sizeof(opt))
	if err == unix.EINVAL {
		v := int32(level)
		return setsockopt(fd, solBluetooth, btSecurity, unsafe.Pointer(&v), unsafe.Sizeof(v))
	}
	return err
}

// setMTU requests a receive/send MTU via the BT_RCVMTU/BT_SNDMTU sockopts,
// then mirrors the same value into L2CAP_OPTIONS.imtu/omtu: older kernels
// only honor the struct form, and newer ones only the per-socket sockopts,
// so both are set to make the request unambiguous regardless of kernel
// version. Per spec.md §9 the negotiated MTU is not user-configurable; this
// always requests mtu and is only used to make the kernel's choice explicit
// rather than implicit.
func setMTU(fd int, mtu uint16) error {
	if err := setsockopt(fd, solBluetooth, btRcvMTU, unsafe.Pointer(&mtu), unsafe.Sizeof(mtu)); err != nil {
		return err
	}
	if err := setsockopt(fd, solBluetooth, btSndMTU, unsafe.Pointer(&mtu), unsafe.Sizeof(mtu)); err != nil {
		return err
	}
	var opts l2capOptionsOpt
	size := uint32(unsafe.Sizeof(opts))
	getsockopt(fd, solL2CAP, l2capOptions, unsafe.Pointer(&opts), &size) //nolint:errcheck // best effort; fields default to zero if unsupported
	opts.IMTU = mtu
	opts.OMTU = mtu
	return setsockopt(fd, solL2CAP, l2capOptions, unsafe.Pointer(&opts), unsafe.Sizeof(opts))
}

// negotiatedMTU reads back the send MTU the kernel settled on after
// connect/accept completed: BT_SNDMTU first, then L2CAP_OPTIONS.omtu, and
// 672 if neither is available. The receive MTU (BT_RCVMTU/imtu) is not read.
func negotiatedMTU(fd int) (int, error) {
	var sndMTU uint16
	size := uint32(unsafe.Sizeof(sndMTU))
	if err := getsockopt(fd, solBluetooth, btSndMTU, unsafe.Pointer(&sndMTU), &size); err == nil && sndMTU != 0 {
		return int(sndMTU), nil
	}

	var opts l2capOptionsOpt
	optsSize := uint32(unsafe.Sizeof(opts))
	if err := getsockopt(fd, solL2CAP, l2capOptions, unsafe.Pointer(&opts), &optsSize); err != nil {
		return defaultMTU, nil //nolint:nilerr // fall back silently, per spec.md "default to 672 if the kernel declines to report it"
	}
	if opts.OMTU == 0 {
		return defaultMTU, nil
	}
	return int(opts.OMTU), nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, size *uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), uintptr(level), uintptr(name), uintptr(val), uintptr(unsafe.Pointer(size)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func securityLevel(requireEncryption bool) uint8 {
	if requireEncryption {
		return btSecurityMedium
	}
	return btSecurityLow
}
