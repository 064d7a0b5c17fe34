//go:build linux

package l2cap

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// Channel is an open L2CAP Connection-Oriented Channel, satisfying
// ble.L2CAPChannel (spec.md §4.9).
type Channel struct {
	fd  int
	mtu int

	closeOnce sync.Once
	closed    chan struct{}

	msgs   chan []byte
	errs   chan error
	pumpWG sync.WaitGroup
}

func newChannel(fd int, mtu int) *Channel {
	c := &Channel{
		fd:     fd,
		mtu:    mtu,
		closed: make(chan struct{}),
		msgs:   make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
	c.pumpWG.Add(1)
	go c.pump()
	return c
}

// pump reads SEQPACKET datagrams off the socket and hands them to Receive,
// preserving message boundaries the same way the kernel delivers them.
func (c *Channel) pump() {
	defer c.pumpWG.Done()
	buf := make([]byte, 65535)
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			select {
			case c.errs <- fmt.Errorf("l2cap: read: %w", err):
			default:
			}
			return
		}
		if n == 0 {
			select {
			case c.errs <- nil:
			default:
			}
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		select {
		case c.msgs <- msg:
		case <-c.closed:
			return
		}
	}
}

// MTU returns the negotiated payload size, per spec.md §9 "MTU negotiation
// is not user-configurable; callers observe the value the kernel settled
// on".
func (c *Channel) MTU() int { return c.mtu }

// Send writes one SEQPACKET datagram. Payloads larger than MTU are rejected
// rather than silently fragmented, since the kernel does not fragment
// SOCK_SEQPACKET writes across datagrams.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	if len(data) > c.mtu {
		return ble.NewL2CAPChannelError(fmt.Sprintf("payload of %d bytes exceeds negotiated MTU %d", len(data), c.mtu), nil)
	}
	done := make(chan error, 1)
	go func() {
		for {
			n, err := unix.Write(c.fd, data)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				done <- ble.NewL2CAPChannelError("send", err)
				return
			}
			if n != len(data) {
				done <- ble.NewL2CAPChannelError("truncated send", nil)
				return
			}
			done <- nil
			return
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ble.NewL2CAPChannelError("channel closed", nil)
	}
}

// Receive blocks until a datagram arrives, the channel errors, the channel
// is closed, or ctx is done.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, ble.NewL2CAPChannelError("channel closed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down and releases the underlying socket. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
		err = unix.Close(c.fd)
		c.pumpWG.Wait()
	})
	return err
}

// Dial opens a Connection-Oriented Channel to addr's psm, per spec.md §4.9.
// It tries the public address type first and falls back to random, since
// BlueZ device objects don't expose which type a peripheral actually
// advertised under at this layer.
func Dial(ctx context.Context, addr ble.Address, psm ble.PSM, params ble.L2CAPChannelParameters) (ble.L2CAPChannel, error) {
	fd, err := socket()
	if err != nil {
		return nil, ble.NewL2CAPChannelError("socket", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	local := newSockaddr(ble.Address{}, 0, addressTypePublic)
	if err := bind(fd, local); err != nil {
		return nil, ble.NewL2CAPChannelError("bind", err)
	}
	if err := setSecurity(fd, securityLevel(params.RequiresEncryption)); err != nil {
		return nil, ble.NewL2CAPChannelError("set security level", err)
	}
	if err := setMTU(fd, defaultMTU); err != nil {
		return nil, ble.NewL2CAPChannelError("set mtu", err)
	}

	connectErr := connectRetrying(ctx, fd, addr, psm)
	if connectErr != nil {
		return nil, ble.NewL2CAPChannelError("connect", connectErr)
	}

	mtu, err := negotiatedMTU(fd)
	if err != nil {
		mtu = defaultMTU
	}
	ok = true
	return newChannel(fd, mtu), nil
}

// connectRetrying tries the public address type, then random, since the
// kernel rejects a connect to the wrong bdaddr_type with EINVAL or
// ECONNREFUSED rather than anything that distinguishes "wrong type" from
// "peer gone".
func connectRetrying(ctx context.Context, fd int, addr ble.Address, psm ble.PSM) error {
	for _, addrType := range []uint8{addressTypePublic, addressTypeRandom} {
		done := make(chan error, 1)
		go func(addrType uint8) {
			remote := newSockaddr(addr, psm, addrType)
			done <- connect(fd, remote)
		}(addrType)

		select {
		case err := <-done:
			if err == nil {
				return nil
			}
			if err == unix.EINVAL || err == unix.ECONNREFUSED {
				continue
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return unix.ECONNREFUSED
}

// Listener is a published L2CAP server socket, satisfying
// ble.L2CAPRegistration and feeding PeripheralManager.IncomingL2CAPChannels.
type Listener struct {
	fd  int
	psm ble.PSM

	closeOnce sync.Once
	closed    chan struct{}
}

// NewListener binds and listens on a kernel-assigned PSM, per spec.md §4.9
// "publishing an L2CAP channel allocates a PSM the caller did not choose".
func NewListener(params ble.L2CAPChannelParameters) (*Listener, error) {
	fd, err := socket()
	if err != nil {
		return nil, ble.NewL2CAPChannelError("socket", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	local := newSockaddr(ble.Address{}, 0, addressTypePublic)
	if err := bind(fd, local); err != nil {
		return nil, ble.NewL2CAPChannelError("bind", err)
	}
	if err := setSecurity(fd, securityLevel(params.RequiresEncryption)); err != nil {
		return nil, ble.NewL2CAPChannelError("set security level", err)
	}
	// Order is load-bearing, per spec.md §4.9: the MTU request must land
	// after bind() assigns the socket its local address and before listen()
	// starts accepting connections, or the kernel ignores it for sockets
	// accept() later hands back.
	if err := setMTU(fd, defaultMTU); err != nil {
		return nil, ble.NewL2CAPChannelError("set mtu", err)
	}
	psm, err := assignedPSM(fd)
	if err != nil {
		return nil, ble.NewL2CAPChannelError("getsockname", err)
	}
	if err := listen(fd, 5); err != nil {
		return nil, ble.NewL2CAPChannelError("listen", err)
	}

	ok = true
	return &Listener{fd: fd, psm: psm, closed: make(chan struct{})}, nil
}

func assignedPSM(fd int) (ble.PSM, error) {
	var sa sockaddrL2
	size := unsafe.Sizeof(sa)
	_, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, uintptr(fd), uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return ble.PSM(sa.psm), nil
}

// PSM returns the kernel-assigned Protocol/Service Multiplexer.
func (l *Listener) PSM() ble.PSM { return l.psm }

// Accept blocks until a peer connects, the listener closes, or ctx is done.
func (l *Listener) Accept(ctx context.Context) (ble.L2CAPChannel, error) {
	type result struct {
		fd  int
		err error
	}
	done := make(chan result, 1)
	go func() {
		fd, _, err := accept(l.fd)
		done <- result{fd, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, ble.NewL2CAPChannelError("accept", res.err)
		}
		mtu, err := negotiatedMTU(res.fd)
		if err != nil {
			mtu = defaultMTU
		}
		return newChannel(res.fd, mtu), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ble.NewL2CAPChannelError("listener closed", nil)
	}
}

// Close shuts down the listening socket. Idempotent.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = unix.Close(l.fd)
	})
	return err
}
