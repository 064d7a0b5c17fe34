//go:build darwin

package corebluetooth

/*
#include <stdlib.h>

void *CBTL2CAPChannel_StartPump(void *channel, void *goChannel);
void CBTL2CAPChannel_StopPump(void *pump);
int CBTL2CAPChannel_Write(void *pump, const unsigned char *data, int length);
unsigned short CBTL2CAPChannel_GetPSM(void *channel);
*/
import "C"

import (
	"context"
	"runtime/cgo"
	"time"
	"unsafe"

	ble "github.com/wendylabsinc/bluetooth-sub000"
)

// channel implements ble.L2CAPChannel over a CBL2CAPChannel's paired
// NSInputStream/NSOutputStream, pumped on a dedicated run-loop thread owned
// by CBTL2CAPPump (bridge_darwin.go) since CoreBluetooth streams only
// deliver events to a thread with a scheduled run loop, which Go's
// goroutines don't provide, per spec.md §4.9/§9.
type channel struct {
	session *channelSession
	handle  cgo.Handle
	pump    unsafe.Pointer
	psm     ble.PSM

	closeOnce func()
}

// negotiatedMTU matches the payload size CoreBluetooth's L2CAP CoC streams
// settle on for an LE connection when no explicit MTU negotiation hook is
// exposed to application code.
const negotiatedMTU = 672

func newChannel(cbChannel unsafe.Pointer) *channel {
	psm := ble.PSM(uint16(C.CBTL2CAPChannel_GetPSM(cbChannel)))
	session := newChannelSession()
	handle := cgo.NewHandle(session)
	pump := C.CBTL2CAPChannel_StartPump(cbChannel, handlePtr(handle))
	ch := &channel{session: session, handle: handle, pump: pump, psm: psm}
	return ch
}

func (c *channel) MTU() int { return negotiatedMTU }

func (c *channel) Send(ctx context.Context, data []byte) error {
	remaining := data
	for len(remaining) > 0 {
		var ptr *C.uchar
		if len(remaining) > 0 {
			ptr = (*C.uchar)(unsafe.Pointer(&remaining[0]))
		}
		n := int(C.CBTL2CAPChannel_Write(c.pump, ptr, C.int(len(remaining))))
		if n < 0 {
			return ble.NewL2CAPChannelError("write failed", nil)
		}
		if n == 0 {
			// The output stream had no space; the pump's run loop needs a
			// moment to drain it before another write attempt can succeed.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.session.closed:
				return ble.NewL2CAPChannelError("channel closed", nil)
			case <-time.After(5 * time.Millisecond):
			}
		}
		remaining = remaining[n:]
	}
	return nil
}

func (c *channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.session.buf:
		return data, nil
	case <-c.session.closed:
		return nil, ble.NewL2CAPChannelError("channel closed", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *channel) Close() error {
	C.CBTL2CAPChannel_StopPump(c.pump)
	c.handle.Delete()
	return nil
}
