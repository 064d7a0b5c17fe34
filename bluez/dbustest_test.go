//go:build linux

package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// fakeResponder answers one CallWithContext invocation on a fakeBusObject.
// Tests register one per method name they care about; anything else errors.
type fakeResponder func(args []interface{}) ([]interface{}, error)

// fakeBusObject is a hand-built stand-in for the single dbus.BusObject this
// package actually exercises (CallWithContext + Store on the result), in the
// style of srgg-blecli's internal/testutils builders: no mocking framework,
// just a struct with fields the test configures directly.
type fakeBusObject struct {
	dest string
	path dbus.ObjectPath

	mu        sync.Mutex
	responses map[string]fakeResponder
}

func newFakeBusObject(dest string, path dbus.ObjectPath) *fakeBusObject {
	return &fakeBusObject{dest: dest, path: path, responses: make(map[string]fakeResponder)}
}

// on registers how obj answers method calls, returning obj for chaining.
func (o *fakeBusObject) on(method string, fn fakeResponder) *fakeBusObject {
	o.mu.Lock()
	o.responses[method] = fn
	o.mu.Unlock()
	return o
}

func (o *fakeBusObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.mu.Lock()
	fn, ok := o.responses[method]
	o.mu.Unlock()
	if !ok {
		return &dbus.Call{Err: fmt.Errorf("fakeBusObject(%s): no responder for %s", o.path, method)}
	}
	body, err := fn(args)
	return &dbus.Call{Destination: o.dest, Path: o.path, Method: method, Args: args, Body: body, Err: err}
}

func (o *fakeBusObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

func (o *fakeBusObject) Go(method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	call := o.CallWithContext(context.Background(), method, flags, args...)
	if ch != nil {
		ch <- call
	}
	return call
}

func (o *fakeBusObject) GoWithContext(ctx context.Context, method string, flags dbus.Flags, ch chan *dbus.Call, args ...interface{}) *dbus.Call {
	call := o.CallWithContext(ctx, method, flags, args...)
	if ch != nil {
		ch <- call
	}
	return call
}

func (o *fakeBusObject) AddMatchSignal(options ...dbus.MatchOption) *dbus.Call { return &dbus.Call{} }
func (o *fakeBusObject) RemoveMatchSignal(options ...dbus.MatchOption) *dbus.Call {
	return &dbus.Call{}
}
func (o *fakeBusObject) GetProperty(p string) (dbus.Variant, error) {
	return dbus.Variant{}, fmt.Errorf("fakeBusObject: GetProperty unsupported")
}
func (o *fakeBusObject) StoreProperty(p string, value interface{}) error {
	return fmt.Errorf("fakeBusObject: StoreProperty unsupported")
}
func (o *fakeBusObject) SetProperty(p string, v interface{}) error {
	return fmt.Errorf("fakeBusObject: SetProperty unsupported")
}
func (o *fakeBusObject) Destination() string   { return o.dest }
func (o *fakeBusObject) Path() dbus.ObjectPath { return o.path }

// fakeConn is a hand-built busConn standing in for a real system bus
// connection, per SPEC_FULL.md's commitment to per-package test doubles for
// the D-Bus transport rather than a mocking framework.
type fakeConn struct {
	mu      sync.Mutex
	objects map[dbus.ObjectPath]*fakeBusObject
	root    *fakeBusObject
	sigCh   chan<- *dbus.Signal
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		objects: make(map[dbus.ObjectPath]*fakeBusObject),
		root:    newFakeBusObject("org.freedesktop.DBus", "/org/freedesktop/DBus"),
	}
}

// object registers (or replaces) the fakeBusObject fakeConn.Object(_, path)
// returns.
func (f *fakeConn) object(path dbus.ObjectPath) *fakeBusObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[path]
	if !ok {
		obj = newFakeBusObject(busName, path)
		f.objects[path] = obj
	}
	return obj
}

func (f *fakeConn) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return f.object(path)
}

func (f *fakeConn) BusObject() dbus.BusObject { return f.root }

func (f *fakeConn) Signal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	f.sigCh = ch
	f.mu.Unlock()
}

func (f *fakeConn) Export(v interface{}, path dbus.ObjectPath, iface string) error { return nil }

func (f *fakeConn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	f.emit(&dbus.Signal{Path: path, Name: name, Body: values})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// emit delivers sig to whatever channel the package registered via Signal,
// simulating an inbound D-Bus signal from bluetoothd.
func (f *fakeConn) emit(sig *dbus.Signal) {
	f.mu.Lock()
	ch := f.sigCh
	f.mu.Unlock()
	if ch != nil {
		ch <- sig
	}
}

// newTestClient builds a Client whose connection is already established as
// conn, bypassing the lazy dbus.SystemBus() dial in GetConnection.
func newTestClient(conn busConn) *Client {
	c := &Client{
		cfg:     Config{},
		log:     logrus.WithField("component", "bluez.client.test"),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		conn:    conn,
		signals: make(chan *dbus.Signal, 64),
	}
	c.connOnce.Do(func() {})
	close(c.ready)
	conn.Signal(c.signals)
	go c.dispatchLoop()
	return c
}
