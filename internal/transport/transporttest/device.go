// Package transporttest provides an in-memory transport.Device for exercising
// protocol adapters without a radio.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"haptic-controller/internal/transport"
)

// ErrDisconnected is returned by writes after Disconnect or Remove.
var ErrDisconnected = errors.New("transporttest: device disconnected")

// Op records one call made against the device.
type Op struct {
	Name     string // "write", "subscribe" or "unsubscribe"
	Endpoint transport.Endpoint
	Data     []byte
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

type reply struct {
	match []byte
	event transport.Event
}

// Device records every operation and can answer writes with scripted
// notifications.
type Device struct {
	name    string
	address string

	mu        sync.Mutex
	ops       []Op
	replies   []reply
	failWrite error
	hold      *hold
	removed   bool
	closeOnce sync.Once

	events chan transport.Event
}

// NewDevice creates a device advertising name.
func NewDevice(name string) *Device {
	return &Device{
		name:    name,
		address: "00:00:00:00:00:00",
		events:  make(chan transport.Event, 16),
	}
}

func (d *Device) Name() string    { return d.name }
func (d *Device) Address() string { return d.address }

// Respond queues a notification on ep to be emitted the next time data is
// written.
func (d *Device) Respond(data []byte, ep transport.Endpoint, response []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, reply{
		match: data,
		event: transport.Event{Kind: transport.EventNotification, Endpoint: ep, Data: response},
	})
}

// RespondRemoved makes the next write of data emit a Removed event.
func (d *Device) RespondRemoved(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, reply{match: data, event: transport.Event{Kind: transport.EventRemoved}})
}

// FailWrites makes every subsequent write return err. Pass nil to restore.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrite = err
}

// HoldNextWrite makes the next write block until release is called or its
// context ends. entered is closed once that write is blocked.
func (d *Device) HoldNextWrite() (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.hold = h
	d.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

func (d *Device) Write(ctx context.Context, cmd transport.WriteCmd) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	h := d.hold
	d.hold = nil
	d.mu.Unlock()
	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return ErrDisconnected
	}
	if d.failWrite != nil {
		err := d.failWrite
		d.mu.Unlock()
		return err
	}
	d.ops = append(d.ops, Op{Name: "write", Endpoint: cmd.Endpoint, Data: append([]byte(nil), cmd.Data...)})
	var pending []transport.Event
	kept := d.replies[:0]
	for _, r := range d.replies {
		if bytes.Equal(r.match, cmd.Data) {
			pending = append(pending, r.event)
			continue
		}
		kept = append(kept, r)
	}
	d.replies = kept
	// The stream is buffered; sending under the lock keeps it ordered with
	// Remove and Disconnect.
	for _, ev := range pending {
		d.events <- ev
	}
	d.mu.Unlock()
	return nil
}

func (d *Device) Subscribe(_ context.Context, ep transport.Endpoint) error {
	d.record("subscribe", ep)
	return nil
}

func (d *Device) Unsubscribe(_ context.Context, ep transport.Endpoint) error {
	d.record("unsubscribe", ep)
	return nil
}

func (d *Device) record(name string, ep transport.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Name: name, Endpoint: ep})
}

func (d *Device) Events() <-chan transport.Event { return d.events }

// Remove emits a Removed event and then closes the stream.
func (d *Device) Remove() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
	d.closeOnce.Do(func() {
		d.events <- transport.Event{Kind: transport.EventRemoved}
		close(d.events)
	})
}

// CloseEvents ends the event stream without a Removed event.
func (d *Device) CloseEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeOnce.Do(func() { close(d.events) })
}

func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = true
	d.closeOnce.Do(func() { close(d.events) })
	return nil
}

// Ops returns a copy of every recorded operation.
func (d *Device) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

// Writes returns the payloads written so far, in order.
func (d *Device) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for _, op := range d.ops {
		if op.Name == "write" {
			out = append(out, op.Data)
		}
	}
	return out
}

// TakeWrites returns the payloads written so far and forgets them.
func (d *Device) TakeWrites() [][]byte {
	out := d.Writes()
	d.mu.Lock()
	d.ops = nil
	d.mu.Unlock()
	return out
}
