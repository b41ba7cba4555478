package ble

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"

	"haptic-controller/internal/transport"
)

// characteristic is the part of bluetooth.DeviceCharacteristic a device uses.
// Every backend tinygo supports, BlueZ included, provides these.
type characteristic interface {
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
	Read(data []byte) (int, error)
}

// Device is a connected peripheral exposed as a transport.Device. Writes go
// through a rate limiter and are serialized, since most actuator firmware
// drops frames that arrive back to back.
type Device struct {
	name    string
	address string
	device  bluetooth.Device
	chars   map[transport.Endpoint]characteristic

	limiter *rate.Limiter
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	events chan transport.Event
}

func newDevice(name string, device bluetooth.Device, chars map[transport.Endpoint]characteristic, limiter *rate.Limiter) *Device {
	return &Device{
		name:    name,
		address: device.Address.String(),
		device:  device,
		chars:   chars,
		limiter: limiter,
		events:  make(chan transport.Event, 32),
	}
}

func (d *Device) Name() string    { return d.name }
func (d *Device) Address() string { return d.address }

func (d *Device) characteristic(ep transport.Endpoint) (characteristic, error) {
	c, ok := d.chars[ep]
	if !ok {
		return nil, fmt.Errorf("%s has no %s endpoint", d.name, ep)
	}
	return c, nil
}

func (d *Device) Write(ctx context.Context, cmd transport.WriteCmd) error {
	c, err := d.characteristic(cmd.Endpoint)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := c.WriteWithoutResponse(cmd.Data); err != nil {
		return fmt.Errorf("failed to write to %s (%s): %w", d.name, d.address, err)
	}
	return nil
}

func (d *Device) Subscribe(_ context.Context, ep transport.Endpoint) error {
	c, err := d.characteristic(ep)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		d.emit(transport.Event{
			Kind:     transport.EventNotification,
			Endpoint: ep,
			Data:     append([]byte(nil), buf...),
		})
	})
}

func (d *Device) Unsubscribe(_ context.Context, ep transport.Endpoint) error {
	c, err := d.characteristic(ep)
	if err != nil {
		return err
	}
	return c.EnableNotifications(nil)
}

func (d *Device) Events() <-chan transport.Event { return d.events }

func (d *Device) emit(ev transport.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		log.Printf("[BLE] %s event queue full, dropping notification: %x", d.name, ev.Data)
	}
}

// markRemoved publishes Removed and ends the event stream.
func (d *Device) markRemoved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	select {
	case d.events <- transport.Event{Kind: transport.EventRemoved}:
	default:
	}
	close(d.events)
}

func (d *Device) Disconnect() error {
	d.markRemoved()
	return d.device.Disconnect()
}

// heartbeat reads a characteristic every interval and treats a failed read as
// a lost link. It returns when the link is lost or ctx is done.
func (d *Device) heartbeat(ctx context.Context, c characteristic, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]byte, 20)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Read(buf); err != nil {
				log.Printf("[BLE] Heartbeat to %s failed (assuming disconnected): %v", d.name, err)
				d.markRemoved()
				return
			}
		}
	}
}
