// Package device owns the set of connected devices: it builds an adapter for
// every device the transport hands over, routes commands to it, and stops and
// forgets it when it goes away.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"haptic-controller/internal/core"
	"haptic-controller/internal/message"
	"haptic-controller/internal/protocol"
	"haptic-controller/internal/registry"
	"haptic-controller/internal/transport"
)

// ErrNoDevice is returned for an index that is not connected.
var ErrNoDevice = errors.New("no such device")

// Publisher receives device lifecycle events.
type Publisher interface {
	Publish(event core.Event)
}

// Device is one connected session: an adapter bound to its transport.
type Device struct {
	index     uint32
	session   uuid.UUID
	protocol  *protocol.Protocol
	transport transport.Device
}

// Index returns the index front-ends address the device by.
func (d *Device) Index() uint32 { return d.index }

// Handle runs cmd through the device's adapter.
func (d *Device) Handle(ctx context.Context, cmd message.Command) error {
	return d.protocol.Handle(ctx, d.transport, cmd)
}

// Info describes the device for front-ends.
func (d *Device) Info() core.DeviceInfo {
	features := make(map[string]uint32)
	for kind, a := range d.protocol.Attributes() {
		features[string(kind)] = a.FeatureCount
	}
	return core.DeviceInfo{
		Index:     d.index,
		SessionID: d.session.String(),
		Name:      d.protocol.Name(),
		Address:   d.transport.Address(),
		Protocol:  d.protocol.Family(),
		Features:  features,
	}
}

// Manager tracks connected devices. Commands for different devices never
// contend on a shared lock beyond the map lookup.
type Manager struct {
	opts protocol.Options
	bus  Publisher

	mu      sync.RWMutex
	devices map[uint32]*Device
	next    uint32
}

// NewManager creates an empty manager.
func NewManager(opts protocol.Options, bus Publisher) *Manager {
	return &Manager{
		opts:    opts,
		bus:     bus,
		devices: make(map[uint32]*Device),
	}
}

// Add builds the adapter for a freshly connected device and takes ownership
// of it. On failure the device is disconnected.
func (m *Manager) Add(ctx context.Context, dev transport.Device, pc registry.ProtocolConfig) (*Device, error) {
	family, ok := protocol.Lookup(pc.Protocol)
	if !ok {
		dev.Disconnect()
		return nil, fmt.Errorf("no protocol implementation for %q", pc.Protocol)
	}

	p, err := protocol.Create(ctx, family, dev, pc, m.opts)
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("failed to set up %s: %w", dev.Name(), err)
	}

	m.mu.Lock()
	d := &Device{
		index:     m.next,
		session:   uuid.New(),
		protocol:  p,
		transport: dev,
	}
	m.devices[d.index] = d
	m.next++
	m.mu.Unlock()

	log.Printf("[Device] %s connected as device %d (%s)", p.Name(), d.index, p.Family())
	m.publish(core.Event{Type: core.DeviceAddedEvent, Payload: d.Info()})
	go m.watch(d)
	return d, nil
}

// watch drains the event stream after construction and forgets the device
// once it is removed or the stream ends.
func (m *Manager) watch(d *Device) {
	for ev := range d.transport.Events() {
		if ev.Kind == transport.EventRemoved {
			break
		}
	}
	m.forget(d)
}

func (m *Manager) forget(d *Device) {
	m.mu.Lock()
	cur, ok := m.devices[d.index]
	if ok && cur == d {
		delete(m.devices, d.index)
	}
	m.mu.Unlock()
	if ok && cur == d {
		log.Printf("[Device] Device %d (%s) removed", d.index, d.protocol.Name())
		m.publish(core.Event{Type: core.DeviceRemovedEvent, Payload: d.Info()})
	}
}

func (m *Manager) publish(ev core.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Get returns a connected device.
func (m *Manager) Get(index uint32) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[index]
	return d, ok
}

// Handle routes cmd to a device. Adapter failures are published as
// CommandFailed events and returned wrapped in core.ReportedError.
func (m *Manager) Handle(ctx context.Context, index uint32, cmd message.Command) error {
	d, ok := m.Get(index)
	if !ok {
		return fmt.Errorf("device %d: %w", index, ErrNoDevice)
	}
	err := d.Handle(ctx, cmd)
	if err == nil {
		return nil
	}
	if m.bus == nil {
		return err
	}
	m.bus.Publish(core.Event{Type: core.CommandFailedEvent, Payload: core.CommandFailure{
		Device:  index,
		Command: string(cmd.Kind),
		Error:   err.Error(),
	}})
	return &core.ReportedError{Err: err}
}

// Stop brings every feature of a device to rest.
func (m *Manager) Stop(ctx context.Context, index uint32) error {
	return m.Handle(ctx, index, message.Stop())
}

// StopAll stops every device concurrently. A failing device does not prevent
// the others from stopping.
func (m *Manager) StopAll(ctx context.Context) error {
	devs := m.snapshot()
	errs := make([]error, len(devs))
	var wg sync.WaitGroup
	for i, d := range devs {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Handle(ctx, message.Stop()); err != nil {
				errs[i] = fmt.Errorf("device %d: %w", d.index, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Remove stops a device, disconnects it and forgets it.
func (m *Manager) Remove(ctx context.Context, index uint32) error {
	d, ok := m.Get(index)
	if !ok {
		return fmt.Errorf("device %d: %w", index, ErrNoDevice)
	}
	stopErr := d.Handle(ctx, message.Stop())
	if stopErr != nil {
		log.Printf("[Device] Failed to stop device %d before disconnecting: %v", index, stopErr)
	}
	err := d.transport.Disconnect()
	m.forget(d)
	return errors.Join(stopErr, err)
}

// Close stops and disconnects every device.
func (m *Manager) Close(ctx context.Context) {
	for _, d := range m.snapshot() {
		if err := m.Remove(ctx, d.index); err != nil {
			log.Printf("[Device] Shutdown of device %d: %v", d.index, err)
		}
	}
}

// List describes every connected device, ordered by index.
func (m *Manager) List() []core.DeviceInfo {
	devs := m.snapshot()
	out := make([]core.DeviceInfo, len(devs))
	for i, d := range devs {
		out[i] = d.Info()
	}
	return out
}

func (m *Manager) snapshot() []*Device {
	m.mu.RLock()
	devs := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devs = append(devs, d)
	}
	m.mu.RUnlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].index < devs[j].index })
	return devs
}
