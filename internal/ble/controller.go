// Package ble finds and connects Bluetooth LE actuators known to the device
// registry and exposes each one as a transport.Device.
package ble

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"

	"haptic-controller/internal/registry"
	"haptic-controller/internal/transport"
)

var (
	adapter = bluetooth.DefaultAdapter

	genericAccessUUIDStr = "00001800-0000-1000-8000-00805f9b34fb"
	deviceNameUUIDStr    = "00002a00-0000-1000-8000-00805f9b34fb"

	errNoService = errors.New("device offers none of the configured services")
)

// Catalog resolves advertised names to protocol configurations.
type Catalog interface {
	Find(advertised string) (registry.ProtocolConfig, bool)
}

// ConnectFunc receives every newly connected device. It runs on its own
// goroutine and owns the device from then on.
type ConnectFunc func(ctx context.Context, dev *Device, pc registry.ProtocolConfig)

// Options configures scanning, connecting and writes.
type Options struct {
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	WriteRate         float64
	WriteBurst        int
}

// Controller scans for known devices and connects them.
type Controller struct {
	catalog   Catalog
	onConnect ConnectFunc
	opts      Options

	mu        sync.Mutex
	connected map[string]*Device
}

// NewController creates a controller. Call Run to start scanning.
func NewController(catalog Catalog, opts Options, onConnect ConnectFunc) *Controller {
	return &Controller{
		catalog:   catalog,
		onConnect: onConnect,
		opts:      opts,
		connected: make(map[string]*Device),
	}
}

type found struct {
	result bluetooth.ScanResult
	config registry.ProtocolConfig
}

// Run enables the adapter and keeps scanning for devices until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	for {
		err := adapter.Enable()
		if err == nil {
			break
		}
		log.Printf("[BLE] Failed to enable adapter: %v", err)
		if !sleep(ctx, c.opts.RetryDelay) {
			return
		}
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.forget(device.Address.String())
	})

	for {
		select {
		case <-ctx.Done():
			log.Println("[BLE] Controller shutting down.")
			c.disconnectAll()
			return
		default:
		}

		f, ok := c.scan(ctx)
		if !ok {
			sleep(ctx, c.opts.RetryDelay)
			continue
		}

		dev, err := c.connect(ctx, f)
		if err != nil {
			log.Printf("[BLE] Failed to connect to %s: %v", f.result.LocalName(), err)
			sleep(ctx, c.opts.RetryDelay)
			continue
		}

		c.mu.Lock()
		c.connected[dev.Address()] = dev
		c.mu.Unlock()
		log.Printf("[BLE] %s (%s) is ready.", dev.Name(), dev.Address())
		go c.onConnect(ctx, dev, f.config)
	}
}

// scan waits for the first advertisement of a known, not yet connected
// device.
func (c *Controller) scan(ctx context.Context) (found, bool) {
	ch := make(chan found, 1)

	// A stuck scan from a previous round would make Scan fail.
	adapter.StopScan()
	go func() {
		err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			pc, ok := c.catalog.Find(name)
			if !ok || c.isConnected(result.Address.String()) {
				return
			}
			a.StopScan()
			select {
			case ch <- found{result: result, config: pc}:
			default:
			}
		})
		if err != nil {
			log.Printf("[BLE] Scan error: %v", err)
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	defer cancel()
	select {
	case f := <-ch:
		log.Printf("[BLE] Found %s (RSSI: %d), protocol %s", f.result.LocalName(), f.result.RSSI, f.config.Protocol)
		return f, true
	case <-scanCtx.Done():
		adapter.StopScan()
		return found{}, false
	}
}

type connectResult struct {
	dev *Device
	err error
}

// connect opens the link and resolves the family's endpoints. BlueZ can hang
// on both steps, so each runs under the connect timeout.
func (c *Controller) connect(ctx context.Context, f found) (*Device, error) {
	done := make(chan connectResult, 1)
	go func() {
		device, err := adapter.Connect(f.result.Address, bluetooth.ConnectionParams{})
		if err != nil {
			done <- connectResult{err: err}
			return
		}
		chars, err := discoverEndpoints(device, f.config.BTLE.Services)
		if err != nil {
			device.Disconnect()
			done <- connectResult{err: err}
			return
		}
		limiter := rate.NewLimiter(rate.Limit(c.opts.WriteRate), c.opts.WriteBurst)
		dev := newDevice(f.result.LocalName(), device, chars, limiter)
		if c.opts.HeartbeatInterval > 0 {
			if hb, ok := discoverHeartbeat(device); ok {
				go dev.heartbeat(ctx, &hb, c.opts.HeartbeatInterval)
			}
		}
		done <- connectResult{dev: dev}
	}()

	select {
	case r := <-done:
		return r.dev, r.err
	case <-time.After(c.opts.ConnectTimeout):
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// discoverEndpoints looks for the first configured service the device offers
// and maps its characteristics to endpoints.
func discoverEndpoints(device bluetooth.Device, services map[string]map[transport.Endpoint]string) (map[transport.Endpoint]characteristic, error) {
	var lastErr error
	for serviceStr, endpoints := range services {
		serviceUUID, err := bluetooth.ParseUUID(serviceStr)
		if err != nil {
			lastErr = err
			continue
		}
		svcs, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
		if err != nil || len(svcs) == 0 {
			lastErr = err
			continue
		}

		uuids := make([]bluetooth.UUID, 0, len(endpoints))
		byUUID := make(map[bluetooth.UUID]transport.Endpoint, len(endpoints))
		for ep, charStr := range endpoints {
			u, err := bluetooth.ParseUUID(charStr)
			if err != nil {
				return nil, err
			}
			uuids = append(uuids, u)
			byUUID[u] = ep
		}
		chars, err := svcs[0].DiscoverCharacteristics(uuids)
		if err != nil {
			lastErr = err
			continue
		}
		out := make(map[transport.Endpoint]characteristic, len(chars))
		for i := range chars {
			if ep, ok := byUUID[chars[i].UUID()]; ok {
				out[ep] = &chars[i]
			}
		}
		if len(out) == len(endpoints) {
			return out, nil
		}
	}
	if lastErr == nil {
		lastErr = errNoService
	}
	return nil, lastErr
}

// discoverHeartbeat finds the GAP device name characteristic, which every
// peripheral exposes and which is cheap to read.
func discoverHeartbeat(device bluetooth.Device) (bluetooth.DeviceCharacteristic, bool) {
	gaUUID, _ := bluetooth.ParseUUID(genericAccessUUIDStr)
	nameUUID, _ := bluetooth.ParseUUID(deviceNameUUIDStr)
	svcs, err := device.DiscoverServices([]bluetooth.UUID{gaUUID})
	if err != nil || len(svcs) == 0 {
		return bluetooth.DeviceCharacteristic{}, false
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{nameUUID})
	if err != nil || len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, false
	}
	return chars[0], true
}

func (c *Controller) isConnected(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.connected[address]
	return ok
}

// forget drops a device the adapter reported as disconnected and ends its
// event stream.
func (c *Controller) forget(address string) {
	c.mu.Lock()
	dev, ok := c.connected[address]
	delete(c.connected, address)
	c.mu.Unlock()
	if ok {
		log.Printf("[BLE] %s (%s) disconnected.", dev.Name(), address)
		dev.markRemoved()
	}
}

func (c *Controller) disconnectAll() {
	c.mu.Lock()
	devs := make([]*Device, 0, len(c.connected))
	for addr, d := range c.connected {
		devs = append(devs, d)
		delete(c.connected, addr)
	}
	c.mu.Unlock()
	for _, d := range devs {
		if err := d.Disconnect(); err != nil {
			log.Printf("[BLE] Disconnect warning for %s: %v", d.Name(), err)
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
