package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"haptic-controller/internal/transport"
)

type fakeCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	readErr  error
	notify   func([]byte)
}

func (f *fakeCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeCharacteristic) EnableNotifications(callback func(buf []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = callback
	return nil
}

func (f *fakeCharacteristic) Read(data []byte) (int, error) {
	return 0, f.readErr
}

func (f *fakeCharacteristic) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func testDevice(chars map[transport.Endpoint]characteristic, limiter *rate.Limiter) *Device {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Device{
		name:    "LVS-Test",
		address: "AA:BB:CC:DD:EE:FF",
		chars:   chars,
		limiter: limiter,
		events:  make(chan transport.Event, 32),
	}
}

func TestDevice_WriteWithoutResponse(t *testing.T) {
	tx := &fakeCharacteristic{}
	d := testDevice(map[transport.Endpoint]characteristic{transport.EndpointTx: tx}, nil)

	require.NoError(t, d.Write(context.Background(), transport.NewWriteCmd(transport.EndpointTx, []byte("Vibrate:10;"))))
	assert.Equal(t, [][]byte{[]byte("Vibrate:10;")}, tx.written())
}

func TestDevice_WriteErrors(t *testing.T) {
	tx := &fakeCharacteristic{writeErr: errors.New("not connected")}
	d := testDevice(map[transport.Endpoint]characteristic{transport.EndpointTx: tx}, nil)

	err := d.Write(context.Background(), transport.NewWriteCmd(transport.EndpointRx, []byte{1}))
	assert.ErrorContains(t, err, "no rx endpoint")

	err = d.Write(context.Background(), transport.NewWriteCmd(transport.EndpointTx, []byte{1}))
	assert.ErrorIs(t, err, tx.writeErr)
}

func TestDevice_WriteHonoursContextWhileRateLimited(t *testing.T) {
	tx := &fakeCharacteristic{}
	d := testDevice(map[transport.Endpoint]characteristic{transport.EndpointTx: tx}, rate.NewLimiter(rate.Every(time.Hour), 1))

	require.NoError(t, d.Write(context.Background(), transport.NewWriteCmd(transport.EndpointTx, []byte{1})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Write(ctx, transport.NewWriteCmd(transport.EndpointTx, []byte{2})))
	assert.Len(t, tx.written(), 1)
}

func TestDevice_SubscribeForwardsNotifications(t *testing.T) {
	rx := &fakeCharacteristic{}
	d := testDevice(map[transport.Endpoint]characteristic{transport.EndpointRx: rx}, nil)

	require.NoError(t, d.Subscribe(context.Background(), transport.EndpointRx))
	buf := []byte("C:11:0082059AD3BD;")
	rx.notify(buf)
	buf[0] = 'X'

	ev := <-d.Events()
	assert.Equal(t, transport.EventNotification, ev.Kind)
	assert.Equal(t, transport.EndpointRx, ev.Endpoint)
	assert.Equal(t, []byte("C:11:0082059AD3BD;"), ev.Data)

	require.NoError(t, d.Unsubscribe(context.Background(), transport.EndpointRx))
	assert.Nil(t, rx.notify)
}

func TestDevice_RemovedEndsStream(t *testing.T) {
	d := testDevice(nil, nil)

	d.markRemoved()
	d.markRemoved()
	d.emit(transport.Event{Kind: transport.EventNotification})

	ev, ok := <-d.Events()
	require.True(t, ok)
	assert.Equal(t, transport.EventRemoved, ev.Kind)
	_, ok = <-d.Events()
	assert.False(t, ok)
}

func TestDevice_HeartbeatFailureRemovesDevice(t *testing.T) {
	d := testDevice(nil, nil)
	hb := &fakeCharacteristic{readErr: errors.New("link lost")}

	done := make(chan struct{})
	go func() {
		d.heartbeat(context.Background(), hb, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not notice the lost link")
	}
	ev := <-d.Events()
	assert.Equal(t, transport.EventRemoved, ev.Kind)
}
