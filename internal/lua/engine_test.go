package lua

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lua "github.com/yuin/gopher-lua"

	"haptic-controller/internal/core"
	"haptic-controller/internal/message"
)

type call struct {
	index uint32
	cmd   message.Command
}

type fakeDevices struct {
	mu      sync.Mutex
	calls   []call
	stops   []uint32
	stopAll int
	fail    map[uint32]error
}

func (f *fakeDevices) Handle(_ context.Context, index uint32, cmd message.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[index]; err != nil {
		return err
	}
	f.calls = append(f.calls, call{index: index, cmd: cmd})
	return nil
}

func (f *fakeDevices) Stop(_ context.Context, index uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, index)
	return nil
}

func (f *fakeDevices) StopAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAll++
	return nil
}

func (f *fakeDevices) List() []core.DeviceInfo {
	return []core.DeviceInfo{
		{Index: 0, Name: "A", Protocol: "lovense"},
		{Index: 3, Name: "B", Protocol: "realov"},
	}
}

func (f *fakeDevices) snapshot() ([]call, []uint32, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...), append([]uint32(nil), f.stops...), f.stopAll
}

func runString(t *testing.T, devices *fakeDevices, code string) error {
	t.Helper()
	e := &Engine{devices: devices}
	return e.execute(context.Background(), "test", func(L *lua.LState) error { return L.DoString(code) })
}

func TestExecute_DeviceFunctions(t *testing.T) {
	devices := &fakeDevices{}
	err := runString(t, devices, `
		vibrate(0, 0.5)
		vibrate(3, 0.1, 0.2)
		rotate(0, 0.3, false)
		linear(3, 0.75, 200)
		stop(3)
		stop_all()
	`)
	require.NoError(t, err)

	calls, stops, stopAll := devices.snapshot()
	assert.Equal(t, []call{
		{0, message.Vibrate(0.5)},
		{3, message.Vibrate(0.1, 0.2)},
		{0, message.Rotate(message.FeatureCommand{Value: 0.3, Clockwise: false})},
		{3, message.Linear(message.FeatureCommand{Value: 0.75, Duration: 200})},
	}, calls)
	assert.Equal(t, []uint32{3}, stops)
	// Once from the script, once when the pattern ends.
	assert.Equal(t, 2, stopAll)
}

func TestExecute_RotateDefaultsClockwise(t *testing.T) {
	devices := &fakeDevices{}
	require.NoError(t, runString(t, devices, `rotate(0, 0.5)`))

	calls, _, _ := devices.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].cmd.Features[0].Clockwise)
}

func TestExecute_DeviceErrorStopsScript(t *testing.T) {
	devices := &fakeDevices{fail: map[uint32]error{3: errors.New("no such device")}}
	err := runString(t, devices, `
		vibrate(0, 0.5)
		vibrate(3, 0.5)
		vibrate(0, 1)
	`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vibrate(3)")
	assert.Contains(t, err.Error(), "no such device")

	calls, _, stopAll := devices.snapshot()
	assert.Len(t, calls, 1)
	assert.Equal(t, 1, stopAll)
}

func TestExecute_ArgumentErrors(t *testing.T) {
	for _, code := range []string{`vibrate(0)`, `vibrate(-1, 0.5)`, `linear(0, 0.5)`, `linear(0, 0.5, -1)`, `linear(0, 0.5, 4294967296)`, `rotate("x", 1)`} {
		t.Run(code, func(t *testing.T) {
			devices := &fakeDevices{}
			assert.Error(t, runString(t, devices, code))
			calls, _, _ := devices.snapshot()
			assert.Empty(t, calls)
		})
	}
}

func TestExecute_Devices(t *testing.T) {
	err := runString(t, &fakeDevices{}, `
		local d = devices()
		if #d ~= 2 then error("want 2 devices, got " .. #d) end
		if d[1].name ~= "A" or d[2].index ~= 3 or d[2].protocol ~= "realov" then
			error("unexpected device table")
		end
		if should_stop() then error("should_stop without cancel") end
	`)
	assert.NoError(t, err)
}

func TestExecute_Ramp(t *testing.T) {
	devices := &fakeDevices{}
	require.NoError(t, runString(t, devices, `ramp(1, 0, 1, 50)`))

	calls, _, _ := devices.snapshot()
	require.Len(t, calls, 51)
	assert.Equal(t, message.Vibrate(0), calls[0].cmd)
	assert.Equal(t, message.Vibrate(1), calls[50].cmd)
	assert.InDelta(t, 0.5, calls[25].cmd.Features[0].Value, 1e-9)
}

func TestExecute_Pulse(t *testing.T) {
	devices := &fakeDevices{}
	require.NoError(t, runString(t, devices, `pulse(0, 0.8, 1, 1, 2)`))

	calls, _, _ := devices.snapshot()
	assert.Equal(t, []call{
		{0, message.Vibrate(0.8)},
		{0, message.Vibrate(0)},
		{0, message.Vibrate(0.8)},
		{0, message.Vibrate(0)},
	}, calls)
}

func TestExecute_CancelInterruptsSleep(t *testing.T) {
	devices := &fakeDevices{}
	e := &Engine{devices: devices}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.execute(ctx, "sleepy", func(L *lua.LState) error {
			return L.DoString(`while not should_stop() do sleep(10000) end vibrate(0, 1)`)
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("script did not stop")
	}
	_, _, stopAll := devices.snapshot()
	assert.Equal(t, 1, stopAll)
}

func TestEngine_RunPatternPublishesStatus(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save("short.lua", `vibrate(0, 0.5)`))

	bus := core.NewEventBus()
	sub := bus.Subscribe(core.PatternChangedEvent)
	devices := &fakeDevices{}
	e := NewEngine(devices, store, bus)

	require.NoError(t, e.RunPattern("short.lua"))

	var seen []string
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Payload.(string))
		case <-time.After(2 * time.Second):
			t.Fatalf("pattern events so far: %v", seen)
		}
	}
	assert.Equal(t, []string{"short.lua", ""}, seen)

	calls, _, _ := devices.snapshot()
	assert.Equal(t, []call{{0, message.Vibrate(0.5)}}, calls)
}

func TestEngine_RunPatternRejectsBadName(t *testing.T) {
	e := NewEngine(&fakeDevices{}, NewStore(t.TempDir()), nil)
	assert.Error(t, e.RunPattern("../etc/passwd"))
}

func TestEngine_NewPatternReplacesRunning(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save("forever.lua", `while true do sleep(10) end`))
	require.NoError(t, store.Save("once.lua", `vibrate(0, 1)`))

	bus := core.NewEventBus()
	sub := bus.Subscribe(core.PatternChangedEvent)
	devices := &fakeDevices{}
	e := NewEngine(devices, store, bus)

	require.NoError(t, e.RunPattern("forever.lua"))
	require.NoError(t, e.RunPattern("once.lua"))

	var seen []string
	for len(seen) < 4 {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Payload.(string))
		case <-time.After(3 * time.Second):
			t.Fatalf("pattern events so far: %v", seen)
		}
	}
	assert.Equal(t, []string{"forever.lua", "", "once.lua", ""}, seen)
}
