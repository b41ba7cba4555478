package lua

import (
	"context"
	"log"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"haptic-controller/internal/message"
)

// api is the set of Go functions one script execution sees. Every call uses
// the execution's context, so stopping a pattern interrupts sleeps and
// pending writes.
type api struct {
	devices Dispatcher
	ctx     context.Context
}

// registerGoFunctions exposes Go functions to the given Lua state.
func registerGoFunctions(L *lua.LState, a *api) {
	L.SetGlobal("vibrate", L.NewFunction(a.vibrate))
	L.SetGlobal("rotate", L.NewFunction(a.rotate))
	L.SetGlobal("linear", L.NewFunction(a.linear))
	L.SetGlobal("stop", L.NewFunction(a.stop))
	L.SetGlobal("stop_all", L.NewFunction(a.stopAll))
	L.SetGlobal("devices", L.NewFunction(a.listDevices))
	L.SetGlobal("sleep", L.NewFunction(a.sleep))
	L.SetGlobal("should_stop", L.NewFunction(a.shouldStop))
	L.SetGlobal("ramp", L.NewFunction(a.ramp))
	L.SetGlobal("pulse", L.NewFunction(a.pulse))
	L.SetGlobal("print", L.NewFunction(luaPrint))
}

func luaPrint(L *lua.LState) int {
	log.Printf("[LUA] %s", L.ToString(1))
	return 0
}

func deviceArg(L *lua.LState) uint32 {
	idx := L.CheckInt(1)
	if idx < 0 {
		L.ArgError(1, "device index must not be negative")
	}
	return uint32(idx)
}

func (a *api) handle(L *lua.LState, fn string, idx uint32, cmd message.Command) {
	if err := a.devices.Handle(a.ctx, idx, cmd); err != nil {
		L.RaiseError("%s(%d): %v", fn, idx, err)
	}
}

// vibrate(device, value [, value...]): one value drives every motor.
func (a *api) vibrate(L *lua.LState) int {
	idx := deviceArg(L)
	values := make([]float64, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		values = append(values, float64(L.CheckNumber(i)))
	}
	if len(values) == 0 {
		L.ArgError(2, "value expected")
	}
	a.handle(L, "vibrate", idx, message.Vibrate(values...))
	return 0
}

// rotate(device, speed, clockwise)
func (a *api) rotate(L *lua.LState) int {
	idx := deviceArg(L)
	speed := float64(L.CheckNumber(2))
	clockwise := L.OptBool(3, true)
	a.handle(L, "rotate", idx, message.Rotate(message.FeatureCommand{Value: speed, Clockwise: clockwise}))
	return 0
}

// linear(device, position, duration_ms)
func (a *api) linear(L *lua.LState) int {
	idx := deviceArg(L)
	pos := float64(L.CheckNumber(2))
	dur := L.CheckInt64(3)
	if dur < 0 || dur > math.MaxUint32 {
		L.ArgError(3, "duration must be between 0 and 4294967295 ms")
	}
	a.handle(L, "linear", idx, message.Linear(message.FeatureCommand{Value: pos, Duration: uint32(dur)}))
	return 0
}

func (a *api) stop(L *lua.LState) int {
	idx := deviceArg(L)
	if err := a.devices.Stop(a.ctx, idx); err != nil {
		L.RaiseError("stop(%d): %v", idx, err)
	}
	return 0
}

func (a *api) stopAll(L *lua.LState) int {
	if err := a.devices.StopAll(a.ctx); err != nil {
		L.RaiseError("stop_all: %v", err)
	}
	return 0
}

// devices() returns an array of {index=, name=, protocol=} tables.
func (a *api) listDevices(L *lua.LState) int {
	list := L.NewTable()
	for _, d := range a.devices.List() {
		t := L.NewTable()
		t.RawSetString("index", lua.LNumber(d.Index))
		t.RawSetString("name", lua.LString(d.Name))
		t.RawSetString("protocol", lua.LString(d.Protocol))
		list.Append(t)
	}
	L.Push(list)
	return 1
}

// cancellableSleep sleeps for d and reports true if the context was cancelled first.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

func (a *api) sleep(L *lua.LState) int {
	ms := L.CheckInt(1)
	cancellableSleep(a.ctx, time.Duration(ms)*time.Millisecond)
	return 0
}

func (a *api) shouldStop(L *lua.LState) int {
	select {
	case <-a.ctx.Done():
		L.Push(lua.LBool(true))
	default:
		L.Push(lua.LBool(false))
	}
	return 1
}

// ramp(device, from, to, duration_ms) moves the intensity linearly from one
// value to another. Steps the device cannot resolve are dropped by the
// command manager, so the step count here only bounds the write rate.
func (a *api) ramp(L *lua.LState) int {
	idx := deviceArg(L)
	from := float64(L.CheckNumber(2))
	to := float64(L.CheckNumber(3))
	duration := time.Duration(L.CheckInt(4)) * time.Millisecond

	steps := 50
	stepDuration := duration / time.Duration(steps)
	for i := 0; i <= steps; i++ {
		progress := float64(i) / float64(steps)
		a.handle(L, "ramp", idx, message.Vibrate(from+progress*(to-from)))
		if i < steps && cancellableSleep(a.ctx, stepDuration) {
			return 0
		}
	}
	return 0
}

// pulse(device, value, on_ms, off_ms, count) alternates between value and
// rest.
func (a *api) pulse(L *lua.LState) int {
	idx := deviceArg(L)
	value := float64(L.CheckNumber(2))
	on := time.Duration(L.CheckInt(3)) * time.Millisecond
	off := time.Duration(L.CheckInt(4)) * time.Millisecond
	count := L.CheckInt(5)

	for i := 0; i < count; i++ {
		a.handle(L, "pulse", idx, message.Vibrate(value))
		if cancellableSleep(a.ctx, on) {
			return 0
		}
		a.handle(L, "pulse", idx, message.Vibrate(0))
		if cancellableSleep(a.ctx, off) {
			return 0
		}
	}
	return 0
}
