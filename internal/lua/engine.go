// Package lua runs pattern scripts that drive connected devices over time.
package lua

import (
	"context"
	"errors"
	"log"
	"time"

	lua "github.com/yuin/gopher-lua"

	"haptic-controller/internal/core"
	"haptic-controller/internal/message"
)

// Dispatcher is the device surface exposed to scripts.
type Dispatcher interface {
	Handle(ctx context.Context, index uint32, cmd message.Command) error
	Stop(ctx context.Context, index uint32) error
	StopAll(ctx context.Context) error
	List() []core.DeviceInfo
}

// cmdType defines the type of engine command.
type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdRunString
	cmdStop
)

// engineCmd represents a command sent to the Lua engine.
type engineCmd struct {
	kind cmdType
	name string
	code string
}

// Engine runs at most one pattern at a time on a single worker goroutine.
// Starting a pattern cancels the running one. Devices are stopped whenever a
// pattern ends, however it ends.
type Engine struct {
	devices  Dispatcher
	store    *Store
	eventBus *core.EventBus

	cmdChan chan engineCmd
}

// NewEngine creates a new Lua engine and starts its background worker.
func NewEngine(devices Dispatcher, store *Store, eb *core.EventBus) *Engine {
	e := &Engine{
		devices:  devices,
		store:    store,
		eventBus: eb,
		cmdChan:  make(chan engineCmd, 10),
	}

	go e.runLoop()

	return e
}

// runLoop is the main worker loop that processes engine commands sequentially.
func (e *Engine) runLoop() {
	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	for cmd := range e.cmdChan {
		if currentCancel != nil {
			currentCancel()
			select {
			case <-scriptDone:
			case <-time.After(2 * time.Second):
				log.Println("[Lua] Timeout waiting for script to stop")
			}
			currentCancel = nil
			scriptDone = nil
		}

		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, done chan struct{}) {
			defer close(done)
			var err error
			switch cmd.kind {
			case cmdRunFile:
				err = e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoFile(cmd.code) })
			case cmdRunString:
				err = e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoString(cmd.code) })
			}
			if err != nil {
				log.Printf("[Lua] Error executing pattern '%s': %v", cmd.name, err)
			}
		}(cmd, scriptDone)
	}
}

// StopCurrentPattern stops the currently running script if any.
func (e *Engine) StopCurrentPattern() {
	select {
	case e.cmdChan <- engineCmd{kind: cmdStop}:
	default:
		log.Println("[Lua] Command channel full, could not send stop command")
	}
}

// RunPattern queues a pattern file for execution.
func (e *Engine) RunPattern(name string) error {
	scriptPath, err := e.store.Path(name)
	if err != nil {
		return err
	}

	e.cmdChan <- engineCmd{
		kind: cmdRunFile,
		name: name,
		code: scriptPath,
	}
	return nil
}

// ExecuteString queues a one-off chunk of Lua.
func (e *Engine) ExecuteString(code string) {
	e.cmdChan <- engineCmd{
		kind: cmdRunString,
		name: "single line command",
		code: code,
	}
}

// execute runs Lua code on a fresh state. Cancellation is not an error.
func (e *Engine) execute(ctx context.Context, name string, executor func(*lua.LState) error) error {
	log.Printf("[Lua] Starting pattern '%s'...", name)
	e.publish(name)

	defer func() {
		log.Printf("[Lua] Pattern '%s' finished.", name)
		// The script context may already be cancelled; stopping must still
		// reach the devices.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.devices.StopAll(stopCtx); err != nil {
			log.Printf("[Lua] Failed to stop devices after '%s': %v", name, err)
		}
		e.publish("")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	registerGoFunctions(L, &api{devices: e.devices, ctx: ctx})

	err := executor(L)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		log.Printf("[Lua] Pattern '%s' execution was canceled.", name)
		return nil
	}
	return err
}

func (e *Engine) publish(running string) {
	if e.eventBus != nil {
		e.eventBus.Publish(core.Event{Type: core.PatternChangedEvent, Payload: running})
	}
}
