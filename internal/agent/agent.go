// Package agent wires the device stack to its front-ends and runs the
// central command loop.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"haptic-controller/internal/ble"
	"haptic-controller/internal/config"
	"haptic-controller/internal/core"
	"haptic-controller/internal/device"
	"haptic-controller/internal/lua"
	"haptic-controller/internal/mqtt"
	"haptic-controller/internal/protocol"
	"haptic-controller/internal/registry"
	"haptic-controller/internal/scheduler"
	"haptic-controller/internal/server"
)

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup

	// inflight counts device commands started by processCommands.
	inflight sync.WaitGroup

	state          *core.State
	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	registry      *registry.Registry
	devices       *device.Manager
	bleController *ble.Controller
	patterns      *lua.Store
	luaEngine     *lua.Engine
	scheduler     *scheduler.Scheduler
	server        *server.Server
	mqttClient    *mqtt.Client
}

func NewAgent(cfg *config.Config) (*Agent, error) {
	durations, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	reg, err := loadRegistry(cfg.DevicesFile)
	if err != nil {
		return nil, err
	}
	for _, name := range reg.Protocols() {
		if _, ok := protocol.Lookup(name); !ok {
			log.Printf("[Agent] Warning: device database lists protocol %q with no implementation", name)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		state:          core.NewState(),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
		registry:       reg,
	}

	a.devices = device.NewManager(protocol.Options{HandshakeTimeout: durations.Handshake}, a.eventBus)

	a.bleController = ble.NewController(reg, ble.Options{
		ScanTimeout:       durations.Scan,
		ConnectTimeout:    durations.Connect,
		HeartbeatInterval: durations.Heartbeat,
		RetryDelay:        durations.Retry,
		WriteRate:         cfg.BLE.RateLimit,
		WriteBurst:        cfg.BLE.RateBurst,
	}, a.onConnect)

	a.patterns = lua.NewStore(cfg.PatternsDir)
	a.luaEngine = lua.NewEngine(a.devices, a.patterns, a.eventBus)

	a.scheduler = scheduler.NewScheduler(a.commandChannel, cfg.SchedulesFile)

	a.server = server.NewServer(server.Options{
		Port:           cfg.Server.Port,
		StaticFilesDir: cfg.Server.WebFilesDir,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Commands:       a.commandChannel,
		State:          a.state,
		Patterns:       a.patterns,
		Schedules:      a.scheduler.GetAll,
	})

	a.mqttClient = mqtt.NewClient(cfg.MQTT, a.commandChannel)

	return a, nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default()
	}
	reg, err := registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device database '%s': %w", path, err)
	}
	log.Printf("[Agent] Loaded device database from '%s' (%d protocols)", path, len(reg.Protocols()))
	return reg, nil
}

// onConnect hands a freshly connected BLE device to the device manager,
// which identifies it and builds its adapter.
func (a *Agent) onConnect(ctx context.Context, dev *ble.Device, pc registry.ProtocolConfig) {
	if _, err := a.devices.Add(ctx, dev, pc); err != nil {
		log.Printf("[Agent] Could not add %s: %v", dev.Name(), err)
	}
}

// Run starts the agent orchestration loop.
func (a *Agent) Run() {
	// Subscribe before anything can publish.
	sub := a.eventBus.Subscribe(
		core.DeviceAddedEvent,
		core.DeviceRemovedEvent,
		core.CommandFailedEvent,
		core.PatternChangedEvent,
	)
	go a.listenEvents(sub)

	if a.mqttClient != nil {
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				log.Printf("[Agent] MQTT Setup Error: %v", err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bleController.Run(a.ctx)
	}()

	a.scheduler.Start()

	log.Printf("[Agent] Running on http://localhost:%s", a.config.Server.Port)
	go func() {
		if err := a.server.Run(a.ctx); err != nil {
			log.Printf("[Agent] Server error: %v", err)
		}
	}()

	log.Println("[Agent] Orchestrator ready.")
	a.processCommands()
}

// processCommands is the orchestrator loop. Device commands each run on their
// own goroutine so a slow device never holds up the others; everything else
// runs here, in arrival order.
func (a *Agent) processCommands() {
	for {
		select {
		case <-a.ctx.Done():
			log.Println("[Agent] Orchestrator shutting down...")
			a.inflight.Wait()
			return
		case cmd := <-a.commandChannel:
			if !isDeviceCommand(cmd.Type) {
				a.complete(cmd, a.handleCommand(cmd))
				continue
			}
			a.inflight.Add(1)
			go func() {
				defer a.inflight.Done()
				a.complete(cmd, a.handleCommand(cmd))
			}()
		}
	}
}

func (a *Agent) complete(cmd core.Command, err error) {
	if err != nil {
		log.Printf("[Agent] Command %s failed: %v", cmd.Type, err)
	}
	if cmd.Reply != nil {
		select {
		case cmd.Reply <- err:
		default:
		}
	}
}

// listenEvents keeps the shared state current and forwards changes to the
// front-ends.
func (a *Agent) listenEvents(sub core.Subscriber) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			a.applyEvent(event)
		}
	}
}

func (a *Agent) applyEvent(event core.Event) {
	switch event.Type {
	case core.DeviceAddedEvent:
		info, ok := event.Payload.(core.DeviceInfo)
		if !ok {
			return
		}
		a.state.AddDevice(info)
		a.broadcast(server.NewMessage(server.MsgDeviceAdded, info))
		a.mqttClient.PublishDevices(a.state.Clone().Devices)

	case core.DeviceRemovedEvent:
		info, ok := event.Payload.(core.DeviceInfo)
		if !ok {
			return
		}
		a.state.RemoveDevice(info.Index)
		a.broadcast(server.NewMessage(server.MsgDeviceRemoved, info))
		a.mqttClient.PublishDevices(a.state.Clone().Devices)

	case core.CommandFailedEvent:
		if failure, ok := event.Payload.(core.CommandFailure); ok {
			a.broadcast(server.NewMessage(server.MsgCommandError, failure))
		}

	case core.PatternChangedEvent:
		running, ok := event.Payload.(string)
		if !ok {
			return
		}
		a.state.SetRunningPattern(running)
		a.broadcast(server.NewMessage(server.MsgPatternStatus, map[string]string{"running": running}))
		a.mqttClient.PublishPattern(running)
	}
}

func (a *Agent) broadcast(msg server.Message) {
	if a.server != nil && a.server.Hub != nil {
		a.server.Hub.Broadcast(msg)
	}
}

// Shutdown stops every front-end, brings all devices to rest and disconnects
// them.
func (a *Agent) Shutdown() {
	a.scheduler.Stop()
	a.luaEngine.StopCurrentPattern()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Agent] Server shutdown: %v", err)
	}
	a.mqttClient.Disconnect()

	a.devices.Close(shutdownCtx)

	a.cancel()
	a.wg.Wait()
}
