package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"haptic-controller/internal/core"
	"haptic-controller/internal/message"
	"haptic-controller/internal/server"
)

var errBadPayload = errors.New("bad payload")

func badPayload(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadPayload, fmt.Sprintf(format, args...))
}

// deviceTimeout bounds a single front-end device command.
const deviceTimeout = 5 * time.Second

// isDeviceCommand reports whether t only does device I/O and may run
// alongside other commands.
func isDeviceCommand(t core.CommandType) bool {
	switch t {
	case core.CmdVibrate, core.CmdRotate, core.CmdLinear, core.CmdStopDevice, core.CmdStopAll:
		return true
	}
	return false
}

// handleCommand runs one front-end command. Device commands may run
// concurrently; see isDeviceCommand.
func (a *Agent) handleCommand(cmd core.Command) error {
	log.Printf("[Agent] Handling command: %s with payload: %v", cmd.Type, cmd.Payload)

	switch cmd.Type {
	case core.CmdVibrate, core.CmdRotate, core.CmdLinear:
		idx, mc, err := decodeDeviceCommand(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(a.ctx, deviceTimeout)
		defer cancel()
		return a.devices.Handle(ctx, idx, mc)

	case core.CmdStopDevice:
		idx, err := payloadDevice(cmd.Payload)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(a.ctx, deviceTimeout)
		defer cancel()
		return a.devices.Stop(ctx, idx)

	case core.CmdStopAll:
		a.luaEngine.StopCurrentPattern()
		ctx, cancel := context.WithTimeout(a.ctx, deviceTimeout)
		defer cancel()
		return a.devices.StopAll(ctx)

	case core.CmdListDevices:
		a.broadcast(server.NewMessage(server.MsgDeviceList, a.devices.List()))

	case core.CmdRunPattern:
		name, err := payloadString(cmd.Payload, "name")
		if err != nil {
			return err
		}
		return a.luaEngine.RunPattern(name)

	case core.CmdStopPattern:
		a.luaEngine.StopCurrentPattern()

	case core.CmdAddSchedule:
		spec, err := payloadString(cmd.Payload, "spec")
		if err != nil {
			return err
		}
		command, err := payloadString(cmd.Payload, "command")
		if err != nil {
			return err
		}
		if _, err := a.scheduler.Add(spec, command); err != nil {
			return err
		}
		a.broadcast(server.NewMessage(server.MsgScheduleList, a.scheduler.GetAll()))

	case core.CmdRemoveSchedule:
		id, err := payloadID(cmd.Payload)
		if err != nil {
			return err
		}
		a.scheduler.Remove(id)
		a.broadcast(server.NewMessage(server.MsgScheduleList, a.scheduler.GetAll()))

	case core.CmdGetPatternCode:
		name, err := payloadString(cmd.Payload, "name")
		if err != nil {
			return err
		}
		code, err := a.patterns.Code(name)
		if err != nil {
			return err
		}
		a.broadcast(server.NewMessage(server.MsgPatternCode, map[string]string{"name": name, "code": code}))

	case core.CmdSavePattern:
		name, err := payloadString(cmd.Payload, "name")
		if err != nil {
			return err
		}
		code, ok := cmd.Payload["code"].(string)
		if !ok {
			return badPayload("'code' must be a string")
		}
		if err := a.patterns.Save(name, code); err != nil {
			return err
		}
		a.broadcastPatterns()

	case core.CmdDeletePattern:
		name, err := payloadString(cmd.Payload, "name")
		if err != nil {
			return err
		}
		if err := a.patterns.Delete(name); err != nil {
			return err
		}
		a.broadcastPatterns()

	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return nil
}

func (a *Agent) broadcastPatterns() {
	patterns, err := a.patterns.List()
	if err != nil {
		log.Printf("[Agent] Could not list patterns: %v", err)
		return
	}
	a.broadcast(server.NewMessage(server.MsgPatternList, patterns))
}

// decodeDeviceCommand reads the target device and actuation of a vibrate,
// rotate or linear command.
//
//	vibrate: {"device": 0, "values": [0.5, 0.2]} or {"device": 0, "value": 0.5}
//	rotate:  {"device": 0, "speed": 0.5, "clockwise": true} or
//	         {"device": 0, "rotations": [{"speed": 0.5, "clockwise": false}]}
//	linear:  {"device": 0, "position": 0.5, "duration": 500} or
//	         {"device": 0, "vectors": [{"position": 0.5, "duration": 500}]}
func decodeDeviceCommand(cmd core.Command) (uint32, message.Command, error) {
	idx, err := payloadDevice(cmd.Payload)
	if err != nil {
		return 0, message.Command{}, err
	}

	var mc message.Command
	switch cmd.Type {
	case core.CmdVibrate:
		mc, err = decodeVibrate(cmd.Payload)
	case core.CmdRotate:
		mc, err = decodeFeatures(cmd.Payload, "rotations", decodeRotation)
		mc.Kind = message.KindRotate
	case core.CmdLinear:
		mc, err = decodeFeatures(cmd.Payload, "vectors", decodeVector)
		mc.Kind = message.KindLinear
	}
	return idx, mc, err
}

func decodeVibrate(p map[string]interface{}) (message.Command, error) {
	if raw, ok := p["values"]; ok {
		list, ok := raw.([]interface{})
		if !ok || len(list) == 0 {
			return message.Command{}, badPayload("'values' must be a non-empty list")
		}
		values := make([]float64, len(list))
		for i, v := range list {
			f, ok := v.(float64)
			if !ok {
				return message.Command{}, badPayload("'values[%d]' must be a number", i)
			}
			values[i] = f
		}
		return message.Vibrate(values...), nil
	}
	v, ok := p["value"].(float64)
	if !ok {
		return message.Command{}, badPayload("'value' must be a number")
	}
	return message.Vibrate(v), nil
}

// decodeFeatures reads either a list under key or a single inline feature.
func decodeFeatures(p map[string]interface{}, key string, one func(map[string]interface{}) (message.FeatureCommand, error)) (message.Command, error) {
	raw, ok := p[key]
	if !ok {
		fc, err := one(p)
		if err != nil {
			return message.Command{}, err
		}
		return message.Command{Features: []message.FeatureCommand{fc}}, nil
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return message.Command{}, badPayload("'%s' must be a non-empty list", key)
	}
	var mc message.Command
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return message.Command{}, badPayload("'%s[%d]' must be an object", key, i)
		}
		fc, err := one(m)
		if err != nil {
			return message.Command{}, err
		}
		fc.Index = uint32(i)
		mc.Features = append(mc.Features, fc)
	}
	return mc, nil
}

func decodeRotation(p map[string]interface{}) (message.FeatureCommand, error) {
	speed, ok := p["speed"].(float64)
	if !ok {
		return message.FeatureCommand{}, badPayload("'speed' must be a number")
	}
	clockwise := true
	if v, ok := p["clockwise"]; ok {
		b, ok := v.(bool)
		if !ok {
			return message.FeatureCommand{}, badPayload("'clockwise' must be a boolean")
		}
		clockwise = b
	}
	return message.FeatureCommand{Value: speed, Clockwise: clockwise}, nil
}

func decodeVector(p map[string]interface{}) (message.FeatureCommand, error) {
	pos, ok := p["position"].(float64)
	if !ok {
		return message.FeatureCommand{}, badPayload("'position' must be a number")
	}
	dur, ok := p["duration"].(float64)
	if !ok || dur < 0 || dur > math.MaxUint32 || dur != math.Trunc(dur) {
		return message.FeatureCommand{}, badPayload("'duration' must be a whole number of milliseconds")
	}
	return message.FeatureCommand{Value: pos, Duration: uint32(dur)}, nil
}

func payloadDevice(p map[string]interface{}) (uint32, error) {
	v, ok := p["device"].(float64)
	if !ok || v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
		return 0, badPayload("'device' must be a device index")
	}
	return uint32(v), nil
}

func payloadString(p map[string]interface{}, key string) (string, error) {
	s, ok := p[key].(string)
	if !ok || s == "" {
		return "", badPayload("'%s' must be a non-empty string", key)
	}
	return s, nil
}

// payloadID accepts schedule ids as numbers or strings.
func payloadID(p map[string]interface{}) (int, error) {
	switch v := p["id"].(type) {
	case float64:
		return int(v), nil
	case string:
		id, err := strconv.Atoi(v)
		if err != nil {
			return 0, badPayload("'id' must be a number")
		}
		return id, nil
	}
	return 0, badPayload("'id' must be a number")
}
