// Package message defines the device-agnostic actuation commands accepted by
// protocol adapters, and the per-kind feature attributes that describe what a
// device can do with them.
package message

import "fmt"

// Kind discriminates the actuation a command asks for.
type Kind string

const (
	KindVibrate Kind = "vibrate"
	KindRotate  Kind = "rotate"
	KindLinear  Kind = "linear"
	KindStop    Kind = "stop"
)

// ParseKind converts a kind name as found in configuration or front-end
// payloads.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindVibrate, KindRotate, KindLinear, KindStop:
		return k, nil
	}
	return "", fmt.Errorf("unknown command kind %q", s)
}

// FeatureCommand targets one feature of a device.
//
// Value is an intensity for vibration, a speed for rotation and a position for
// linear movement; it is always normalized to [0,1]. Clockwise only applies to
// rotation, Duration (milliseconds) only to linear movement.
type FeatureCommand struct {
	Index     uint32
	Value     float64
	Clockwise bool
	Duration  uint32
}

// Command is an abstract actuation request. A single feature command is a
// broadcast to every feature of the kind; otherwise there must be exactly one
// feature command per feature.
type Command struct {
	Kind     Kind
	Features []FeatureCommand
}

// Vibrate builds a vibration command addressing features in order.
func Vibrate(values ...float64) Command {
	cmd := Command{Kind: KindVibrate, Features: make([]FeatureCommand, len(values))}
	for i, v := range values {
		cmd.Features[i] = FeatureCommand{Index: uint32(i), Value: v}
	}
	return cmd
}

// Rotate builds a rotation command from speed/direction pairs.
func Rotate(subs ...FeatureCommand) Command {
	return Command{Kind: KindRotate, Features: subs}
}

// Linear builds a linear movement command.
func Linear(subs ...FeatureCommand) Command {
	return Command{Kind: KindLinear, Features: subs}
}

// Stop builds a stop command. Stop carries no features.
func Stop() Command {
	return Command{Kind: KindStop}
}

func (c Command) String() string {
	return fmt.Sprintf("%s%v", c.Kind, c.Features)
}
