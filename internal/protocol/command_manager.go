package protocol

import (
	"context"
	"math"

	"golang.org/x/sync/semaphore"

	"haptic-controller/internal/message"
)

// Update is the quantized outcome for one feature. Set is false when the
// feature already holds the requested value and needs no write.
type Update struct {
	Value uint32
	Set   bool
}

// RotationUpdate is the quantized outcome for one rotating feature.
type RotationUpdate struct {
	Speed            uint32
	Clockwise        bool
	DirectionChanged bool
	Set              bool
}

// LinearUpdate is the quantized outcome for one linear feature.
type LinearUpdate struct {
	Position uint32
	Duration uint32
	Set      bool
}

type rotation struct {
	speed     uint32
	clockwise bool
}

// CommandManager caches the last quantized value sent to every feature of a
// device so adapters only write what changed.
//
// Updates are exclusive: at most one runs at a time, and the exclusive section
// covers only validation, quantization and the cache write. Callers perform
// transport I/O after the update returns.
type CommandManager struct {
	sem   *semaphore.Weighted
	attrs message.AttributeMap

	vibrations []uint32
	rotations  []rotation
	positions  []uint32

	stop []message.Command
}

// NewCommandManager creates the cache for a device with the given attributes
// and precomputes its stop commands.
func NewCommandManager(attrs message.AttributeMap) *CommandManager {
	m := &CommandManager{
		sem:   semaphore.NewWeighted(1),
		attrs: attrs.Clone(),
	}
	if a, ok := attrs[message.KindVibrate]; ok {
		m.vibrations = make([]uint32, a.FeatureCount)
		m.stop = append(m.stop, message.Vibrate(make([]float64, a.FeatureCount)...))
	}
	if a, ok := attrs[message.KindRotate]; ok {
		m.rotations = make([]rotation, a.FeatureCount)
		subs := make([]message.FeatureCommand, a.FeatureCount)
		for i := range subs {
			subs[i] = message.FeatureCommand{Index: uint32(i)}
		}
		m.stop = append(m.stop, message.Rotate(subs...))
	}
	if a, ok := attrs[message.KindLinear]; ok {
		m.positions = make([]uint32, a.FeatureCount)
	}
	return m
}

// StopCommands returns the commands that bring every feature to rest. The
// slice is shared and must not be modified.
func (m *CommandManager) StopCommands() []message.Command {
	return m.stop
}

// UpdateVibration quantizes cmd and records it. A nil result means no feature
// changed. With matchAll set, every feature is reported as set whenever any
// of them changed, for families that always write all motors at once.
func (m *CommandManager) UpdateVibration(ctx context.Context, cmd message.Command, matchAll bool) ([]Update, error) {
	attrs, ok := m.attrs[message.KindVibrate]
	if !ok {
		return nil, &UnsupportedError{Kind: message.KindVibrate}
	}
	targets, err := expand(message.KindVibrate, cmd, attrs)
	if err != nil {
		return nil, err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	out := make([]Update, len(targets))
	changed := false
	for i, t := range targets {
		q := quantize(t.Value, attrs.StepCount[i])
		if q == m.vibrations[i] {
			continue
		}
		m.vibrations[i] = q
		out[i] = Update{Value: q, Set: true}
		changed = true
	}
	if !changed {
		return nil, nil
	}
	if matchAll {
		for i := range out {
			out[i] = Update{Value: m.vibrations[i], Set: true}
		}
	}
	return out, nil
}

// UpdateRotation quantizes cmd and records speed and direction. A feature is
// set when either changed; DirectionChanged tells the adapter to issue its
// direction write after the speed write. Direction is only tracked while the
// feature is moving.
func (m *CommandManager) UpdateRotation(ctx context.Context, cmd message.Command) ([]RotationUpdate, error) {
	attrs, ok := m.attrs[message.KindRotate]
	if !ok {
		return nil, &UnsupportedError{Kind: message.KindRotate}
	}
	targets, err := expand(message.KindRotate, cmd, attrs)
	if err != nil {
		return nil, err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	out := make([]RotationUpdate, len(targets))
	changed := false
	for i, t := range targets {
		q := quantize(t.Value, attrs.StepCount[i])
		cur := m.rotations[i]
		flip := q > 0 && t.Clockwise != cur.clockwise
		if q == cur.speed && !flip {
			continue
		}
		cur.speed = q
		if flip {
			cur.clockwise = t.Clockwise
		}
		m.rotations[i] = cur
		out[i] = RotationUpdate{Speed: q, Clockwise: cur.clockwise, DirectionChanged: flip, Set: true}
		changed = true
	}
	if !changed {
		return nil, nil
	}
	return out, nil
}

// UpdateLinear quantizes target positions and records them. Durations pass
// through untouched.
func (m *CommandManager) UpdateLinear(ctx context.Context, cmd message.Command) ([]LinearUpdate, error) {
	attrs, ok := m.attrs[message.KindLinear]
	if !ok {
		return nil, &UnsupportedError{Kind: message.KindLinear}
	}
	targets, err := expand(message.KindLinear, cmd, attrs)
	if err != nil {
		return nil, err
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	out := make([]LinearUpdate, len(targets))
	changed := false
	for i, t := range targets {
		q := quantize(t.Value, attrs.StepCount[i])
		if q == m.positions[i] {
			continue
		}
		m.positions[i] = q
		out[i] = LinearUpdate{Position: q, Duration: t.Duration, Set: true}
		changed = true
	}
	if !changed {
		return nil, nil
	}
	return out, nil
}

// expand turns cmd into exactly one feature command per feature, ordered by
// index. A single feature command is broadcast to every feature.
func expand(kind message.Kind, cmd message.Command, attrs message.FeatureAttributes) ([]message.FeatureCommand, error) {
	n := attrs.FeatureCount
	for _, f := range cmd.Features {
		if math.IsNaN(f.Value) || f.Value < 0 || f.Value > 1 {
			return nil, invalid(kind, ErrOutOfRange, "feature %d target %v", f.Index, f.Value)
		}
	}

	out := make([]message.FeatureCommand, n)
	switch got := uint32(len(cmd.Features)); {
	case got == 1:
		for i := range out {
			out[i] = cmd.Features[0]
			out[i].Index = uint32(i)
		}
	case got == n:
		seen := make([]bool, n)
		for _, f := range cmd.Features {
			if f.Index >= n {
				return nil, invalid(kind, ErrFeatureIndex, "index %d, device has %d features", f.Index, n)
			}
			if seen[f.Index] {
				return nil, invalid(kind, ErrInvalidCardinality, "feature %d addressed twice", f.Index)
			}
			seen[f.Index] = true
			out[f.Index] = f
		}
	default:
		return nil, invalid(kind, ErrInvalidCardinality, "got %d feature commands, device has %d features", got, n)
	}
	return out, nil
}

// quantize maps v in [0,1] onto [0,steps], rounding half up.
func quantize(v float64, steps uint32) uint32 {
	q := uint32(math.Floor(v*float64(steps) + 0.5))
	if q > steps {
		q = steps
	}
	return q
}
