package protocol

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haptic-controller/internal/message"
)

func vibrateAttrs(steps ...uint32) message.AttributeMap {
	return message.AttributeMap{
		message.KindVibrate: {FeatureCount: uint32(len(steps)), StepCount: steps},
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		steps uint32
		want  uint32
	}{
		{"half of 20", 0.5, 20, 10},
		{"tenth of 20", 0.1, 20, 2},
		{"zero", 0, 20, 0},
		{"full", 1, 20, 20},
		{"rounds half up", 0.5, 3, 2},
		{"rounds down below half", 0.49, 3, 1},
		{"single step", 0.6, 1, 1},
		{"single step low", 0.4, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, quantize(tt.value, tt.steps))
		})
	}
}

func TestUpdateVibration_BroadcastsSingleCommand(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20, 20))

	updates, err := m.UpdateVibration(context.Background(), message.Vibrate(0.5), false)
	require.NoError(t, err)
	assert.Equal(t, []Update{{Value: 10, Set: true}, {Value: 10, Set: true}}, updates)
}

func TestUpdateVibration_RepeatIsNoop(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20))
	ctx := context.Background()

	_, err := m.UpdateVibration(ctx, message.Vibrate(0.5), false)
	require.NoError(t, err)

	updates, err := m.UpdateVibration(ctx, message.Vibrate(0.5), false)
	require.NoError(t, err)
	assert.Nil(t, updates)

	// 0.51 quantizes to the same step as 0.5.
	updates, err = m.UpdateVibration(ctx, message.Vibrate(0.51), false)
	require.NoError(t, err)
	assert.Nil(t, updates)
}

func TestUpdateVibration_OnlyChangedFeatures(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20, 20))
	ctx := context.Background()

	_, err := m.UpdateVibration(ctx, message.Vibrate(0.5, 0.5), false)
	require.NoError(t, err)

	updates, err := m.UpdateVibration(ctx, message.Vibrate(0.5, 0.7), false)
	require.NoError(t, err)
	assert.Equal(t, []Update{{}, {Value: 14, Set: true}}, updates)
}

func TestUpdateVibration_MatchAll(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20, 20))
	ctx := context.Background()

	_, err := m.UpdateVibration(ctx, message.Vibrate(0.5, 0.5), true)
	require.NoError(t, err)

	updates, err := m.UpdateVibration(ctx, message.Vibrate(0.5, 0.7), true)
	require.NoError(t, err)
	assert.Equal(t, []Update{{Value: 10, Set: true}, {Value: 14, Set: true}}, updates)

	updates, err = m.UpdateVibration(ctx, message.Vibrate(0.5, 0.7), true)
	require.NoError(t, err)
	assert.Nil(t, updates)
}

func TestUpdateVibration_Validation(t *testing.T) {
	tests := []struct {
		name string
		cmd  message.Command
		want error
	}{
		{"above one", message.Vibrate(1.5), ErrOutOfRange},
		{"negative", message.Vibrate(-0.1), ErrOutOfRange},
		{"nan", message.Vibrate(math.NaN()), ErrOutOfRange},
		{"too many", message.Vibrate(0.1, 0.2, 0.3), ErrInvalidCardinality},
		{"empty", message.Command{Kind: message.KindVibrate}, ErrInvalidCardinality},
		{
			"duplicate index",
			message.Command{Kind: message.KindVibrate, Features: []message.FeatureCommand{
				{Index: 0, Value: 0.1}, {Index: 0, Value: 0.2},
			}},
			ErrInvalidCardinality,
		},
		{
			"index beyond features",
			message.Command{Kind: message.KindVibrate, Features: []message.FeatureCommand{
				{Index: 0, Value: 0.1}, {Index: 5, Value: 0.2},
			}},
			ErrFeatureIndex,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCommandManager(vibrateAttrs(20, 20))
			updates, err := m.UpdateVibration(context.Background(), tt.cmd, false)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
			assert.Nil(t, updates)
		})
	}
}

func TestUpdateVibration_RejectedCommandLeavesCache(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20))
	ctx := context.Background()

	_, err := m.UpdateVibration(ctx, message.Vibrate(0.5), false)
	require.NoError(t, err)
	_, err = m.UpdateVibration(ctx, message.Vibrate(2), false)
	require.Error(t, err)

	updates, err := m.UpdateVibration(ctx, message.Vibrate(0.5), false)
	require.NoError(t, err)
	assert.Nil(t, updates)
}

func TestUpdate_UnsupportedKind(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20))
	ctx := context.Background()

	_, err := m.UpdateRotation(ctx, message.Rotate(message.FeatureCommand{Value: 0.5}))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = m.UpdateLinear(ctx, message.Linear(message.FeatureCommand{Value: 0.5}))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestUpdateRotation_Direction(t *testing.T) {
	m := NewCommandManager(message.AttributeMap{
		message.KindRotate: {FeatureCount: 1, StepCount: []uint32{20}},
	})
	ctx := context.Background()
	rotate := func(v float64, cw bool) []RotationUpdate {
		t.Helper()
		updates, err := m.UpdateRotation(ctx, message.Rotate(message.FeatureCommand{Value: v, Clockwise: cw}))
		require.NoError(t, err)
		return updates
	}

	// Devices start out counter-clockwise.
	assert.Equal(t, []RotationUpdate{{Speed: 10, Clockwise: true, DirectionChanged: true, Set: true}}, rotate(0.5, true))
	assert.Nil(t, rotate(0.5, true))

	// Same speed, other direction.
	assert.Equal(t, []RotationUpdate{{Speed: 10, Clockwise: false, DirectionChanged: true, Set: true}}, rotate(0.5, false))

	// Stopping keeps the last direction.
	assert.Equal(t, []RotationUpdate{{Speed: 0, Clockwise: false, Set: true}}, rotate(0, true))
	assert.Nil(t, rotate(0, true))
	assert.Equal(t, []RotationUpdate{{Speed: 4, Clockwise: false, Set: true}}, rotate(0.2, false))
}

func TestUpdateLinear(t *testing.T) {
	m := NewCommandManager(message.AttributeMap{
		message.KindLinear: {FeatureCount: 1, StepCount: []uint32{100}},
	})
	ctx := context.Background()

	updates, err := m.UpdateLinear(ctx, message.Linear(message.FeatureCommand{Value: 0.25, Duration: 500}))
	require.NoError(t, err)
	assert.Equal(t, []LinearUpdate{{Position: 25, Duration: 500, Set: true}}, updates)

	updates, err = m.UpdateLinear(ctx, message.Linear(message.FeatureCommand{Value: 0.25, Duration: 900}))
	require.NoError(t, err)
	assert.Nil(t, updates)
}

func TestStopCommands(t *testing.T) {
	m := NewCommandManager(message.AttributeMap{
		message.KindVibrate: {FeatureCount: 2, StepCount: []uint32{20, 20}},
		message.KindRotate:  {FeatureCount: 1, StepCount: []uint32{20}},
		message.KindLinear:  {FeatureCount: 1, StepCount: []uint32{100}},
	})

	stops := m.StopCommands()
	require.Len(t, stops, 2)
	assert.Equal(t, message.Vibrate(0, 0), stops[0])
	assert.Equal(t, message.Rotate(message.FeatureCommand{Index: 0}), stops[1])
}

func TestUpdateVibration_ConcurrentCallersSerialize(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(100))
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		set int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updates, err := m.UpdateVibration(ctx, message.Vibrate(0.5), false)
			assert.NoError(t, err)
			if updates != nil {
				mu.Lock()
				set++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, set)
}

func TestUpdateVibration_CancelledWhileWaiting(t *testing.T) {
	m := NewCommandManager(vibrateAttrs(20))
	require.NoError(t, m.sem.Acquire(context.Background(), 1))
	defer m.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.UpdateVibration(ctx, message.Vibrate(0.5), false)
	assert.ErrorIs(t, err, context.Canceled)
}
