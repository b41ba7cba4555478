package protocol

import (
	"context"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

func init() {
	Register(Family{
		Name:        "realov",
		NewHandler:  func(m *CommandManager) Handler { return &realov{manager: m} },
		MaxFeatures: map[message.Kind]uint32{message.KindVibrate: 1},
	})
}

type realov struct {
	UnimplementedHandler
	manager *CommandManager
}

// HandleVibrate writes [0xc5, 0x55, level, 0xaa] to the single motor.
func (r *realov) HandleVibrate(ctx context.Context, dev transport.Device, cmd message.Command) error {
	updates, err := r.manager.UpdateVibration(ctx, cmd, false)
	if err != nil || updates == nil {
		return err
	}
	return writeEach(ctx, dev, updates, func(_ int, v uint32) transport.WriteCmd {
		return transport.NewWriteCmd(transport.EndpointTx, []byte{0xc5, 0x55, byte(v), 0xaa})
	})
}
