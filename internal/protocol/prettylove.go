package protocol

import (
	"context"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

func init() {
	Register(Family{
		Name:        "prettylove",
		NewHandler:  func(m *CommandManager) Handler { return &prettyLove{manager: m} },
		MaxFeatures: map[message.Kind]uint32{message.KindVibrate: 1},
	})
}

type prettyLove struct {
	UnimplementedHandler
	manager *CommandManager
}

// HandleVibrate writes [0x00, level]. The device treats 0xff as off. Frames
// carry no motor address, so the family is limited to one motor.
func (p *prettyLove) HandleVibrate(ctx context.Context, dev transport.Device, cmd message.Command) error {
	updates, err := p.manager.UpdateVibration(ctx, cmd, false)
	if err != nil || updates == nil {
		return err
	}
	return writeEach(ctx, dev, updates, func(_ int, v uint32) transport.WriteCmd {
		level := byte(v)
		if level == 0 {
			level = 0xff
		}
		return transport.NewWriteCmd(transport.EndpointTx, []byte{0x00, level})
	})
}
