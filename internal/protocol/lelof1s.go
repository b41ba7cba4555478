package protocol

import (
	"context"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

func init() {
	Register(Family{
		Name:       "lelo-f1s",
		NewHandler: func(m *CommandManager) Handler { return &leloF1s{manager: m} },
	})
}

// leloF1s packs every motor into one frame: 0x01 followed by one byte per
// motor. Any change rewrites all motors.
type leloF1s struct {
	UnimplementedHandler
	manager *CommandManager
}

func (l *leloF1s) HandleVibrate(ctx context.Context, dev transport.Device, cmd message.Command) error {
	updates, err := l.manager.UpdateVibration(ctx, cmd, true)
	if err != nil || updates == nil {
		return err
	}
	frame := make([]byte, 0, len(updates)+1)
	frame = append(frame, 0x01)
	for _, u := range updates {
		frame = append(frame, byte(u.Value))
	}
	return write(ctx, dev, transport.NewWriteCmd(transport.EndpointTx, frame))
}
