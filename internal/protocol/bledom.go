package protocol

import (
	"context"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

func init() {
	Register(Family{
		Name:        "bledom",
		NewHandler:  func(m *CommandManager) Handler { return &bledom{manager: m} },
		MaxFeatures: map[message.Kind]uint32{message.KindVibrate: 1},
	})
}

// bledom drives ELK-BLEDOM LED controllers, treating strip brightness as a
// single intensity feature. Frames are 9 bytes framed by 0x7E ... 0xEF.
type bledom struct {
	UnimplementedHandler
	manager *CommandManager
}

func bledomPower(on bool) []byte {
	var val byte
	if on {
		val = 0x01
	}
	return []byte{0x7E, 0x04, 0x04, val, 0x00, val, 0xFF, 0x00, 0xEF}
}

func bledomBrightness(val uint32) []byte {
	return []byte{0x7E, 0x04, 0x01, byte(val), 0xFF, 0xFF, 0xFF, 0x00, 0xEF}
}

// HandleVibrate switches the strip off at zero; any other level powers it on
// and sets the brightness, in that order.
func (b *bledom) HandleVibrate(ctx context.Context, dev transport.Device, cmd message.Command) error {
	updates, err := b.manager.UpdateVibration(ctx, cmd, false)
	if err != nil || updates == nil {
		return err
	}
	u := updates[0]
	if !u.Set {
		return nil
	}
	if u.Value == 0 {
		return write(ctx, dev, transport.NewWriteCmd(transport.EndpointTx, bledomPower(false)))
	}
	if err := write(ctx, dev, transport.NewWriteCmd(transport.EndpointTx, bledomPower(true))); err != nil {
		return err
	}
	return write(ctx, dev, transport.NewWriteCmd(transport.EndpointTx, bledomBrightness(u.Value)))
}
