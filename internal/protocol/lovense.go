package protocol

import (
	"context"
	"fmt"
	"strings"

	"haptic-controller/internal/message"
	"haptic-controller/internal/transport"
)

// Lovense devices share one advertised name pattern across models, so the
// model letter is read back from the device with a "DeviceType;" query. The
// answer looks like "C:11:0082059AD3BD;".
var lovenseHandshake = Handshake{
	Family:    "lovense",
	Subscribe: transport.EndpointRx,
	Request:   transport.NewWriteCmd(transport.EndpointTx, []byte("DeviceType;")),
	Parse:     parseLovenseDeviceType,
}

func parseLovenseDeviceType(payload []byte) (string, error) {
	s := strings.TrimSpace(string(payload))
	token, _, _ := strings.Cut(s, ":")
	token = strings.TrimSuffix(token, ";")
	if token == "" {
		return "", fmt.Errorf("empty device type in %q", s)
	}
	return token, nil
}

// "Rotate:N;" has no motor address, so only one rotator is supported.
func init() {
	Register(Family{
		Name:        "lovense",
		NewHandler:  func(m *CommandManager) Handler { return &lovense{manager: m} },
		Identify:    lovenseHandshake.Run,
		MaxFeatures: map[message.Kind]uint32{message.KindRotate: 1},
	})
}

type lovense struct {
	UnimplementedHandler
	manager *CommandManager
}

// HandleVibrate addresses all motors with "Vibrate:N;" when they share a
// value, and each motor with "VibrateN:x;" otherwise.
func (l *lovense) HandleVibrate(ctx context.Context, dev transport.Device, cmd message.Command) error {
	updates, err := l.manager.UpdateVibration(ctx, cmd, false)
	if err != nil || updates == nil {
		return err
	}
	return writeAggregateOrEach(ctx, dev, updates,
		func(v uint32) transport.WriteCmd {
			return lovenseCmd("Vibrate:%d;", v)
		},
		func(i int, v uint32) transport.WriteCmd {
			return lovenseCmd("Vibrate%d:%d;", i+1, v)
		})
}

// HandleRotate writes the speed, then toggles direction with "RotateChange;"
// when it differs from the last applied one.
func (l *lovense) HandleRotate(ctx context.Context, dev transport.Device, cmd message.Command) error {
	updates, err := l.manager.UpdateRotation(ctx, cmd)
	if err != nil || updates == nil {
		return err
	}
	// Single rotator, enforced by MaxFeatures.
	u := updates[0]
	if !u.Set {
		return nil
	}
	if err := write(ctx, dev, lovenseCmd("Rotate:%d;", u.Speed)); err != nil {
		return err
	}
	if u.DirectionChanged {
		return write(ctx, dev, lovenseCmd("RotateChange;"))
	}
	return nil
}

func lovenseCmd(format string, args ...any) transport.WriteCmd {
	return transport.NewWriteCmd(transport.EndpointTx, []byte(fmt.Sprintf(format, args...)))
}
