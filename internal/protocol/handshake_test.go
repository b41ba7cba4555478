package protocol_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haptic-controller/internal/protocol"
	"haptic-controller/internal/registry"
	"haptic-controller/internal/transport"
	"haptic-controller/internal/transport/transporttest"
)

func pingHandshake(states *[]protocol.HandshakeState) protocol.Handshake {
	return protocol.Handshake{
		Family:    "test",
		Subscribe: transport.EndpointRx,
		Request:   transport.NewWriteCmd(transport.EndpointTx, []byte("ping")),
		Parse: func(payload []byte) (string, error) {
			if len(payload) == 0 {
				return "", errors.New("empty")
			}
			return string(payload), nil
		},
		Observe: func(s protocol.HandshakeState) { *states = append(*states, s) },
	}
}

func TestHandshake_Resolves(t *testing.T) {
	var states []protocol.HandshakeState
	dev := transporttest.NewDevice("dev")
	dev.Respond([]byte("ping"), transport.EndpointRx, []byte("pong"))

	id, err := pingHandshake(&states).Run(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, "pong", id)
	assert.Equal(t, []protocol.HandshakeState{
		protocol.AwaitingSubscribeAck,
		protocol.AwaitingIdentResponse,
		protocol.Resolved,
	}, states)
}

func TestHandshake_Failures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(dev *transporttest.Device)
		timeout time.Duration
		wantErr error
	}{
		{
			name:    "removed while waiting",
			prepare: func(dev *transporttest.Device) { dev.RespondRemoved([]byte("ping")) },
		},
		{
			name:    "stream closed",
			prepare: func(dev *transporttest.Device) { dev.CloseEvents() },
		},
		{
			name:    "no answer",
			prepare: func(dev *transporttest.Device) {},
			timeout: 50 * time.Millisecond,
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "unparseable answer",
			prepare: func(dev *transporttest.Device) {
				dev.Respond([]byte("ping"), transport.EndpointRx, nil)
			},
		},
		{
			name:    "request write fails",
			prepare: func(dev *transporttest.Device) { dev.FailWrites(errors.New("link lost")) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []protocol.HandshakeState
			dev := transporttest.NewDevice("dev")
			tt.prepare(dev)

			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}

			_, err := pingHandshake(&states).Run(ctx, dev)
			require.ErrorIs(t, err, protocol.ErrHandshake)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			require.NotEmpty(t, states)
			assert.Equal(t, protocol.Failed, states[len(states)-1])
			assert.NotContains(t, states, protocol.Resolved)
		})
	}
}

func TestCreate_HandshakeTimeout(t *testing.T) {
	reg, err := registry.Default()
	require.NoError(t, err)
	pc, _ := reg.Protocol("lovense")
	f, _ := protocol.Lookup("lovense")
	dev := transporttest.NewDevice("LVS-Silent")

	start := time.Now()
	_, err = protocol.Create(context.Background(), f, dev, pc, protocol.Options{HandshakeTimeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, protocol.ErrHandshake)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHandshakeState_String(t *testing.T) {
	assert.Equal(t, "awaiting-subscribe-ack", protocol.AwaitingSubscribeAck.String())
	assert.Equal(t, "resolved", protocol.Resolved.String())
	assert.Equal(t, "unknown", protocol.HandshakeState(42).String())
}
