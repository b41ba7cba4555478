package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"haptic-controller/internal/core"
	"haptic-controller/internal/message"
)

// payload decodes JSON the way websocket front-ends deliver it.
func payload(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var p map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &p))
	return p
}

func TestDecodeDeviceCommand(t *testing.T) {
	tests := []struct {
		name    string
		typ     core.CommandType
		payload string
		index   uint32
		want    message.Command
	}{
		{
			name:    "single vibrate value",
			typ:     core.CmdVibrate,
			payload: `{"device": 2, "value": 0.5}`,
			index:   2,
			want:    message.Vibrate(0.5),
		},
		{
			name:    "vibrate per motor",
			typ:     core.CmdVibrate,
			payload: `{"device": 0, "values": [0.5, 0.25]}`,
			want:    message.Vibrate(0.5, 0.25),
		},
		{
			name:    "inline rotation defaults clockwise",
			typ:     core.CmdRotate,
			payload: `{"device": 1, "speed": 0.3}`,
			index:   1,
			want:    message.Rotate(message.FeatureCommand{Value: 0.3, Clockwise: true}),
		},
		{
			name:    "rotation list",
			typ:     core.CmdRotate,
			payload: `{"device": 1, "rotations": [{"speed": 0.3, "clockwise": false}, {"speed": 0.6}]}`,
			index:   1,
			want: message.Rotate(
				message.FeatureCommand{Index: 0, Value: 0.3, Clockwise: false},
				message.FeatureCommand{Index: 1, Value: 0.6, Clockwise: true},
			),
		},
		{
			name:    "linear",
			typ:     core.CmdLinear,
			payload: `{"device": 0, "position": 0.9, "duration": 350}`,
			want:    message.Linear(message.FeatureCommand{Value: 0.9, Duration: 350}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, cmd, err := decodeDeviceCommand(core.Command{Type: tt.typ, Payload: payload(t, tt.payload)})
			require.NoError(t, err)
			assert.Equal(t, tt.index, idx)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestDecodeDeviceCommand_BadPayloads(t *testing.T) {
	tests := []struct {
		typ     core.CommandType
		payload string
	}{
		{core.CmdVibrate, `{"value": 0.5}`},
		{core.CmdVibrate, `{"device": -1, "value": 0.5}`},
		{core.CmdVibrate, `{"device": 1.5, "value": 0.5}`},
		{core.CmdVibrate, `{"device": 0}`},
		{core.CmdVibrate, `{"device": 0, "values": []}`},
		{core.CmdVibrate, `{"device": 0, "values": ["loud"]}`},
		{core.CmdRotate, `{"device": 0, "speed": "fast"}`},
		{core.CmdRotate, `{"device": 0, "speed": 0.5, "clockwise": "yes"}`},
		{core.CmdRotate, `{"device": 0, "rotations": [1]}`},
		{core.CmdLinear, `{"device": 0, "position": 0.5}`},
		{core.CmdLinear, `{"device": 0, "position": 0.5, "duration": -5}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+" "+tt.payload, func(t *testing.T) {
			_, _, err := decodeDeviceCommand(core.Command{Type: tt.typ, Payload: payload(t, tt.payload)})
			assert.ErrorIs(t, err, errBadPayload)
		})
	}
}

func TestPayloadID(t *testing.T) {
	id, err := payloadID(map[string]interface{}{"id": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, 4, id)

	id, err = payloadID(map[string]interface{}{"id": "7"})
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	_, err = payloadID(map[string]interface{}{"id": "seven"})
	assert.ErrorIs(t, err, errBadPayload)
	_, err = payloadID(nil)
	assert.ErrorIs(t, err, errBadPayload)
}
