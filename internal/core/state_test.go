package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_CloneIsSortedCopy(t *testing.T) {
	s := NewState()
	s.AddDevice(DeviceInfo{Index: 2, Name: "B"})
	s.AddDevice(DeviceInfo{Index: 0, Name: "A"})
	s.SetRunningPattern("wave.lua")

	snap := s.Clone()
	assert.Equal(t, "wave.lua", snap.RunningPattern)
	assert.Equal(t, []DeviceInfo{{Index: 0, Name: "A"}, {Index: 2, Name: "B"}}, snap.Devices)

	s.RemoveDevice(0)
	s.SetRunningPattern("")
	assert.Len(t, snap.Devices, 2)

	snap = s.Clone()
	assert.Equal(t, []DeviceInfo{{Index: 2, Name: "B"}}, snap.Devices)
	assert.Empty(t, snap.RunningPattern)
}
