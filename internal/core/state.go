package core

import (
	"sort"
	"sync"
)

// DeviceInfo describes a connected device to front-ends.
type DeviceInfo struct {
	Index     uint32            `json:"index"`
	SessionID string            `json:"session_id"`
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Protocol  string            `json:"protocol"`
	Features  map[string]uint32 `json:"features"`
}

// State holds the agent-wide view shared with front-ends.
type State struct {
	mu             sync.RWMutex
	devices        map[uint32]DeviceInfo
	runningPattern string
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Devices        []DeviceInfo `json:"devices"`
	RunningPattern string       `json:"running_pattern"`
}

// NewState creates a new State instance.
func NewState() *State {
	return &State{devices: make(map[uint32]DeviceInfo)}
}

// Clone returns a snapshot of the current state for safe reading.
func (s *State) Clone() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{RunningPattern: s.runningPattern, Devices: make([]DeviceInfo, 0, len(s.devices))}
	for _, d := range s.devices {
		snap.Devices = append(snap.Devices, d)
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].Index < snap.Devices[j].Index })
	return snap
}

// AddDevice records a connected device.
func (s *State) AddDevice(d DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Index] = d
}

// RemoveDevice forgets a device.
func (s *State) RemoveDevice(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, index)
}

// SetRunningPattern updates the running pattern state.
func (s *State) SetRunningPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningPattern = pattern
}
