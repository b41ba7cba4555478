// Package scheduler runs device commands on cron schedules and persists the
// schedule list across restarts.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"haptic-controller/internal/core"
)

// ScheduleEntry defines the structure for a saved schedule.
type ScheduleEntry struct {
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron           *cron.Cron
	store          map[cron.EntryID]ScheduleEntry
	commandChannel core.CommandChannel
	mu             sync.RWMutex
	schedulesFile  string
}

// NewScheduler creates and loads a scheduler.
func NewScheduler(cmdChan core.CommandChannel, schedulesFile string) *Scheduler {
	s := &Scheduler{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]ScheduleEntry),
		commandChannel: cmdChan,
		schedulesFile:  schedulesFile,
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Println("[Scheduler] Cron scheduler started.")
}

// Stop halts the cron job ticker.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Println("[Scheduler] Cron scheduler stopped.")
}

// ParseCommand turns a schedule command line into an agent command. The
// accepted forms are "stop", "pattern <name>", "stop-pattern" and
// "vibrate <device> <value>".
func ParseCommand(command string) (core.Command, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return core.Command{}, fmt.Errorf("empty command")
	}
	switch parts[0] {
	case "stop":
		if len(parts) != 1 {
			return core.Command{}, fmt.Errorf("usage: stop")
		}
		return core.Command{Type: core.CmdStopAll}, nil
	case "stop-pattern":
		return core.Command{Type: core.CmdStopPattern}, nil
	case "pattern":
		if len(parts) != 2 {
			return core.Command{}, fmt.Errorf("usage: pattern <name>")
		}
		return core.Command{Type: core.CmdRunPattern, Payload: map[string]interface{}{"name": parts[1]}}, nil
	case "vibrate":
		if len(parts) != 3 {
			return core.Command{}, fmt.Errorf("usage: vibrate <device> <value>")
		}
		idx, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return core.Command{}, fmt.Errorf("bad device index %q", parts[1])
		}
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return core.Command{}, fmt.Errorf("bad value %q", parts[2])
		}
		return core.Command{Type: core.CmdVibrate, Payload: map[string]interface{}{
			"device": float64(idx),
			"values": []interface{}{v},
		}}, nil
	}
	return core.Command{}, fmt.Errorf("unknown command %q", parts[0])
}

// Add creates a new cron job. The command is checked before it is stored.
func (s *Scheduler) Add(spec, command string) (int, error) {
	if _, err := ParseCommand(command); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(command) })
	if err != nil {
		return 0, fmt.Errorf("invalid schedule '%s': %w", spec, err)
	}
	s.store[id] = ScheduleEntry{Spec: spec, Command: command}
	s.save()
	log.Printf("[Scheduler] Added schedule (ID %d): %s -> %s", id, spec, command)
	return int(id), nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	s.save()
	log.Printf("[Scheduler] Removed schedule (ID %d)", id)
}

// GetAll returns a copy of the current schedules.
func (s *Scheduler) GetAll() map[cron.EntryID]ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[cron.EntryID]ScheduleEntry, len(s.store))
	for k, v := range s.store {
		out[k] = v
	}
	return out
}

func (s *Scheduler) execute(command string) {
	log.Printf("[Scheduler] Executing scheduled command: %s", command)
	cmd, err := ParseCommand(command)
	if err != nil {
		log.Printf("[Scheduler] Skipping '%s': %v", command, err)
		return
	}
	s.commandChannel <- cmd
}

func (s *Scheduler) save() {
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		log.Printf("[Scheduler] Error marshalling schedules: %v", err)
		return
	}
	if err := os.WriteFile(s.schedulesFile, data, 0644); err != nil {
		log.Printf("[Scheduler] Error writing '%s': %v", s.schedulesFile, err)
	}
}

func (s *Scheduler) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.schedulesFile)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.Printf("[Scheduler] Error reading schedule file: %v", err)
		return
	}

	saved := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &saved); err != nil {
		log.Printf("[Scheduler] Error unmarshalling schedule file: %v", err)
		return
	}

	log.Printf("[Scheduler] Loading %d schedules from file '%s'...", len(saved), s.schedulesFile)
	for _, entry := range saved {
		entry := entry
		newID, err := s.cron.AddFunc(entry.Spec, func() { s.execute(entry.Command) })
		if err != nil {
			log.Printf("[Scheduler] Error re-adding schedule from file: %v", err)
			continue
		}
		s.store[newID] = entry
	}
}
