// Package pool implements the worker pool: a bounded set of Agent Drivers
// with scale-to-one warm capacity, mandatory per-thread session affinity,
// idle reaping, crash removal, and graceful shutdown.
package pool

import (
	"time"

	"github.com/mmikhailov/agentrelay/internal/driver"
)

// SlotStatus is the busy/idle state of a WorkerSlot.
type SlotStatus int

const (
	// StatusIdle means the slot's driver is ready to accept a new thread.
	StatusIdle SlotStatus = iota
	// StatusBusy means the slot is serving a thread, or is a placeholder
	// reserved for an in-progress spawn (Driver is nil in that window).
	StatusBusy
)

// Slot is one worker in the pool. ID is stable for the slot's entire
// membership in the pool; Driver is nil during the placeholder window
// between capacity reservation and successful spawn.
type Slot struct {
	ID               int
	Driver           *driver.Driver
	Status           SlotStatus
	LastIdleAt       time.Time
	CurrentSessionID string
	CurrentThreadID  string
}

// alive reports whether the slot's driver is still usable. A placeholder
// slot (Driver == nil, spawn in progress) counts as alive.
func (s *Slot) alive() bool {
	return s.Driver == nil || s.Driver.State() != driver.StateDead
}
