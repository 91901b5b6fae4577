package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmikhailov/agentrelay/internal/domain"
	"github.com/mmikhailov/agentrelay/internal/driver"
	"github.com/mmikhailov/agentrelay/internal/router"
)

// SpawnFunc starts and initializes one agent subprocess, returning a
// ready-to-use Driver. Production code wires driver.Spawn plus
// Driver.Initialize; tests inject a fake.
type SpawnFunc func(ctx context.Context) (*driver.Driver, error)

// Dispatcher receives the atomic release/dequeue handoff: a slot that was
// just freed and immediately reassigned to a queued request. Implemented by
// the Turn Orchestrator; wired post-construction via SetDispatcher to avoid
// an import cycle (the orchestrator depends on pool, not the reverse).
type Dispatcher interface {
	Dispatch(slot *Slot, req *domain.PendingRequest)
}

// Pool is the bounded set of Agent Drivers described in spec §4.2: one
// warm worker at startup, mandatory per-thread session affinity, idle
// reaping, crash removal, graceful shutdown.
type Pool struct {
	mu         sync.Mutex
	slots      map[int]*Slot
	nextSlotID int
	affinity   map[string]int // thread_id -> slot_id

	maxWorkers  int
	idleTimeout time.Duration
	spawn       SpawnFunc
	logger      *slog.Logger

	queue    *router.PendingQueue
	inflight *router.InFlightTracker

	dispatcherMu sync.RWMutex
	dispatcher   Dispatcher

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewPool synchronously spawns and initializes one warm driver — startup
// failure is fatal, per spec — then starts the background reaper.
func NewPool(ctx context.Context, maxWorkers int, idleTimeout time.Duration, spawn SpawnFunc, queue *router.PendingQueue, inflight *router.InFlightTracker, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	p := &Pool{
		slots:       make(map[int]*Slot),
		affinity:    make(map[string]int),
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		spawn:       spawn,
		logger:      logger,
		queue:       queue,
		inflight:    inflight,
	}

	d, err := spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm start: %w", err)
	}
	p.nextSlotID++
	p.slots[p.nextSlotID] = &Slot{ID: p.nextSlotID, Driver: d, Status: StatusIdle, LastIdleAt: time.Now()}

	reaperCtx, cancel := context.WithCancel(context.Background())
	p.reaperCancel = cancel
	p.reaperDone = make(chan struct{})
	go p.reapLoop(reaperCtx)

	return p, nil
}

// SetDispatcher wires the orchestrator callback used by the atomic
// release/dequeue handoff. Must be called before any Release that could
// trigger a handoff; NewPool purposely leaves it unset to break the import
// cycle between pool and orchestrator.
func (p *Pool) SetDispatcher(d Dispatcher) {
	p.dispatcherMu.Lock()
	p.dispatcher = d
	p.dispatcherMu.Unlock()
}

func (p *Pool) dispatch(slot *Slot, req *domain.PendingRequest) {
	p.dispatcherMu.RLock()
	d := p.dispatcher
	p.dispatcherMu.RUnlock()
	if d == nil {
		p.logger.Warn("dequeue handoff with no dispatcher wired, dropping", "thread_id", req.ThreadID)
		return
	}
	go d.Dispatch(slot, req)
}

// Acquire implements spec §4.2's three-step algorithm. A nil, true result is
// never returned; ok is false exactly when the caller must enqueue.
func (p *Pool) Acquire(ctx context.Context, threadID, userID string) (*Slot, bool) {
	p.mu.Lock()

	if slotID, ok := p.affinity[threadID]; ok {
		slot, exists := p.slots[slotID]
		if !exists {
			delete(p.affinity, threadID)
		} else if slot.Status == StatusIdle {
			slot.Status = StatusBusy
			slot.CurrentThreadID = threadID
			p.mu.Unlock()
			return slot, true
		} else {
			// Affinity slot is busy serving some thread. Routing elsewhere
			// would collide with the retained session file lock.
			p.mu.Unlock()
			return nil, false
		}
	}

	for _, slot := range p.slots {
		if slot.Status == StatusIdle {
			slot.Status = StatusBusy
			slot.CurrentThreadID = threadID
			p.affinity[threadID] = slot.ID
			p.mu.Unlock()
			return slot, true
		}
	}

	if len(p.slots) >= p.maxWorkers {
		p.mu.Unlock()
		return nil, false
	}

	p.nextSlotID++
	placeholder := &Slot{ID: p.nextSlotID, Status: StatusBusy, CurrentThreadID: threadID}
	p.slots[placeholder.ID] = placeholder
	p.affinity[threadID] = placeholder.ID
	p.mu.Unlock()

	d, err := p.spawn(ctx)
	if err != nil {
		p.logger.Error("failed to spawn additional worker", "error", err)
		p.mu.Lock()
		delete(p.slots, placeholder.ID)
		if p.affinity[threadID] == placeholder.ID {
			delete(p.affinity, threadID)
		}
		p.mu.Unlock()
		return nil, false
	}

	p.mu.Lock()
	placeholder.Driver = d
	p.mu.Unlock()
	return placeholder, true
}

// Release implements spec §4.2's release-plus-atomic-dequeue-handoff. If the
// driver is no longer alive the slot is removed outright; otherwise it is
// returned to IDLE, its affinity is refreshed to the releasing thread, and
// any queued request preferring this slot (or belonging to the same thread)
// is immediately handed off under the same lock acquisition.
func (p *Pool) Release(slot *Slot, sessionID, threadID string) {
	p.mu.Lock()

	if !slot.alive() {
		delete(p.slots, slot.ID)
		for tid, sid := range p.affinity {
			if sid == slot.ID {
				delete(p.affinity, tid)
			}
		}
		p.mu.Unlock()
		return
	}

	slot.Status = StatusIdle
	slot.LastIdleAt = time.Now()
	slot.CurrentSessionID = sessionID
	slot.CurrentThreadID = threadID
	p.affinity[threadID] = slot.ID

	var prefer []string
	for tid, sid := range p.affinity {
		if sid == slot.ID && tid != threadID {
			prefer = append(prefer, tid)
		}
	}
	prefer = append(prefer, threadID)

	req := p.queue.DequeueWithPriority(prefer...)
	if req == nil {
		p.mu.Unlock()
		return
	}
	slot.Status = StatusBusy
	slot.CurrentThreadID = req.ThreadID
	p.affinity[req.ThreadID] = slot.ID
	p.mu.Unlock()

	p.dispatch(slot, req)
}

// reapLoop periodically evicts IDLE slots that have exceeded idleTimeout,
// always preserving at least one slot in the pool.
func (p *Pool) reapLoop(ctx context.Context) {
	defer close(p.reaperDone)
	if p.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, slot := range p.slots {
		if len(p.slots) <= 1 {
			break
		}
		if slot.Status != StatusIdle {
			continue
		}
		if now.Sub(slot.LastIdleAt) <= p.idleTimeout {
			continue
		}
		if slot.Driver != nil {
			if err := slot.Driver.Close(); err != nil {
				p.logger.Warn("error closing reaped driver", "slot_id", id, "error", err)
			}
		}
		delete(p.slots, id)
		for tid, sid := range p.affinity {
			if sid == id {
				delete(p.affinity, tid)
			}
		}
	}
}

// Shutdown cancels the reaper and kills every driver in the pool.
func (p *Pool) Shutdown() {
	if p.reaperCancel != nil {
		p.reaperCancel()
		<-p.reaperDone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, slot := range p.slots {
		if slot.Driver != nil {
			if err := slot.Driver.Close(); err != nil {
				p.logger.Warn("error closing driver during shutdown", "slot_id", id, "error", err)
			}
		}
	}
	p.slots = make(map[int]*Slot)
	p.affinity = make(map[string]int)
}

// Len reports the current number of slots, for diagnostics/tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// SlotSnapshot is a point-in-time, read-only view of one Slot for the admin
// debug surface.
type SlotSnapshot struct {
	ID               int       `json:"id"`
	Status           string    `json:"status"`
	CurrentThreadID  string    `json:"current_thread_id,omitempty"`
	CurrentSessionID string    `json:"current_session_id,omitempty"`
	LastIdleAt       time.Time `json:"last_idle_at,omitempty"`
	Alive            bool      `json:"alive"`
}

// Snapshot returns a point-in-time view of every slot, for
// internal/adminapi's /debug/pool endpoint. Affinity and queue depth are not
// part of it.
func (p *Pool) Snapshot() []SlotSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotSnapshot, 0, len(p.slots))
	for _, slot := range p.slots {
		status := "idle"
		if slot.Status == StatusBusy {
			status = "busy"
		}
		out = append(out, SlotSnapshot{
			ID:               slot.ID,
			Status:           status,
			CurrentThreadID:  slot.CurrentThreadID,
			CurrentSessionID: slot.CurrentSessionID,
			LastIdleAt:       slot.LastIdleAt,
			Alive:            slot.alive(),
		})
	}
	return out
}
