// Package compactormgr tracks which compactors are alive so the
// scheduler can pick an idle one to assign a task to, and so a
// compactor that stops heartbeating gets its outstanding tasks
// cancelled and reassigned. The liveness model mirrors the teacher's
// consecutive-failure health-check status machine, repurposed from
// container health checks to compactor heartbeat TTLs.
package compactormgr

import (
	"sync"
	"time"

	"github.com/cuemby/hummock/pkg/types"
)

// DefaultTTL is how long a compactor may go without a heartbeat before
// it is considered dead.
const DefaultTTL = 15 * time.Second

type compactorStatus struct {
	ContextID  types.ContextID
	LastSeen   time.Time
	Assigned   map[types.TaskID]struct{}
	Registered time.Time
}

// Manager tracks compactor liveness and current task assignment counts,
// so the scheduler can select the least-loaded idle compactor.
type Manager struct {
	mu         sync.Mutex
	compactors map[types.ContextID]*compactorStatus
	ttl        time.Duration
}

// New creates a Manager with the given heartbeat TTL.
func New(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{compactors: make(map[types.ContextID]*compactorStatus), ttl: ttl}
}

// Register adds id as a known compactor with a fresh heartbeat.
func (m *Manager) Register(id types.ContextID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.compactors[id]; ok {
		return
	}
	m.compactors[id] = &compactorStatus{
		ContextID:  id,
		LastSeen:   types.Now(),
		Assigned:   make(map[types.TaskID]struct{}),
		Registered: types.Now(),
	}
}

// Heartbeat refreshes id's liveness timestamp.
func (m *Manager) Heartbeat(id types.ContextID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.compactors[id]; ok {
		c.LastSeen = types.Now()
	}
}

// RemoveCompactor drops id from the tracked set and returns the task ids
// that were assigned to it, so the caller can reassign or cancel them.
func (m *Manager) RemoveCompactor(id types.ContextID) []types.TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.compactors[id]
	if !ok {
		return nil
	}
	var tasks []types.TaskID
	for t := range c.Assigned {
		tasks = append(tasks, t)
	}
	delete(m.compactors, id)
	return tasks
}

// NextIdle returns the registered, live compactor with the fewest
// current assignments. Returns false if none are live.
func (m *Manager) NextIdle() (types.ContextID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *compactorStatus
	now := types.Now()
	for _, c := range m.compactors {
		if now.Sub(c.LastSeen) > m.ttl {
			continue
		}
		if best == nil || len(c.Assigned) < len(best.Assigned) {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	return best.ContextID, true
}

// AssignTask records that task was handed to compactor id.
func (m *Manager) AssignTask(id types.ContextID, task types.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.compactors[id]; ok {
		c.Assigned[task] = struct{}{}
	}
}

// CompleteTask drops task from id's assignment set, called on report or
// cancellation.
func (m *Manager) CompleteTask(id types.ContextID, task types.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.compactors[id]; ok {
		delete(c.Assigned, task)
	}
}

// SweepDead returns every compactor whose heartbeat has expired, and
// removes them. Intended to be called periodically from a supervised
// goroutine (pkg/reconciler calls it on every cycle).
func (m *Manager) SweepDead() []types.ContextID {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := types.Now()
	var dead []types.ContextID
	for id, c := range m.compactors {
		if now.Sub(c.LastSeen) > m.ttl {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(m.compactors, id)
	}
	return dead
}

// Online reports how many compactors are currently considered live.
func (m *Manager) Online() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := types.Now()
	count := 0
	for _, c := range m.compactors {
		if now.Sub(c.LastSeen) <= m.ttl {
			count++
		}
	}
	return count
}
