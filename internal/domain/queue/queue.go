// Package queue holds the ordered task ids awaiting execution.
package queue

import (
	"sync"

	"taskrunner/internal/domain/task"
)

// Mode distinguishes a one-off run from a batch.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeBatch  Mode = "batch"
)

// StatusLookup resolves a task id to its current status. ok is false for
// ids the catalog does not know.
type StatusLookup func(id string) (status task.Status, ok bool)

// Manager is a FIFO of task ids. It is safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	ids         []string
	initialSize int
}

// NewManager returns an empty queue.
func NewManager() *Manager {
	return &Manager{}
}

// EnqueueAll replaces the queue with ids and records the initial size.
func (m *Manager) EnqueueAll(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append([]string{}, ids...)
	m.initialSize = len(ids)
}

// Clear empties the queue. The initial size is kept so Mode stays stable
// for the run that is winding down.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = nil
}

// PeekNextPending returns the first id whose status is not passed, completed
// or failed. Unknown ids are returned as candidates; Dequeue decides whether
// they can run.
func (m *Manager) PeekNextPending(lookup StatusLookup) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ids {
		status, ok := lookup(id)
		if ok && status.IsFinished() {
			continue
		}
		return id, true
	}
	return "", false
}

// Advance pops the front id.
func (m *Manager) Advance() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ids) == 0 {
		return "", false
	}
	id := m.ids[0]
	m.ids = m.ids[1:]
	return id, true
}

// Dequeue pops ids until it finds one that resolves to a pending task and
// returns it. Ids that are unknown or not pending are dropped silently.
func (m *Manager) Dequeue(lookup StatusLookup) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.ids) > 0 {
		id := m.ids[0]
		m.ids = m.ids[1:]
		if status, ok := lookup(id); ok && status == task.StatusPending {
			return id, true
		}
	}
	return "", false
}

// Len returns the number of queued ids.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

// IDs returns a copy of the queued ids.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ids...)
}

// InitialSize returns the length passed to the last EnqueueAll.
func (m *Manager) InitialSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialSize
}

// Mode reports single for runs of at most one task.
func (m *Manager) Mode() Mode {
	if m.InitialSize() <= 1 {
		return ModeSingle
	}
	return ModeBatch
}
