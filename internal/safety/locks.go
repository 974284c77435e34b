package safety

import (
	"sync"

	"github.com/opsloop/selfheal/internal/domain"
)

// LockTable enforces the at-most-one-concurrent-remediation invariant:
// two incidents whose affected resource sets intersect can never hold
// active executions at the same time. The second acquirer gets
// ErrLockConflict and must back off, merge, or escalate instead of running.
//
// The table is an injectable shared component so tests can run many
// incidents in isolation.
type LockTable struct {
	mu   sync.Mutex
	held map[string]string // resource id -> incident id
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]string)}
}

// Acquire takes the lock on every resource in the set for the incident.
// Acquisition is all-or-nothing: if any resource is held by a different
// incident, nothing is taken and ErrLockConflict is returned. Re-acquiring
// resources already held by the same incident is a no-op.
func (t *LockTable) Acquire(incidentID string, resources []domain.ResourceRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, res := range resources {
		if owner, ok := t.held[res.ID]; ok && owner != incidentID {
			return domain.ErrLockConflict
		}
	}
	for _, res := range resources {
		t.held[res.ID] = incidentID
	}
	return nil
}

// Release drops every lock held by the incident. Releasing locks that are
// not held is a no-op; cancellation paths call Release unconditionally so a
// dangling lock can never survive an aborted execution.
func (t *LockTable) Release(incidentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, owner := range t.held {
		if owner == incidentID {
			delete(t.held, id)
		}
	}
}

// HeldBy returns the incident currently holding a resource, if any.
func (t *LockTable) HeldBy(resourceID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.held[resourceID]
	return owner, ok
}
