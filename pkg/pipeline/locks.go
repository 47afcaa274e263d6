package pipeline

import (
	"context"
	"sync"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// LockManager hands out exclusive locks on resource subtrees. Two locks
// conflict when one address lies inside the subtree of the other, so batches
// on disjoint subtrees proceed in parallel.
type LockManager struct {
	mu      sync.Mutex
	held    []heldLock
	changed chan struct{}
}

type heldLock struct {
	owner   string
	address engine.Address
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{changed: make(chan struct{})}
}

// Acquire blocks until owner holds every address, all at once, or ctx ends.
func (m *LockManager) Acquire(ctx context.Context, owner string, addresses []engine.Address) error {
	for {
		m.mu.Lock()
		if !m.conflicts(owner, addresses) {
			for _, a := range addresses {
				m.held = append(m.held, heldLock{owner: owner, address: a.Clone()})
			}
			m.mu.Unlock()
			return nil
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return engine.NewConflictError("timed out waiting for a subtree lock", ctx.Err()).
				WithCode(engine.ErrCodeLockConflict)
		}
	}
}

// TryAcquire takes a lock on address for owner without waiting. It returns
// false when another owner holds an overlapping subtree.
func (m *LockManager) TryAcquire(owner string, address engine.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.held {
		if h.owner == owner && address.HasPrefix(h.address) {
			return true
		}
	}
	if m.conflicts(owner, []engine.Address{address}) {
		return false
	}
	m.held = append(m.held, heldLock{owner: owner, address: address.Clone()})
	return true
}

// Release drops every lock held by owner and wakes waiters.
func (m *LockManager) Release(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.held[:0]
	for _, h := range m.held {
		if h.owner != owner {
			kept = append(kept, h)
		}
	}
	m.held = kept
	close(m.changed)
	m.changed = make(chan struct{})
}

// Held returns the number of locks currently held.
func (m *LockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *LockManager) conflicts(owner string, addresses []engine.Address) bool {
	for _, h := range m.held {
		if h.owner == owner {
			continue
		}
		for _, a := range addresses {
			if a.Overlaps(h.address) {
				return true
			}
		}
	}
	return false
}
