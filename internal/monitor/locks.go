// Package monitor implements the three enforcement monitors: service,
// file integrity, and network. Each runs on its own tick, compares live
// state to the policy snapshot, remediates deviations, and publishes
// tamper events to the bus.
package monitor

import "sync"

// LockTable serializes remediation per protected entity. Two ticks
// racing to restore the same file would tear each other's atomic
// write sequence apart; one waits instead.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for entity and returns its release func.
func (t *LockTable) Lock(entity string) func() {
	t.mu.Lock()
	l, ok := t.locks[entity]
	if !ok {
		l = &sync.Mutex{}
		t.locks[entity] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
