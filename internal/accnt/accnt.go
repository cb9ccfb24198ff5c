// Package accnt accumulates per-task CPU time for the executor's
// vruntime ordering and the diag profile dumps (internal/diag).
package accnt

import "sync"

// Accnt tracks nanoseconds of user-mode and kernel-mode time consumed by
// a single task. The mutex lets Snapshot produce a consistent copy of
// the fields while the counters are still being updated.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
	Polls   int64
}

// Utadd adds delta nanoseconds of user-mode execution time.
func (a *Accnt) Utadd(delta int64) {
	a.mu.Lock()
	a.Userns += delta
	a.mu.Unlock()
}

// Systadd adds delta nanoseconds of kernel-mode (trap handling, syscall
// dispatch) time.
func (a *Accnt) Systadd(delta int64) {
	a.mu.Lock()
	a.Sysns += delta
	a.mu.Unlock()
}

// Polled records that the executor polled this task's thread-loop future
// once more.
func (a *Accnt) Polled() {
	a.mu.Lock()
	a.Polls++
	a.mu.Unlock()
}

// Snapshot is a consistent copy of the accounting fields, safe to hand
// to internal/diag without holding the lock.
type Snapshot struct {
	Userns int64
	Sysns  int64
	Polls  int64
}

// Snapshot returns a consistent copy of the counters.
func (a *Accnt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Userns: a.Userns, Sysns: a.Sysns, Polls: a.Polls}
}

// Total returns the total nanoseconds of CPU time consumed, the raw
// material for the executor's vruntime accumulator.
func (s Snapshot) Total() int64 {
	return s.Userns + s.Sysns
}
