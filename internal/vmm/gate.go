package vmm

import "sync"

// GateArch is the CPU-boundary collaborator for the SUM-bit equivalent
// that lets supervisor code touch user pages, and for the interrupt
// mask that must stay off for the duration of any such access.
type GateArch interface {
	AllowUserPageAccess()
	ForbidUserPageAccess()
	DisableInterrupts() (prev bool)
	RestoreInterrupts(prev bool)
}

// Gate serializes and brackets every direct touch of user memory from
// supervisor code. Re-entrant use is a programming error: the gated
// copy routines in internal/syscall must not call back into the gate
// while already inside one.
type Gate struct {
	arch GateArch

	mu       sync.Mutex
	inUserOp bool
}

// NewGate constructs a Gate over the given architecture collaborator.
func NewGate(arch GateArch) *Gate {
	return &Gate{arch: arch}
}

// WithUserAccess disables interrupts, sets the access-allowed bit, runs
// fn, then restores both in the reverse order, returning whatever fn
// returns. It panics on re-entrant use.
func (g *Gate) WithUserAccess(fn func() error) error {
	g.mu.Lock()
	if g.inUserOp {
		g.mu.Unlock()
		panic("vmm: re-entrant user-page access")
	}
	g.inUserOp = true
	g.mu.Unlock()

	prev := g.arch.DisableInterrupts()
	g.arch.AllowUserPageAccess()
	defer func() {
		g.arch.ForbidUserPageAccess()
		g.arch.RestoreInterrupts(prev)
		g.mu.Lock()
		g.inUserOp = false
		g.mu.Unlock()
	}()

	return fn()
}
