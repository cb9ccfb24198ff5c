package trap

import (
	"kiwi/internal/caller"
	"kiwi/internal/vmm"
)

// Dispatcher runs the syscall layer for a trapped thread and returns
// its disposition. internal/syscall implements
// this; trap does not import it, avoiding a cycle back through
// internal/executor.
type Dispatcher interface {
	Dispatch(t *Thread, raw RawTrap) Resume
}

// Logger receives exception diagnostics.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Execute activates the thread's address space and runs the trampoline
// until the next trap. It does not act on the trap; callers (the
// thread-loop future in internal/executor) invoke Handle* below.
func Execute(t *Thread, eng *vmm.Engine, cpu CPU) RawTrap {
	eng.SetCurrent(t.RootTable)
	return cpu.Enter(&t.Context)
}

// HandleException logs the fault and always returns Fault.
func HandleException(raw RawTrap, log Logger) Resume {
	log.Printf("trap: exception scause=%#x stval=%#x sepc=%#x", raw.Scause, raw.Stval, raw.Sepc)
	return Fault
}

// unexpectedIRQSite de-duplicates the unexpected-interrupt warning: a
// spurious interrupt source that keeps firing would otherwise storm
// the console on every trap.
var unexpectedIRQSite = caller.Distinct{Enabled: true}

// HandleInterrupt stops the timer on a supervisor-timer interrupt
// (returning Yield) and warns-and-continues on anything else.
func HandleInterrupt(raw RawTrap, cpu CPU, log Logger) Resume {
	if raw.IsSupervisorTimer() {
		cpu.StopTimer()
		return Yield
	}
	if first, _ := unexpectedIRQSite.First(1); first {
		log.Printf("trap: unexpected interrupt scause=%#x", raw.Scause)
	}
	return Continue
}

// HandleSyscall hands the trap to the syscall dispatcher.
func HandleSyscall(t *Thread, raw RawTrap, d Dispatcher) Resume {
	return d.Dispatch(t, raw)
}

// Handle classifies raw and runs the matching handler, the full
// handler table in one call for callers that don't need
// to inspect the Kind themselves.
func Handle(t *Thread, raw RawTrap, cpu CPU, log Logger, d Dispatcher) Resume {
	switch raw.Classify() {
	case Exception:
		return HandleException(raw, log)
	case Interrupt:
		return HandleInterrupt(raw, cpu, log)
	case Syscall:
		return HandleSyscall(t, raw, d)
	default:
		panic("trap: unreachable trap classification")
	}
}
