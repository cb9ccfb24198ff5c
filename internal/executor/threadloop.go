package executor

import (
	"time"

	"kiwi/internal/trap"
	"kiwi/internal/vmm"
)

// ThreadLoop builds the per-user-thread future:
// arms the timer, executes the thread, dispatches the trap, and acts
// on the disposition, yielding back to the executor whenever the
// thread's quantum is spent or it explicitly yields.
type ThreadLoop struct {
	Thread *trap.Thread
	Engine *vmm.Engine
	CPU    trap.CPU
	Log    trap.Logger

	// Dispatcher runs the syscall layer for traps that classify as
	// Syscall. Exactly one of Dispatcher or NewDispatcher
	// must be set. Dispatcher is shared across the task's whole run;
	// use it when syscall handling needs no per-task suspension
	// handle.
	Dispatcher trap.Dispatcher
	// NewDispatcher builds a Dispatcher bound to this task's own
	// Yielder and Waker, for a syscall layer (internal/syscall) whose
	// IPC calls must suspend and wake the calling task specifically
	// rather than some other task's.
	NewDispatcher func(y Yielder, self Waker) trap.Dispatcher

	Quantum time.Duration

	// Executor supplies the poll-generation counter used to detect
	// whether other tasks ran since this loop's last iteration.
	Executor *Executor

	// OnExit is called once with the final disposition (Terminate or
	// Fault) when the loop's future completes.
	OnExit func(trap.Resume)
}

// Spawn registers the thread loop with its executor and returns the
// new task's id.
func (tl *ThreadLoop) Spawn() TaskID {
	return tl.Executor.SpawnSelfAware(tl.body)
}

// body adapts the thread loop to executor.Body. selfWaker lets the
// loop's yield points re-enqueue their own task.
func (tl *ThreadLoop) body(selfWaker Waker) Body {
	return func(y Yielder) {
		deadline := time.Now().Add(tl.Quantum)
		lastGen := uint64(0)
		haveGen := false

		dispatcher := tl.Dispatcher
		if tl.NewDispatcher != nil {
			dispatcher = tl.NewDispatcher(y, selfWaker)
		}

		for {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			tl.CPU.ArmTimer(remaining.Nanoseconds())

			raw := trap.Execute(tl.Thread, tl.Engine, tl.CPU)
			resume := trap.Handle(tl.Thread, raw, tl.CPU, tl.Log, dispatcher)

			gen := tl.Executor.PollGeneration()
			if haveGen && gen != lastGen {
				deadline = time.Now().Add(tl.Quantum)
			} else if time.Now().After(deadline) {
				resume = trap.Yield
			}
			lastGen = gen
			haveGen = true

			switch {
			case resume.IsTerminate(), resume.IsFault():
				if tl.OnExit != nil {
					tl.OnExit(resume)
				}
				return
			case resume.IsYield():
				YieldOnce(y, selfWaker)
				deadline = time.Now().Add(tl.Quantum)
			default: // Continue
			}
		}
	}
}
