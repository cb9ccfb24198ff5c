package executor

import "runtime"

// Relax is the function shape of a CPU relax hook. Run does not take
// one: when no task is ready it calls runtime.Gosched directly, the
// hosted stand-in for a CPU relax instruction. runtime.Gosched yields
// the processor without parking the goroutine the way time.Sleep or a
// channel receive would.
type Relax func()

// Run loops RunOnce until stop returns true, relaxing between
// iterations whenever no task is ready.
func (e *Executor) Run(stop func() bool) {
	for !stop() {
		if e.Idle() {
			runtime.Gosched()
			continue
		}
		e.RunOnce()
	}
}
