package executor

// YieldOnce is a future that
// returns Pending the first time it is polled after waking its own
// waker, Ready the second time. With goroutine-based tasks this
// collapses to "wake myself, then suspend once": the self-wake means
// this task's id is already back on the ready queue by the time
// Suspend reports Pending, so the executor grants it another turn on
// a later RunOnce and execution resumes right after the call.
func YieldOnce(y Yielder, self Waker) {
	self()
	y.Suspend()
}
