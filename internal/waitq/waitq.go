// Package waitq implements the sleep/wake primitive IPC is built on.
// A Queue holds a FIFO of wakers plus a poisoned flag; Wait suspends
// the calling task through internal/executor until a wake arrives.
package waitq

import (
	"sync"
	"sync/atomic"

	"kiwi/internal/executor"
)

// Queue is a FIFO of wakers plus a poisoned flag.
type Queue struct {
	mu       sync.Mutex
	wakers   []executor.Waker
	poisoned int32
}

// WakeOne pops and calls the oldest waiting waker, if any.
func (q *Queue) WakeOne() {
	q.mu.Lock()
	if len(q.wakers) == 0 {
		q.mu.Unlock()
		return
	}
	w := q.wakers[0]
	q.wakers = q.wakers[1:]
	q.mu.Unlock()
	w()
}

// WakeAll drains and calls every waiting waker.
func (q *Queue) WakeAll() {
	q.mu.Lock()
	wakers := q.wakers
	q.wakers = nil
	q.mu.Unlock()
	for _, w := range wakers {
		w()
	}
}

// Poison sets the poisoned flag atomically.
func (q *Queue) Poison() {
	atomic.StoreInt32(&q.poisoned, 1)
}

// Poisoned reports whether Poison has been called.
func (q *Queue) Poisoned() bool {
	return atomic.LoadInt32(&q.poisoned) != 0
}

func (q *Queue) push(w executor.Waker) {
	q.mu.Lock()
	q.wakers = append(q.wakers, w)
	q.mu.Unlock()
}

// Wait pushes self's waker, then checks the poison flag: if set, it
// returns immediately, otherwise it suspends once and returns after
// being woken. Spurious wakeups are the caller's problem; callers must
// re-check their condition in a loop.
func Wait(q *Queue, y executor.Yielder, self executor.Waker) {
	q.push(self)
	if q.Poisoned() {
		return
	}
	y.Suspend()
}
