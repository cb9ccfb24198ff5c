// Package executor is a single-threaded cooperative scheduler. Each
// task is a goroutine that blocks on a private "turn" channel until
// the executor hands it a poll, runs until it reaches a suspension
// point, and reports back pending or done over a result channel. Only
// one task goroutine is ever runnable at a time; the executor's own
// goroutine and the polled task's alternate strictly.
package executor

import (
	"container/heap"
	"sync"
	"time"

	"kiwi/internal/accnt"
	"kiwi/internal/stats"
)

// TaskID identifies a task. Identifiers are monotonically increasing
// and never reused.
type TaskID uint64

// Waker re-enqueues the owning task: calling it pushes the task's id
// onto the ready queue for a later RunOnce, from any goroutine.
type Waker func()

// Body is the function a spawned task runs. It receives a Yielder to
// suspend itself at await points and must otherwise run to completion
// synchronously; only Yielder.Suspend may block.
type Body func(y Yielder)

// Yielder lets a running task body suspend itself, reporting Pending
// to the executor and blocking until the executor grants it another
// turn. internal/waitq and the thread-loop future are the only
// callers.
type Yielder interface {
	Suspend()
}

type task struct {
	id       TaskID
	vruntime int64
	accnt    accnt.Accnt
	turn     chan struct{}
	result   chan bool // true = pending, false = done
}

func (t *task) Suspend() {
	t.result <- true
	<-t.turn
}

// readyItem is one entry in the vruntime-ordered ready heap.
type readyItem struct {
	vruntime int64
	id       TaskID
}

type readyHeap []readyItem

func (h readyHeap) Len() int            { return len(h) }
func (h readyHeap) Less(i, j int) bool  { return h[i].vruntime < h[j].vruntime }
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Stats accumulates scheduler-wide diagnostics via internal/stats;
// cmd/kiwi prints them with stats.Dump. internal/diag's profiles carry
// only the per-task accounting returned by Snapshot.
type Stats struct {
	Polls      stats.Counter_t
	PollTime   stats.Cycles_t
	TasksAlive stats.Counter_t
}

// Executor is a single-core cooperative scheduler. Every
// exported method must be called from one goroutine; the Waker
// closures returned by Waker are the sole entry point intended to be
// called concurrently.
type Executor struct {
	tasks map[TaskID]*task
	ready readyHeap

	readyMu sync.Mutex
	readyQ  []TaskID // the MPSC "ready_ids" queue; a mutex-guarded slice
	// stands in for a lock-free queue, which Go's ecosystem has no
	// idiomatic off-the-shelf primitive for at this scale.

	nextID  TaskID
	pollGen uint64

	Stats Stats
}

// New builds an empty executor.
func New() *Executor {
	return &Executor{tasks: make(map[TaskID]*task)}
}

// pushReady enqueues id onto the MPSC ready queue; safe from any
// goroutine.
func (e *Executor) pushReady(id TaskID) {
	e.readyMu.Lock()
	e.readyQ = append(e.readyQ, id)
	e.readyMu.Unlock()
}

func (e *Executor) drainReady() []TaskID {
	e.readyMu.Lock()
	drained := e.readyQ
	e.readyQ = nil
	e.readyMu.Unlock()
	return drained
}

// Waker returns the waker closure for id.
func (e *Executor) Waker(id TaskID) Waker {
	return func() { e.pushReady(id) }
}

// Spawn wraps body as a new task, assigns it a vruntime equal to the
// current minimum in the ready queue (or zero), and enqueues it for
// its first poll.
func (e *Executor) Spawn(body Body) TaskID {
	return e.SpawnSelfAware(func(Waker) Body { return body })
}

// SpawnSelfAware is Spawn for bodies that need their own Waker before
// they can run (the thread-loop future's yield points re-enqueue
// themselves). build is called with the new task's Waker to produce the
// Body to run.
func (e *Executor) SpawnSelfAware(build func(self Waker) Body) TaskID {
	id := e.nextID
	e.nextID++

	vr := int64(0)
	if len(e.ready) > 0 {
		vr = e.ready[0].vruntime
	}

	t := &task{
		id:       id,
		vruntime: vr,
		turn:     make(chan struct{}),
		result:   make(chan bool),
	}
	e.tasks[id] = t
	e.Stats.TasksAlive.Inc()

	body := build(e.Waker(id))
	go func() {
		<-t.turn
		body(t)
		t.result <- false
	}()

	e.pushReady(id)
	return id
}

// RunOnce drains the ready-id queue into the ready queue (clamping
// stale vruntimes up to the current minimum so a long-sleeping task
// doesn't monopolize the core, and breaking ties by incrementing by
// one per duplicate key), pops the lowest-vruntime task, polls it
// once, and accounts the elapsed time into its vruntime. A task woken
// more than once between polls ends up with duplicate heap entries;
// the extra pops resume it spuriously, which every suspension point
// already tolerates by re-checking its condition.
func (e *Executor) RunOnce() {
	for _, id := range e.drainReady() {
		t, ok := e.tasks[id]
		if !ok {
			continue // task completed or never existed; discard.
		}
		vr := t.vruntime
		if len(e.ready) > 0 && vr < e.ready[0].vruntime {
			vr = e.ready[0].vruntime
		}
		for containsVruntime(e.ready, vr) {
			vr++
		}
		t.vruntime = vr
		heap.Push(&e.ready, readyItem{vruntime: vr, id: id})
	}

	if len(e.ready) == 0 {
		return
	}
	item := heap.Pop(&e.ready).(readyItem)
	t, ok := e.tasks[item.id]
	if !ok {
		return
	}
	delete(e.tasks, item.id)

	start := time.Now()
	t.turn <- struct{}{}
	pending := <-t.result
	elapsed := time.Since(start)

	t.accnt.Systadd(elapsed.Nanoseconds())
	t.accnt.Polled()
	t.vruntime += elapsed.Nanoseconds()
	e.Stats.Polls.Inc()
	e.Stats.PollTime.AddSince(start.UnixNano(), start.Add(elapsed).UnixNano())

	if pending {
		e.tasks[t.id] = t
	} else {
		e.Stats.TasksAlive.Add(-1)
	}

	e.pollGen++
}

func containsVruntime(h readyHeap, v int64) bool {
	for _, item := range h {
		if item.vruntime == v {
			return true
		}
	}
	return false
}

// PollGeneration returns the global poll generation counter, used by
// the thread-loop future to detect whether other tasks ran since its
// last poll.
func (e *Executor) PollGeneration() uint64 { return e.pollGen }

// Idle reports whether the ready queue and the MPSC queue are both
// empty, i.e. Run would otherwise spin.
func (e *Executor) Idle() bool {
	e.readyMu.Lock()
	empty := len(e.readyQ) == 0
	e.readyMu.Unlock()
	return empty && len(e.ready) == 0
}

// Snapshot returns a consistent copy of every currently tracked task's
// accounting data, keyed by task id. Called between RunOnce
// invocations, never while one is in flight, so it sees every task
// RunOnce isn't mid-poll of (internal/diag's profile dumps).
func (e *Executor) Snapshot() map[TaskID]accnt.Snapshot {
	out := make(map[TaskID]accnt.Snapshot, len(e.tasks))
	for id, t := range e.tasks {
		out[id] = t.accnt.Snapshot()
	}
	return out
}
