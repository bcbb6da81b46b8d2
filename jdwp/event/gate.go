package event

import "sync"

// ThreadGate implements spec.md §4.10's suspension-serialization
// primitives: at most one thread may be mid-event-post at a time.
//
//  1. SetWaitForEventThread(tid): if another thread already holds the
//     slot, block on the condition variable; otherwise claim it.
//  2. ClearWaitForEventThread(): release the slot and wake every waiter.
//
// The event-posting thread calls ClearWaitForEventThread after it has
// enqueued its own suspend obligation but before it actually suspends
// itself, so an in-flight debugger reply is never blocked behind a
// mutator that is about to go to sleep.
type ThreadGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	tid  uint64
	held bool
}

// NewThreadGate returns a ready-to-use gate.
func NewThreadGate() *ThreadGate {
	g := &ThreadGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// SetWaitForEventThread blocks until the slot is free, then claims it
// for tid.
func (g *ThreadGate) SetWaitForEventThread(tid uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.held {
		g.cond.Wait()
	}
	g.tid = tid
	g.held = true
}

// ClearWaitForEventThread releases the slot and wakes every waiter.
func (g *ThreadGate) ClearWaitForEventThread() {
	g.mu.Lock()
	g.tid = 0
	g.held = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Current reports the thread id currently holding the slot, or 0 if
// free.
func (g *ThreadGate) Current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return 0
	}
	return g.tid
}
