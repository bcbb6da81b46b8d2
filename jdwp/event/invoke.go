package event

import "sync"

// InvokeRequest is a debugger-initiated method invocation (e.g.
// evaluating toString() for a watch) queued against a suspended thread,
// per spec.md §4.10.
type InvokeRequest struct {
	ObjectID, ClassID, MethodID uint64
	Args                        []uint64
	InvokeInProgress            bool
}

// InvokeCoordinator tracks at most one pending, then running,
// InvokeRequest per thread. Breakpoint and method-enter/exit events must
// be suppressed for a thread while its request is running, to avoid a
// reentrant deadlock against the same thread's own suspend.
type InvokeCoordinator struct {
	mu      sync.Mutex
	pending map[uint64]*InvokeRequest
	running map[uint64]*InvokeRequest
}

// NewInvokeCoordinator returns a ready-to-use coordinator.
func NewInvokeCoordinator() *InvokeCoordinator {
	return &InvokeCoordinator{pending: map[uint64]*InvokeRequest{}, running: map[uint64]*InvokeRequest{}}
}

// Request queues req against tid; waking the thread is the caller's
// responsibility (it owns the thread-suspend mechanism, out of scope
// for this module).
func (c *InvokeCoordinator) Request(tid uint64, req *InvokeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[tid] = req
}

// Take returns and clears tid's pending request and marks it running,
// or (nil, false) if there is none.
func (c *InvokeCoordinator) Take(tid uint64) (*InvokeRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[tid]
	if !ok {
		return nil, false
	}
	delete(c.pending, tid)
	req.InvokeInProgress = true
	c.running[tid] = req
	return req, true
}

// Complete clears tid's running invocation, re-enabling ordinary event
// posting for that thread.
func (c *InvokeCoordinator) Complete(tid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, tid)
}

// InProgress reports whether tid currently has an invocation running —
// the signal breakpoint/method-enter/exit posting must check to avoid
// reentering the suspend protocol for its own invocation.
func (c *InvokeCoordinator) InProgress(tid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[tid]
	return ok
}
