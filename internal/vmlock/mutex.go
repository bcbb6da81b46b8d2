package vmlock

import (
	"sync/atomic"

	"github.com/oakvm/heapcore/internal/fatal"
)

const (
	mutexFree = 0
	mutexHeld = 1
)

// Mutex is a named, leveled, optionally-recursive exclusive lock. The state
// machine (CAS on a small state word, a contender count so Unlock is
// contention-free when nobody waits, park/wake on the slow path) mirrors
// the teacher's sync.Mutex normal/starvation design, generalized with the
// name+level bookkeeping spec.md §4.2 asks for.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	name      string
	level     Level
	recursive bool

	state          int32 // mutexFree or mutexHeld
	numContenders  int32
	park           chan struct{}
	owner          *Context
	recursionCount int32
}

// NewMutex creates a named mutex at the given level. Set recursive to allow
// the same Context to Lock it more than once (tracked by recursionCount).
func NewMutex(name string, level Level, recursive bool) *Mutex {
	return &Mutex{
		name:      name,
		level:     level,
		recursive: recursive,
		park:      make(chan struct{}),
	}
}

func (m *Mutex) Name() string { return m.name }
func (m *Mutex) Level() Level { return m.level }

// Lock acquires the mutex on behalf of ctx, which may be nil when the
// caller doesn't participate in lock-order debugging (e.g. a one-off
// goroutine with no other held locks).
func (m *Mutex) Lock(ctx *Context) {
	if m.recursive && ctx != nil && m.owner == ctx {
		m.recursionCount++
		return
	}

	ctx.checkAcquire(m)

	if atomic.CompareAndSwapInt32(&m.state, mutexFree, mutexHeld) {
		m.owner = ctx
		ctx.push(m)
		return
	}

	atomic.AddInt32(&m.numContenders, 1)
	for {
		if atomic.CompareAndSwapInt32(&m.state, mutexFree, mutexHeld) {
			atomic.AddInt32(&m.numContenders, -1)
			m.owner = ctx
			ctx.push(m)
			return
		}
		// Park until Unlock wakes a contender. A spurious wakeup (the
		// channel close races with a new Lock winning the CAS first)
		// just sends us back around the loop, matching the futex
		// contract in spec.md §4.2: callers loop, they don't assume a
		// single wake implies ownership.
		<-m.park
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(ctx *Context) bool {
	if m.recursive && ctx != nil && m.owner == ctx {
		m.recursionCount++
		return true
	}
	if atomic.CompareAndSwapInt32(&m.state, mutexFree, mutexHeld) {
		ctx.checkAcquire(m)
		m.owner = ctx
		ctx.push(m)
		return true
	}
	return false
}

// Unlock releases the mutex. It is fatal to unlock a mutex the caller does
// not hold.
func (m *Mutex) Unlock(ctx *Context) {
	if m.recursive && m.recursionCount > 0 {
		m.recursionCount--
		return
	}

	ctx.pop(m)
	m.owner = nil
	if !atomic.CompareAndSwapInt32(&m.state, mutexHeld, mutexFree) {
		fatal.Throw("vmlock: unlock of unlocked mutex %q", m.name)
	}

	if atomic.LoadInt32(&m.numContenders) > 0 {
		// Contention-free in the no-waiter case: the non-blocking
		// send on park below only happens when someone is actually parked.
		select {
		case m.park <- struct{}{}:
		default:
		}
	}
}

// Destroy validates the teardown precondition from spec.md §4.2:
// destruction of a mutex with a non-zero owner or non-zero contender count
// is fatal unless shuttingDown is true.
func (m *Mutex) Destroy(shuttingDown bool) {
	if shuttingDown {
		return
	}
	if m.owner != nil || atomic.LoadInt32(&m.numContenders) != 0 {
		fatal.Throw("vmlock: destroying mutex %q with owner=%v contenders=%d", m.name, m.owner, m.numContenders)
	}
}
