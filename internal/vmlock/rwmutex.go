package vmlock

import (
	"sync/atomic"

	"github.com/oakvm/heapcore/internal/fatal"
)

// RWMutex is the reader/writer counterpart of Mutex: readerCount >= 0 means
// that many readers hold the lock, -1 means a writer holds it exclusively,
// matching spec.md §4.2's tri-state description (0=free, >0 N readers,
// -1 exclusive).
type RWMutex struct {
	name  string
	level Level

	state         int32 // readerCount, or -1 for writer-held
	numContenders int32
	park          chan struct{}
	writer        *Context

	// asMutex is a stable representative used only for Context's
	// held-level bookkeeping; RWMutex is not itself a Mutex.
	asMutex *Mutex
}

func NewRWMutex(name string, level Level) *RWMutex {
	return &RWMutex{
		name:    name,
		level:   level,
		park:    make(chan struct{}),
		asMutex: &Mutex{name: name, level: level},
	}
}

func (rw *RWMutex) Name() string { return rw.name }
func (rw *RWMutex) Level() Level { return rw.level }

// RLock acquires a shared (reader) hold.
func (rw *RWMutex) RLock(ctx *Context) {
	ctx.checkAcquire(rw.asMutex)
	for {
		old := atomic.LoadInt32(&rw.state)
		if old >= 0 && atomic.CompareAndSwapInt32(&rw.state, old, old+1) {
			return
		}
		rw.parkOnce()
	}
}

// RUnlock releases a shared hold.
func (rw *RWMutex) RUnlock() {
	new := atomic.AddInt32(&rw.state, -1)
	if new < 0 {
		fatal.Throw("vmlock: RUnlock of rwmutex %q not held by a reader", rw.name)
	}
	rw.wakeOne()
}

// Lock acquires an exclusive (writer) hold.
func (rw *RWMutex) Lock(ctx *Context) {
	ctx.checkAcquire(rw.asMutex)
	for {
		if atomic.CompareAndSwapInt32(&rw.state, 0, -1) {
			rw.writer = ctx
			ctx.push(rw.asMutex)
			return
		}
		rw.parkOnce()
	}
}

// Unlock releases an exclusive hold.
func (rw *RWMutex) Unlock(ctx *Context) {
	ctx.pop(rw.asMutex)
	rw.writer = nil
	if !atomic.CompareAndSwapInt32(&rw.state, -1, 0) {
		fatal.Throw("vmlock: Unlock of rwmutex %q not held exclusively", rw.name)
	}
	rw.wakeOne()
}

func (rw *RWMutex) parkOnce() {
	atomic.AddInt32(&rw.numContenders, 1)
	<-rw.park
	atomic.AddInt32(&rw.numContenders, -1)
}

func (rw *RWMutex) wakeOne() {
	if atomic.LoadInt32(&rw.numContenders) > 0 {
		select {
		case rw.park <- struct{}{}:
		default:
		}
	}
}
