package vmlock

import (
	"github.com/oakvm/heapcore/internal/fatal"
)

// DebugLocking enables the lock-order and destruction checks described in
// spec.md §4.2 and §7. Production builds may leave it on permanently —
// the checks are cheap slice scans, not a systemic perf concern — but
// tests that want to assert a specific violation flip it explicitly.
var DebugLocking = true

// Context stands in for "the calling thread" from spec.md's MutatorRuntime:
// each goroutine that acquires named mutexes should own exactly one
// Context and pass it to every Lock/Unlock call. It tracks the stack of
// levels currently held so acquisition order can be validated, and it is
// also the recursion-ownership token recursive mutexes compare against.
type Context struct {
	name string
	held []*Mutex
}

// NewContext creates a lock-accounting context for one logical thread.
func NewContext(name string) *Context {
	return &Context{name: name}
}

func (c *Context) String() string { return c.name }

// checkAcquire verifies every mutex currently held by c has a level
// strictly greater than m's, per spec.md §4.2. A violation is fatal: it
// means a real deadlock is possible, not merely likely.
func (c *Context) checkAcquire(m *Mutex) {
	if !DebugLocking || c == nil {
		return
	}
	for _, held := range c.held {
		if held.level <= m.level {
			fatal.Throw(
				"lock order inversion on %q: thread %q holds %q (level %v) while acquiring %q (level %v)",
				m.name, c.name, held.name, held.level, m.name, m.level,
			)
		}
	}
}

func (c *Context) push(m *Mutex) {
	if c == nil {
		return
	}
	c.held = append(c.held, m)
}

func (c *Context) pop(m *Mutex) {
	if c == nil {
		return
	}
	for i := len(c.held) - 1; i >= 0; i-- {
		if c.held[i] == m {
			c.held = append(c.held[:i], c.held[i+1:]...)
			return
		}
	}
	fatal.Throw("vmlock: unlocking %q which %q does not hold", m.name, c.name)
}
