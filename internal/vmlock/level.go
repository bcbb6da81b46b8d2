package vmlock

// Level is a point in the compile-time lock-order hierarchy from spec.md
// §5. Acquire in strictly increasing Level order; the debug checker in
// Context.checkAcquire enforces this and aborts via fatal.Throw on
// violation, the way the teacher's runtime enforces its own lock ranking
// before a goroutine may block.
type Level int

// Predefined levels. spec.md §4.2 requires that every already-held mutex
// have a level strictly greater than the one being acquired, and §5 lists
// the acquisition order as logging < thread-list < thread-suspend-count <
// heap-lock < mutator-lock(exclusive) < runtime-shutdown < JDWP.state-locks
// — i.e. logging is acquired first and JDWP last. Combined, that means
// numeric Level values fall as acquisition proceeds: logging carries the
// highest value, JDWP the lowest, so "every held level > new level" holds
// exactly when locks are taken in the documented order.
const (
	LevelJDWPState Level = iota
	LevelRuntimeShutdown
	LevelMutatorExclusive
	LevelHeap
	LevelThreadSuspendCount
	LevelThreadList
	LevelLogging
)

func (l Level) String() string {
	switch l {
	case LevelLogging:
		return "logging"
	case LevelThreadList:
		return "thread-list"
	case LevelThreadSuspendCount:
		return "thread-suspend-count"
	case LevelHeap:
		return "heap-lock"
	case LevelMutatorExclusive:
		return "mutator-lock(exclusive)"
	case LevelRuntimeShutdown:
		return "runtime-shutdown"
	case LevelJDWPState:
		return "jdwp.state-locks"
	default:
		return "level(unknown)"
	}
}
