// Package fatal provides the core's single abort primitive: an
// unrecoverable invariant violation, distinct from an ordinary error
// return. The teacher's runtime uses a package-private throw(string) for
// exactly this split (lock inversion, corrupted mutex state, "ran out of
// memory" in a context that cannot propagate); this package is its
// replacement for code living outside package runtime.
package fatal

import (
	"fmt"
	"os"
)

// Hook, when non-nil, is called instead of os.Exit by Throw. Tests set it
// to capture the message and panic in-process instead of killing the test
// binary.
var Hook func(msg string)

// Throw reports an unrecoverable invariant violation and terminates the
// process. Per spec.md §7, lock-order inversions, invalid objects found
// during GC, and destruction of a held mutex are all resolved this way —
// there is no error return that could let the caller limp onward with a
// corrupted heap.
func Throw(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if Hook != nil {
		Hook(msg)
		return
	}
	fmt.Fprintln(os.Stderr, "fatal:", msg)
	os.Exit(2)
}
