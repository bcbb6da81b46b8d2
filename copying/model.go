package copying

import "github.com/oakvm/heapcore/gcroot"

// HashState tracks an object's identity-hash migration status across
// copies, per spec.md §9: an object hashed before it ever moves keeps its
// address as its identity hash for free; once it moves after being
// hashed, its state becomes HashedAndMoved. Only the state is recorded:
// the scavenger stores no hash word with the moved object.
type HashState byte

const (
	Unhashed HashState = iota
	Hashed
	HashedAndMoved
)

// CopyModel is the mutator-runtime surface the scavenger needs on top of
// gcroot.ObjectModel: an object's total size (to bump-allocate its
// to-space copy and to find where the next object starts during a block
// scan), a raw body copy, and hash-migration bookkeeping. Real
// integration would wire this to an actual object model; out of scope
// for this module, tests back it with a map exactly as gcroot's
// ObjectModel and ReferenceOps are faked in the mark-sweep tests.
type CopyModel interface {
	gcroot.ObjectModel

	// Size is obj's total byte footprint, header included.
	Size(obj uintptr) uintptr

	// CopyBody copies every word of src's representation (header, scalar
	// data, and reference fields alike) to dst, which has at least
	// Size(src) bytes reserved. Called before any forwarding pointer is
	// installed at src, so src's class word is still the real class
	// pointer.
	CopyBody(src, dst uintptr)

	HashState(obj uintptr) HashState
	SetHashState(obj uintptr, s HashState)
}

// RootVisitor receives one root slot address at a time.
type RootVisitor interface {
	VisitRoot(slot uintptr)
}

// RootVisitorFunc adapts a plain function to RootVisitor.
type RootVisitorFunc func(slot uintptr)

func (f RootVisitorFunc) VisitRoot(slot uintptr) { f(slot) }

// RootEnumerator walks every root slot a scavenge must scan and rewrite.
type RootEnumerator interface {
	EnumerateRoots(v RootVisitor)
}
