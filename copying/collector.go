// Package copying's collector half: the scavenge sequence spec.md §4.7
// describes — flip, pin, scavenge roots, drain the to-space block queue,
// process references in the same strength order as the mark-sweep
// engine, then reclaim from-space.
//
// Grounded on original_source/dalvik HeapSource.c's dvmCopyMem-based
// Bartlett promotion-by-pinning scheme for the scavenge/promote
// mechanics, and on marksweep.Collector's reference-processing order for
// the soft/weak/finalizer/phantom pass structure (the two engines share
// gcroot's PendingList and ReferenceOps rather than duplicating it).
package copying

import (
	"errors"

	"go.uber.org/zap"

	"github.com/oakvm/heapcore/gcroot"
)

// Scavenger drives one collection cycle over a BlockSpace.
type Scavenger struct {
	Space *BlockSpace
	Model CopyModel
	Refs  gcroot.ReferenceOps
	Roots RootEnumerator

	// Pins supplies the conservative stack/JNI-local scan's ambiguous
	// pointers, if any; nil disables pinning (every object is free to
	// move).
	Pins func() []uintptr

	// OnFinalizable is invoked for each finalizer reference whose
	// referent was resurrected this cycle, so the owner can hand it to a
	// finalizer-running thread. May be nil.
	OnFinalizable func(ref uintptr)

	Log *zap.Logger

	soft, weak, fin, phantom *gcroot.PendingList
	pendingEnqueue           *gcroot.PendingList
	err                      error
}

// NewScavenger wires a Scavenger over space, using model for object
// layout and refs for reference-object bookkeeping.
func NewScavenger(space *BlockSpace, model CopyModel, refs gcroot.ReferenceOps, roots RootEnumerator) *Scavenger {
	return &Scavenger{
		Space:          space,
		Model:          model,
		Refs:           refs,
		Roots:          roots,
		pendingEnqueue: gcroot.NewPendingList(refs),
	}
}

// PendingEnqueue exposes the list of references awaiting delivery to the
// application's reference queues (spec.md §4.6 step 2's "runtime's
// pending-enqueue list", shared verbatim with marksweep.Collector) so the
// owner can drain it after ScavengeRoots returns.
func (s *Scavenger) PendingEnqueue() *gcroot.PendingList { return s.pendingEnqueue }

// ScavengeRoots runs one full collection: flip, pin, scavenge roots,
// drain the block queue, process references, and reclaim from-space.
// doPreserve mirrors gcspec.Spec.DoPreserve: when true, reachable soft
// references are kept alive for this cycle before any clearing happens.
func (s *Scavenger) ScavengeRoots(doPreserve bool) error {
	s.err = nil
	s.soft = gcroot.NewPendingList(s.Refs)
	s.weak = gcroot.NewPendingList(s.Refs)
	s.fin = gcroot.NewPendingList(s.Refs)
	s.phantom = gcroot.NewPendingList(s.Refs)

	if err := s.Space.Flip(); err != nil {
		return err
	}

	if s.Pins != nil {
		for _, addr := range s.Pins() {
			if addr == 0 {
				continue
			}
			idx := s.Space.BlockIndex(addr)
			if s.Space.State(idx) == StateFrom {
				s.Space.PromoteContaining(addr)
			}
		}
	}

	s.Roots.EnumerateRoots(RootVisitorFunc(func(slot uintptr) {
		obj := s.Model.ReadPointer(slot)
		if obj == 0 {
			return
		}
		s.Model.WritePointer(slot, s.scavengeObject(obj))
	}))

	s.drainQueue()
	s.processReferences(doPreserve)

	if s.err != nil {
		return s.err
	}
	s.Space.Reclaim()
	return nil
}

// scavengeObject returns obj's to-space address, copying it there (and
// installing a forwarding pointer at its old location) the first time
// it's reached this cycle.
func (s *Scavenger) scavengeObject(obj uintptr) uintptr {
	idx := s.Space.BlockIndex(obj)
	if s.Space.State(idx) == StateTo {
		return obj // already resident: freshly allocated this cycle, or pinned in place
	}

	classWord := s.Model.ReadPointer(obj)
	if isForwarded(classWord) {
		return forwardedTo(classWord)
	}

	if s.Model.HashState(obj) == Hashed {
		// The object is about to move after its identity hash was
		// already handed out. Only its state changes to
		// HashedAndMoved; the copy is allocated at Size(obj) and no
		// hash word is appended to it.
		s.Model.SetHashState(obj, HashedAndMoved)
	}

	size := s.Model.Size(obj)
	dst, ok := s.Space.Alloc(size)
	if !ok {
		if s.err == nil {
			s.err = errors.New("copying: to-space exhausted during scavenge")
		}
		return obj
	}

	s.Model.CopyBody(obj, dst)
	s.Model.SetHashState(dst, s.Model.HashState(obj))
	s.Model.WritePointer(obj, installForward(dst))
	if s.Log != nil {
		s.Log.Debug("scavenged object", zap.Uintptr("from", obj), zap.Uintptr("to", dst), zap.Uintptr("size", size))
	}
	return dst
}

// drainQueue scans every to-space block the block queue hands back,
// rewriting reference fields to their (possibly freshly copied)
// to-space addresses, until the queue — including any growth of the
// block currently receiving bump allocations — goes quiet.
func (s *Scavenger) drainQueue() {
	for {
		idx, span, ok := s.Space.DequeueScan()
		if !ok {
			return
		}
		lo, hi := s.Space.ScanBounds(idx, span)
		s.scanBlock(lo, hi)
		s.Space.Requeue(idx, hi)
	}
}

func (s *Scavenger) scanBlock(lo, hi uintptr) {
	p := lo
	for p < hi {
		ci := s.Model.ClassOf(p)
		gcroot.VisitObjectFields(s.Model, p, gcroot.ObjectVisitorFunc(func(slot uintptr) {
			child := s.Model.ReadPointer(slot)
			if child != 0 {
				s.Model.WritePointer(slot, s.scavengeObject(child))
			}
		}))
		if ci != nil && ci.Flags&gcroot.FlagReference != 0 {
			s.considerReferenceObject(p, ci)
		}
		size := s.Model.Size(p)
		if size == 0 {
			break // malformed layout; avoid spinning forever
		}
		p += size
	}
}

func (s *Scavenger) considerReferenceObject(obj uintptr, ci *gcroot.ClassInfo) {
	referent := s.Refs.Referent(obj)
	if referent == 0 || !s.isWhite(referent) {
		return
	}
	s.listFor(ci.Flags).Enqueue(obj)
}

func (s *Scavenger) listFor(flags gcroot.Flags) *gcroot.PendingList {
	switch {
	case flags&gcroot.FlagPhantom != 0:
		return s.phantom
	case flags&gcroot.FlagFinalizer != 0:
		return s.fin
	case flags&gcroot.FlagWeak != 0:
		return s.weak
	default:
		return s.soft
	}
}

// isWhite reports whether addr still denotes an unreached from-space
// object: not yet promoted/copied into to-space.
func (s *Scavenger) isWhite(addr uintptr) bool {
	idx := s.Space.BlockIndex(addr)
	if s.Space.State(idx) == StateTo {
		return false
	}
	return !isForwarded(s.Model.ReadPointer(addr))
}

// processReferences runs the same strength-ordered sequence as
// marksweep.Collector: optionally preserve reachable soft referents,
// clear white soft and weak referents, resurrect and notify finalizer
// referents, then clear white soft/weak/phantom referents once more now
// that finalizer resurrection may have changed reachability.
func (s *Scavenger) processReferences(doPreserve bool) {
	if doPreserve {
		s.soft.Drain(func(ref uintptr) {
			if referent := s.Refs.Referent(ref); referent != 0 {
				s.Refs.SetReferent(ref, s.scavengeObject(referent))
			}
		})
		s.drainQueue()
	}

	s.clearWhiteList(s.soft)
	s.clearWhiteList(s.weak)

	s.fin.Drain(func(ref uintptr) {
		referent := s.Refs.Referent(ref)
		if !s.isWhite(referent) {
			return
		}
		s.Refs.SetReferent(ref, s.scavengeObject(referent))
		if s.OnFinalizable != nil {
			s.OnFinalizable(ref)
		}
	})
	s.drainQueue()

	s.clearWhiteList(s.soft)
	s.clearWhiteList(s.weak)
	s.clearWhiteList(s.phantom)
}

func (s *Scavenger) clearWhiteList(list *gcroot.PendingList) {
	list.Drain(func(ref uintptr) {
		referent := s.Refs.Referent(ref)
		if referent == 0 || !s.isWhite(referent) {
			return
		}
		s.Refs.SetReferent(ref, 0)
		gcroot.EnqueueForClearing(s.Refs, s.pendingEnqueue, ref)
	})
}
