// Package marksweep implements the concurrent tri-color mark-sweep
// engine from spec.md §4.6: root marking, recursive gray-object scan,
// card-table-based concurrent remark, strength-ordered reference
// processing, system-weak sweep, and bulk free-list sweep.
//
// Grounded on the teacher's mgcsweep.go for the sweep-as-bulk-free shape
// (sweepone walking a span's mark bits and returning runs to mcentral)
// and on proc.go's stop-the-world bracket (stopTheWorld/startTheWorld)
// for the suspend/resume phases, generalized to spec.md's explicit
// four-phase state machine.
package marksweep

import (
	"errors"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oakvm/heapcore/gcroot"
	"github.com/oakvm/heapcore/gcspec"
	"github.com/oakvm/heapcore/heapsource"
	"github.com/oakvm/heapcore/internal/bitmap"
	"github.com/oakvm/heapcore/internal/cardtable"
	"github.com/oakvm/heapcore/internal/fatal"
)

// RootEnumerator is the MutatorRuntime contract spec.md §6 calls
// "enumerate roots": invoke visitor.VisitRoot for every root slot
// (thread stacks, JNI tables, interned strings, globals).
type RootEnumerator interface {
	EnumerateRoots(visitor gcroot.RootVisitor)
}

// SystemWeaks lets the collector sweep interned strings, the monitor
// list, and weak JNI globals (spec.md §4.6's "system-weak sweep").
// Implementations call cb(slot) for every tracked slot and are
// responsible for clearing the slot (or setting it to their own
// cleared-sentinel) when cb returns false.
type SystemWeaks interface {
	VisitWeaks(cb func(slot uintptr) (keep bool))
}

// Collector runs spec.md §4.6's state machine against one HeapSource.
type Collector struct {
	Heap  *heapsource.HeapSource
	Model gcroot.ObjectModel
	Refs  gcroot.ReferenceOps
	Roots RootEnumerator
	Cards *cardtable.CardTable
	Weaks SystemWeaks

	// Suspend/Resume bracket each stop-the-world phase. Left nil when
	// the caller is already single-threaded, as in this package's tests.
	Suspend func()
	Resume  func()

	// ImmuneLo/ImmuneHi mark the zygote sub-heap's range: during a
	// partial collection its live bits are copied into mark bits up
	// front instead of being traced.
	ImmuneLo, ImmuneHi uintptr

	// MarkStackCapacity bounds the mark stack; 0 means unbounded. A
	// real VM sizes this so every live object could be stacked at once
	// (spec.md §3) and treats overflow as the fatal condition it is.
	MarkStackCapacity int

	Log *zap.Logger

	// GCCount/GCPauseSeconds, if set, are updated at the end of every
	// successful Collect — cmd/jdwpd's Prometheus endpoint surfaces
	// collection count and pause-time distribution.
	GCCount        prometheus.Counter
	GCPauseSeconds prometheus.Histogram

	markStack                []uintptr
	soft, weak, fin, phantom *gcroot.PendingList
	pendingEnqueue           *gcroot.PendingList
}

// NewCollector wires a Collector against one heap. roots, cards, and
// weaks may be nil — a collector with no RootEnumerator simply performs
// no root marking (useful for tests that seed mark bits directly).
func NewCollector(heap *heapsource.HeapSource, model gcroot.ObjectModel, refs gcroot.ReferenceOps) *Collector {
	return &Collector{
		Heap:           heap,
		Model:          model,
		Refs:           refs,
		Log:            zap.NewNop(),
		soft:           gcroot.NewPendingList(refs),
		weak:           gcroot.NewPendingList(refs),
		fin:            gcroot.NewPendingList(refs),
		phantom:        gcroot.NewPendingList(refs),
		pendingEnqueue: gcroot.NewPendingList(refs),
	}
}

// PendingEnqueue exposes the list of references awaiting delivery to the
// application's reference queues (spec.md §4.6 step 2's "runtime's
// pending-enqueue list") so the owner can drain it via
// runFinalization()/enqueueClearedReferences() after Collect returns.
func (c *Collector) PendingEnqueue() *gcroot.PendingList { return c.pendingEnqueue }

// Collect runs one full collection per spec. Only one collection may run
// at a time (spec.md §3's gcRunning invariant).
func (c *Collector) Collect(spec gcspec.Spec) error {
	if c.Heap.GCRunning() {
		return errors.New("marksweep: a collection is already running")
	}
	c.Heap.SetGCRunning(true)
	defer c.Heap.SetGCRunning(false)
	start := time.Now()

	c.log().Info("gc begin", zap.String("reason", spec.Reason), zap.Bool("concurrent", spec.IsConcurrent), zap.Bool("partial", spec.IsPartial))

	if c.Suspend != nil {
		c.Suspend()
	}

	// The mark bitmap may still hold the previous cycle's live set (it
	// was the live bitmap before the last sweep's swap); start this
	// cycle's trace from empty.
	c.Heap.MarkBits().Zero()

	c.markRootSet(spec)
	c.scanMarkedObjects()

	if spec.IsConcurrent {
		if c.Resume != nil {
			c.Resume()
		}
		// Concurrent trace: mutators run here in production, dirtying
		// cards via the write barrier as they store references. This
		// package has no real concurrent mutator to race against, so
		// the call below stands in for "whatever the barrier missed
		// gets picked up by the dirty-card scan below" — re-running
		// scanMarkedObjects is idempotent (SetAndReturnOld no-ops on
		// already-marked objects).
		c.scanMarkedObjects()
		if c.Suspend != nil {
			c.Suspend()
		}
		c.remarkDirtyCards(spec)
	}

	c.processReferences(spec)
	c.sweepSystemWeaks()

	err := c.sweep(spec)

	if c.Resume != nil {
		c.Resume()
	}

	if err != nil {
		c.log().Error("gc sweep failed", zap.Error(err))
		return err
	}
	if c.GCCount != nil {
		c.GCCount.Inc()
	}
	if c.GCPauseSeconds != nil {
		c.GCPauseSeconds.Observe(time.Since(start).Seconds())
	}
	c.log().Info("gc end", zap.String("reason", spec.Reason))
	return nil
}

func (c *Collector) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

// markRootSet copies the immune region's live bits into mark bits (for a
// partial collection) and then test-and-sets the mark bit for every root
// referent, without pushing to the mark stack — scanMarkedObjects will
// discover roots via the bitmap walk itself.
func (c *Collector) markRootSet(spec gcspec.Spec) {
	if spec.IsPartial && c.ImmuneHi > c.ImmuneLo {
		c.Heap.MarkBits().CopyRange(c.Heap.LiveBits(), c.ImmuneLo, c.ImmuneHi)
	}
	if c.Roots == nil {
		return
	}
	c.Roots.EnumerateRoots(gcroot.RootVisitorFunc(func(slot uintptr, _ gcroot.RootKind) {
		ref := c.Model.ReadPointer(slot)
		if ref == 0 {
			return
		}
		c.Heap.MarkBits().SetAndReturnOld(ref)
	}))
}

// scanMarkedObjects is spec.md §4.6's scanMarkedObjects: walk the mark
// bitmap, dispatching each marked object by class flags, then drain the
// mark stack for anything discovered below the walk's current finger.
func (c *Collector) scanMarkedObjects() {
	c.Heap.MarkBits().ScanWalk(func(obj, finger uintptr) {
		c.scanOneObject(obj, finger)
	})
	c.drainMarkStack()
}

func (c *Collector) drainMarkStack() {
	for len(c.markStack) > 0 {
		obj := c.markStack[len(c.markStack)-1]
		c.markStack = c.markStack[:len(c.markStack)-1]
		c.scanOneObject(obj, ^uintptr(0))
	}
}

func (c *Collector) pushMarkStack(obj uintptr) {
	if c.MarkStackCapacity > 0 && len(c.markStack) >= c.MarkStackCapacity {
		fatal.Throw("marksweep: mark stack overflow at capacity %d", c.MarkStackCapacity)
	}
	c.markStack = append(c.markStack, obj)
}

// scanOneObject dispatches obj per spec.md §4.6's scanClassObject /
// scanArrayObject / scanDataObject split (delegated to
// gcroot.VisitObjectFields), marking every reference field found and
// pushing to the mark stack anything discovered below finger. Reference
// objects additionally get considered for the strength-ordered pending
// lists before their (non-referent) fields are walked.
func (c *Collector) scanOneObject(obj, finger uintptr) {
	ci := c.Model.ClassOf(obj)
	if ci == nil {
		return
	}
	if ci.Flags&gcroot.FlagReference != 0 {
		c.considerReferenceObject(obj, ci)
	}
	gcroot.VisitObjectFields(c.Model, obj, gcroot.ObjectVisitorFunc(func(slot uintptr) {
		ref := c.Model.ReadPointer(slot)
		if ref == 0 {
			return
		}
		wasSet := c.Heap.MarkBits().SetAndReturnOld(ref)
		if !wasSet && ref < finger {
			c.pushMarkStack(ref)
		}
	}))
}

func (c *Collector) considerReferenceObject(obj uintptr, ci *gcroot.ClassInfo) {
	referent := c.Refs.Referent(obj)
	if referent == 0 || c.Heap.MarkBits().Test(referent) {
		return
	}
	c.listFor(ci.Flags).Enqueue(obj)
}

func (c *Collector) listFor(flags gcroot.Flags) *gcroot.PendingList {
	switch {
	case flags&gcroot.FlagPhantom != 0:
		return c.phantom
	case flags&gcroot.FlagFinalizer != 0:
		return c.fin
	case flags&gcroot.FlagWeak != 0:
		return c.weak
	default:
		return c.soft
	}
}

// remarkDirtyCards is the concurrent-remark pass: re-mark roots
// conservatively, then find dirty cards and scan every marked object
// within them (spec.md §4.6's scanGrayObjects, simplified to reuse the
// mark-bitmap walk rather than a raw memory parse since this module has
// no real object headers to parse linearly).
func (c *Collector) remarkDirtyCards(spec gcspec.Spec) {
	c.markRootSet(spec)
	if c.Cards == nil {
		return
	}
	lo, hi := c.scanRange(spec)
	c.Cards.ScanDirty(lo, hi, func(cardBase, cardEnd uintptr) {
		c.Heap.MarkBits().WalkRange(cardBase, cardEnd, func(obj uintptr) {
			c.scanOneObject(obj, ^uintptr(0))
		})
	})
	c.drainMarkStack()
}

func (c *Collector) scanRange(spec gcspec.Spec) (lo, hi uintptr) {
	if spec.IsPartial {
		return c.Heap.ActiveRange()
	}
	mb := c.Heap.MarkBits()
	hi = mb.Max() + bitmap.Align
	return mb.Base(), hi
}

// processReferences runs the strength-ordered protocol from spec.md
// §4.6: preserve (if requested), clear white soft/weak, process
// finalizers (which may resurrect transitively reachable objects), clear
// soft/weak again to catch finalizer-resurrected chains, then phantom.
func (c *Collector) processReferences(spec gcspec.Spec) {
	if spec.DoPreserve {
		c.preserveSomeSoftReferences()
	}
	c.clearWhiteReferences(c.soft)
	c.clearWhiteReferences(c.weak)
	c.enqueueFinalizerReferences()
	c.clearWhiteReferences(c.soft)
	c.clearWhiteReferences(c.weak)
	c.clearWhiteReferences(c.phantom)
}

// preserveSomeSoftReferences biases toward keeping every other soft
// referent alive (spec.md §9 flags this "every other" policy as possibly
// a placeholder; implemented as written since no replacement policy is
// specified). Preserved entries are marked and dropped from the list
// entirely; the rest remain for clearWhiteReferences.
func (c *Collector) preserveSomeSoftReferences() {
	if c.soft.Empty() {
		return
	}
	counter := 0
	var remaining []uintptr
	c.soft.Drain(func(ref uintptr) {
		counter++
		if counter&1 == 1 {
			if referent := c.Refs.Referent(ref); referent != 0 {
				c.Heap.MarkBits().SetAndReturnOld(referent)
			}
			return
		}
		remaining = append(remaining, ref)
	})
	for _, ref := range remaining {
		c.soft.Enqueue(ref)
	}
}

// clearWhiteReferences drains list, clearing the referent of (and
// scheduling for application delivery) every reference whose referent
// did not end up marked.
func (c *Collector) clearWhiteReferences(list *gcroot.PendingList) {
	list.Drain(func(ref uintptr) {
		referent := c.Refs.Referent(ref)
		if referent == 0 || c.Heap.MarkBits().Test(referent) {
			return
		}
		c.Refs.SetReferent(ref, 0)
		gcroot.EnqueueForClearing(c.Refs, c.pendingEnqueue, ref)
	})
}

// enqueueFinalizerReferences drains list. A reference whose referent is
// already marked is still strongly reachable by some other path and is
// dropped with no side effect; only a reference whose referent is
// unmarked (garbage) gets it: the referent is marked so it survives one
// more cycle, then the referent slot is cleared (a real runtime
// additionally moves it to a "zombie" slot, outside this module's scope)
// and the reference is scheduled for delivery.
func (c *Collector) enqueueFinalizerReferences() {
	c.fin.Drain(func(ref uintptr) {
		referent := c.Refs.Referent(ref)
		if referent == 0 || c.Heap.MarkBits().Test(referent) {
			return
		}
		c.Heap.MarkBits().SetAndReturnOld(referent)
		c.pushMarkStack(referent)
		c.Refs.SetReferent(ref, 0)
		gcroot.EnqueueForClearing(c.Refs, c.pendingEnqueue, ref)
	})
	c.drainMarkStack()
}

// sweepSystemWeaks visits interned strings, the monitor list, and weak
// JNI globals, keeping an entry iff its referent is marked.
func (c *Collector) sweepSystemWeaks() {
	if c.Weaks == nil {
		return
	}
	c.Weaks.VisitWeaks(func(slot uintptr) bool {
		ref := c.Model.ReadPointer(slot)
		if ref == 0 {
			return true
		}
		return c.Heap.MarkBits().Test(ref)
	})
}

// sweep swaps live/mark bitmaps and bulk-frees everything that was live
// but did not get marked, batch by batch, taking the heap lock around
// each batch so concurrent allocation can interleave.
func (c *Collector) sweep(spec gcspec.Spec) error {
	prevLive := c.Heap.LiveBits()
	prevMark := c.Heap.MarkBits()
	c.Heap.SwapBitmaps()

	lo, hi := c.scanRangeForSweep(spec, prevLive, prevMark)

	var sweepErr error
	bitmap.SweepWalk(prevLive, prevMark, lo, hi, func(ptrs []uintptr) {
		if sweepErr != nil {
			return
		}
		sorted := append([]uintptr(nil), ptrs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		// FreeList takes the heap lock internally for the duration of
		// this one batch, letting mutators allocate between batches —
		// spec.md §4.6's concurrent-sweep requirement, satisfied here
		// without a second, redundant lock/unlock around the call.
		_, err := c.Heap.FreeList(sorted)
		if err != nil {
			sweepErr = err
		}
	})
	return sweepErr
}

func (c *Collector) scanRangeForSweep(spec gcspec.Spec, live, mark *bitmap.Bitmap) (lo, hi uintptr) {
	if spec.IsPartial {
		return c.Heap.ActiveRange()
	}
	hi = live.Max()
	if mark.Max() > hi {
		hi = mark.Max()
	}
	return live.Base(), hi + bitmap.Align
}
