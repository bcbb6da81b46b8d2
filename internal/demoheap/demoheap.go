// Package demoheap wires a HeapSource and a mark-sweep Collector behind
// the simplest ObjectModel that satisfies gcroot's contract: every
// tracked allocation is a flagless leaf object, and liveness is driven
// entirely by an explicit root set the caller manages. cmd/heapctl and
// cmd/jdwpd both use it to exercise the real allocator and collector
// without a managed runtime attached.
package demoheap

import (
	"go.uber.org/zap"

	"github.com/oakvm/heapcore/gcroot"
	"github.com/oakvm/heapcore/heapsource"
	"github.com/oakvm/heapcore/hprof"
	"github.com/oakvm/heapcore/marksweep"
)

// Harness owns one HeapSource and the Collector wired against it.
type Harness struct {
	Heap *heapsource.HeapSource
	GC   *marksweep.Collector

	rooted map[uintptr]bool
}

// New reserves a HeapSource per cfg and wires a Collector against it.
func New(cfg heapsource.Config) (*Harness, error) {
	heap, err := heapsource.New(cfg)
	if err != nil {
		return nil, err
	}
	h := &Harness{Heap: heap, rooted: map[uintptr]bool{}}
	h.GC = marksweep.NewCollector(heap, h, h)
	h.GC.Roots = h
	h.GC.Log = cfg.Logger
	if h.GC.Log == nil {
		h.GC.Log = zap.NewNop()
	}
	return h, nil
}

// ClassOf: every tracked allocation is a flagless leaf with no
// reference fields to walk.
func (h *Harness) ClassOf(obj uintptr) *gcroot.ClassInfo { return &gcroot.ClassInfo{} }

// ReadPointer doubles as the root-slot reader markRootSet calls: a
// rooted address is its own "slot", read back as itself, which is what
// keeps it marked live across a collection.
func (h *Harness) ReadPointer(slot uintptr) uintptr {
	if h.rooted[slot] {
		return slot
	}
	return 0
}

func (h *Harness) WritePointer(slot, val uintptr) {}

// ReferenceOps: unreachable for leaf objects but required to satisfy
// marksweep.NewCollector's signature.
func (h *Harness) Referent(ref uintptr) uintptr    { return 0 }
func (h *Harness) SetReferent(ref, val uintptr)    {}
func (h *Harness) PendingNext(ref uintptr) uintptr { return 0 }
func (h *Harness) SetPendingNext(ref, val uintptr) {}
func (h *Harness) Queue(ref uintptr) uintptr       { return 0 }
func (h *Harness) QueueNext(ref uintptr) uintptr   { return 0 }
func (h *Harness) SetQueueNext(ref, val uintptr)   {}

// EnumerateRoots visits every address marked as rooted since the last
// collection — the stand-in for the "interpreter stack frames + JNI
// locals" a real MutatorRuntime would enumerate.
func (h *Harness) EnumerateRoots(visitor gcroot.RootVisitor) {
	for addr := range h.rooted {
		visitor.VisitRoot(addr, gcroot.RootJavaFrame)
	}
}

// Alloc allocates n bytes and, if root is true, keeps it reachable
// across the next collection.
func (h *Harness) Alloc(n uintptr, root bool) (uintptr, bool) {
	addr, ok := h.Heap.Alloc(n)
	if ok && root {
		h.rooted[addr] = true
	}
	return addr, ok
}

// Drop removes addr from the root set, making it collectible garbage.
func (h *Harness) Drop(addr uintptr) {
	delete(h.rooted, addr)
}

// RootCount reports how many addresses are currently rooted.
func (h *Harness) RootCount() int { return len(h.rooted) }

// leafClass is the single class every demoheap allocation belongs to: a
// fieldless instance, the simplest shape hprof's Dumper needs a
// ClassCatalog to describe.
var leafClass = &gcroot.ClassInfo{}

// Catalog implements hprof.ClassCatalog for the one class demoheap ever
// allocates. A real catalog would come from a managed runtime's class
// loader; this module has none, so the single leaf class stands in.
type Catalog struct{}

func (Catalog) AllClasses() []*gcroot.ClassInfo          { return []*gcroot.ClassInfo{leafClass} }
func (Catalog) ClassID(ci *gcroot.ClassInfo) uintptr     { return 1 }
func (Catalog) SuperID(ci *gcroot.ClassInfo) uintptr     { return 0 }
func (Catalog) Name(ci *gcroot.ClassInfo) string         { return "demoheap.Leaf" }
func (Catalog) InstanceSize(ci *gcroot.ClassInfo) uint32 { return 0 }
func (Catalog) InstanceFields(ci *gcroot.ClassInfo) []hprof.FieldDesc {
	return nil
}
func (Catalog) ElementTag(ci *gcroot.ClassInfo) byte { return 0 }

// Dumper returns an hprof.Dumper wired against this harness's live heap.
func (h *Harness) Dumper(now uint64) *hprof.Dumper {
	return &hprof.Dumper{
		Bits:    h.Heap.LiveBits(),
		Model:   h,
		Catalog: Catalog{},
		Roots:   h,
		Now:     now,
	}
}
