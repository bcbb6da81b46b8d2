// Package gcspec defines the GcSpec tuple (spec.md §3) that callers pass to
// invoke a collection, shared by heapsource, marksweep and copying so none
// of them import each other just to agree on collection policy.
package gcspec

// Spec is the tuple describing one requested collection.
type Spec struct {
	// IsPartial collects only the active sub-heap; older (zygote)
	// sub-heaps are treated as immune.
	IsPartial bool
	// IsConcurrent overlaps tracing with mutators, relying on the
	// card-table write barrier.
	IsConcurrent bool
	// DoPreserve keeps soft referents alive; when false, soft
	// references are cleared unconditionally (the pre-OOM policy).
	DoPreserve bool
	// Reason is a short diagnostic string surfaced in logs and traces.
	Reason string
}

// Predefined specs from spec.md §3.
var (
	ForMalloc  = Spec{IsPartial: true, IsConcurrent: false, DoPreserve: true, Reason: "GC_FOR_ALLOC"}
	Concurrent = Spec{IsPartial: true, IsConcurrent: true, DoPreserve: true, Reason: "GC_CONCURRENT"}
	Explicit   = Spec{IsPartial: false, IsConcurrent: true, DoPreserve: true, Reason: "GC_EXPLICIT"}
	BeforeOOM  = Spec{IsPartial: false, IsConcurrent: false, DoPreserve: false, Reason: "GC_BEFORE_OOM"}
)
