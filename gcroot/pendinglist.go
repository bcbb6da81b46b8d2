package gcroot

// ReferenceKind is the strength of a reference object, in the processing
// order spec.md §4.6 requires: soft, weak, finalizer, phantom.
type ReferenceKind int

const (
	ReferenceSoft ReferenceKind = iota
	ReferenceWeak
	ReferenceFinalizer
	ReferencePhantom
)

func (k ReferenceKind) String() string {
	switch k {
	case ReferenceSoft:
		return "soft"
	case ReferenceWeak:
		return "weak"
	case ReferenceFinalizer:
		return "finalizer"
	case ReferencePhantom:
		return "phantom"
	default:
		return "unknown-reference-kind"
	}
}

// ReferenceOps is the runtime-provided accessor for the handful of slots
// every reference object carries, the way ObjectModel is the accessor
// for ordinary fields. A zero slot value means "null" throughout.
type ReferenceOps interface {
	Referent(ref uintptr) uintptr
	SetReferent(ref uintptr, val uintptr)
	PendingNext(ref uintptr) uintptr
	SetPendingNext(ref uintptr, val uintptr)
	Queue(ref uintptr) uintptr
	QueueNext(ref uintptr) uintptr
	SetQueueNext(ref uintptr, val uintptr)
}

// PendingList is the circular pendingNext intrusive worklist spec.md §9
// describes: a head/tail pair plus each reference object's own "next"
// slot. The GC is the sole writer during reference processing; no
// ownership is conveyed by the links themselves.
type PendingList struct {
	ops  ReferenceOps
	head uintptr
	tail uintptr
}

func NewPendingList(ops ReferenceOps) *PendingList {
	return &PendingList{ops: ops}
}

// Enqueue appends ref iff it is not already linked (pendingNext == 0),
// per spec.md §4.6's "enqueue ... if and only if its pendingNext slot is
// null". Reports whether it was actually enqueued.
func (l *PendingList) Enqueue(ref uintptr) bool {
	if l.ops.PendingNext(ref) != 0 {
		return false
	}
	if l.head == 0 {
		l.ops.SetPendingNext(ref, ref) // circular: singleton points to itself
		l.head, l.tail = ref, ref
		return true
	}
	l.ops.SetPendingNext(ref, l.head)
	l.ops.SetPendingNext(l.tail, ref)
	l.tail = ref
	return true
}

func (l *PendingList) Empty() bool { return l.head == 0 }

// Drain visits every reference in insertion order, unlinking each as it
// goes, and empties the list.
func (l *PendingList) Drain(cb func(ref uintptr)) {
	if l.head == 0 {
		return
	}
	cur := l.head
	for {
		next := l.ops.PendingNext(cur)
		l.ops.SetPendingNext(cur, 0)
		cb(cur)
		if cur == l.tail {
			break
		}
		cur = next
	}
	l.head, l.tail = 0, 0
}

// EnqueueForClearing appends ref to the runtime's pending-enqueue list
// (spec.md §4.6 step 2: "append to the runtime's pending-enqueue list")
// when it is enqueueable — its Queue() is non-null and QueueNext() is
// still null — and reports whether it did so.
func EnqueueForClearing(ops ReferenceOps, pendingEnqueue *PendingList, ref uintptr) bool {
	if ops.Queue(ref) == 0 || ops.QueueNext(ref) != 0 {
		return false
	}
	ops.SetQueueNext(ref, ref)
	return pendingEnqueue.Enqueue(ref)
}
