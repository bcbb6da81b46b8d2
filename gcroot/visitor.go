// Package gcroot defines the polymorphic traversal contracts spec.md §4
// calls RootVisitor and ObjectVisitor: callbacks the collector drives
// over root slots and over the reference-typed fields inside a live
// object, plus the class-metadata shape (ClassInfo) and memory-access
// shape (ObjectModel) those callbacks need from the managed runtime.
//
// Grounded on the teacher's typekind.go (the Kind enum + per-kind
// reflection used by the runtime's own conservative/precise scanners)
// for the flag-dispatch shape, and on type.go's gcdata/ptrdata
// pointer/scalar bitmap convention for ReferenceOffsets.
package gcroot

// RootKind enumerates the GC root categories spec.md §6 maps to HPROF
// root tags and this package's callers enumerate via RootVisitor.
type RootKind int

const (
	RootJNIGlobal RootKind = iota
	RootJNILocal
	RootJavaFrame
	RootNativeStack
	RootStickyClass
	RootThreadBlock
	RootMonitorUsed
	RootThreadObject
	RootInternedString
	RootFinalizing
	RootDebugger
	RootReferenceCleanup
	RootVMInternal
	RootJNIMonitor
)

func (k RootKind) String() string {
	switch k {
	case RootJNIGlobal:
		return "jni-global"
	case RootJNILocal:
		return "jni-local"
	case RootJavaFrame:
		return "java-frame"
	case RootNativeStack:
		return "native-stack"
	case RootStickyClass:
		return "sticky-class"
	case RootThreadBlock:
		return "thread-block"
	case RootMonitorUsed:
		return "monitor-used"
	case RootThreadObject:
		return "thread-object"
	case RootInternedString:
		return "interned-string"
	case RootFinalizing:
		return "finalizing"
	case RootDebugger:
		return "debugger"
	case RootReferenceCleanup:
		return "reference-cleanup"
	case RootVMInternal:
		return "vm-internal"
	case RootJNIMonitor:
		return "jni-monitor"
	default:
		return "unknown-root"
	}
}

// RootVisitor enumerates roots. addr is the address OF THE SLOT holding
// the reference (so a visitor may rewrite it, e.g. the copying engine's
// scavenger), not the referent itself.
type RootVisitor interface {
	VisitRoot(addr uintptr, kind RootKind)
}

// RootVisitorFunc adapts a plain function to RootVisitor.
type RootVisitorFunc func(addr uintptr, kind RootKind)

func (f RootVisitorFunc) VisitRoot(addr uintptr, kind RootKind) { f(addr, kind) }

// ObjectVisitor visits one reference-typed field slot inside a live
// object.
type ObjectVisitor interface {
	VisitReference(slot uintptr)
}

// ObjectVisitorFunc adapts a plain function to ObjectVisitor.
type ObjectVisitorFunc func(slot uintptr)

func (f ObjectVisitorFunc) VisitReference(slot uintptr) { f(slot) }

// Flags describes the per-class dispatch bits spec.md §3's object header
// lists (ISARRAY, ISOBJECTARRAY, ISREFERENCE, ISWEAK, ISPHANTOM,
// ISFINALIZER) plus a WalkSuper sentinel for classes without a packed
// reference-offset map.
type Flags uint16

const (
	FlagClassObject Flags = 1 << iota
	FlagArray
	FlagObjectArray
	FlagReference
	FlagWeak
	FlagPhantom
	FlagFinalizer
	FlagWalkSuper
)

// ClassInfo is the per-class metadata the collector needs to walk one
// instance's reference fields. The managed runtime (out of scope for
// this module) is the real producer of these; tests and the simulated
// object models in marksweep/copying build them directly.
type ClassInfo struct {
	Flags Flags

	// ReferenceOffsets holds the byte offsets (from the object base) of
	// every reference-typed instance field this class declares. They are
	// always walked; Super's are walked as well when FlagWalkSuper is
	// set. Ignored for arrays and class objects.
	ReferenceOffsets []uintptr

	// Super is consulted when FlagWalkSuper is set: superclass instance
	// fields are walked in addition to this class's own.
	Super *ClassInfo

	// StaticReferenceOffsets and LoaderOffset/SuperClassOffset/
	// ComponentTypeOffset apply only when FlagClassObject is set —
	// the class-object walk visits the superclass, loader, and (for array
	// classes) component type slots plus every static reference slot.
	// The class object's own class pointer is not visited.
	StaticReferenceOffsets []uintptr
	LoaderOffset           uintptr
	SuperClassOffset       uintptr
	ComponentTypeOffset    uintptr
	HasLoader              bool
	HasSuperClass          bool
	HasComponentType       bool

	// ReferentOffset and QueueNextOffset locate the two
	// reference-object-only slots; ReferentOffset is excluded from the
	// ordinary field walk when FlagReference is set (spec.md §4.6: "do
	// NOT mark" the referent directly).
	ReferentOffset  uintptr
	QueueNextOffset uintptr

	// ElementSize / Length apply only to arrays: Length(obj) reads the
	// array's element count so scanArrayObject knows how far to walk.
	ElementSize uintptr
	Length      func(obj uintptr) int
}

// ObjectModel is the memory-access contract gcroot needs from whatever
// owns the actual object bytes: read/write a pointer-sized slot, and look
// up an object's ClassInfo. Real integration wires this to the managed
// runtime's object layout; tests back it with a plain map.
type ObjectModel interface {
	ClassOf(obj uintptr) *ClassInfo
	ReadPointer(slot uintptr) uintptr
	WritePointer(slot, val uintptr)
}

// VisitObjectFields dispatches obj by its class's flags and invokes
// visitor on every reference-typed field slot, following spec.md §4.6's
// scanClassObject / scanArrayObject / scanDataObject split. It does not
// itself mark anything — marking is the caller's (marksweep's or
// copying's) job, performed inside the visitor callback.
func VisitObjectFields(model ObjectModel, obj uintptr, visitor ObjectVisitor) {
	ci := model.ClassOf(obj)
	if ci == nil {
		return
	}
	switch {
	case ci.Flags&FlagClassObject != 0:
		visitClassObject(obj, ci, visitor)
	case ci.Flags&FlagObjectArray != 0:
		visitArrayObject(model, obj, ci, visitor)
	default:
		visitDataObject(obj, ci, visitor)
	}
}

func visitClassObject(obj uintptr, ci *ClassInfo, visitor ObjectVisitor) {
	if ci.HasSuperClass {
		visitor.VisitReference(obj + ci.SuperClassOffset)
	}
	if ci.HasLoader {
		visitor.VisitReference(obj + ci.LoaderOffset)
	}
	if ci.HasComponentType {
		visitor.VisitReference(obj + ci.ComponentTypeOffset)
	}
	for _, off := range ci.StaticReferenceOffsets {
		visitor.VisitReference(obj + off)
	}
}

func visitArrayObject(model ObjectModel, obj uintptr, ci *ClassInfo, visitor ObjectVisitor) {
	if ci.Length == nil {
		return
	}
	n := ci.Length(obj)
	headerAndLen := uintptr(0) // caller's Length already accounts for any header via ElementSize offset convention
	for i := 0; i < n; i++ {
		slot := obj + headerAndLen + uintptr(i)*ci.ElementSize
		visitor.VisitReference(slot)
	}
}

func visitDataObject(obj uintptr, ci *ClassInfo, visitor ObjectVisitor) {
	for c := ci; c != nil; {
		for _, off := range c.ReferenceOffsets {
			if c.Flags&FlagReference != 0 && off == c.ReferentOffset {
				continue
			}
			visitor.VisitReference(obj + off)
		}
		if c.Flags&FlagWalkSuper != 0 {
			c = c.Super
			continue
		}
		break
	}
}
