package hprof

import "github.com/oakvm/heapcore/gcroot"

// Basic type tags, used by FIELD descriptors and primitive-array dumps
// (spec.md §4.8's CLASS_DUMP / PRIMITIVE_ARRAY_DUMP sub-records).
const (
	TypeObject  byte = 2
	TypeBoolean byte = 4
	TypeChar    byte = 5
	TypeFloat   byte = 6
	TypeDouble  byte = 7
	TypeByte    byte = 8
	TypeShort   byte = 9
	TypeInt     byte = 10
	TypeLong    byte = 11
)

func typeSize(tag byte) uint32 {
	switch tag {
	case TypeObject:
		return identifierSize
	case TypeBoolean, TypeByte:
		return 1
	case TypeChar, TypeShort:
		return 2
	case TypeFloat, TypeInt:
		return 4
	case TypeDouble, TypeLong:
		return 8
	default:
		return 0
	}
}

// FieldDesc describes one instance field for a CLASS_DUMP record and
// tells the instance dumper where (and how wide) to read its value from.
type FieldDesc struct {
	Name   string
	Tag    byte
	Offset uintptr
}

// ClassCatalog supplies the class metadata spec.md §4.8 needs beyond
// what gcroot.ClassInfo already carries: stable HPROF object ids, names,
// and field layouts. Out of scope to derive mechanically (no real class
// loader in this module); the owner (or a test fake) provides it.
type ClassCatalog interface {
	// AllClasses enumerates every loaded class, for the strings+classes
	// prefix emitted before any instance data.
	AllClasses() []*gcroot.ClassInfo

	ClassID(ci *gcroot.ClassInfo) uintptr
	SuperID(ci *gcroot.ClassInfo) uintptr
	Name(ci *gcroot.ClassInfo) string
	InstanceSize(ci *gcroot.ClassInfo) uint32
	InstanceFields(ci *gcroot.ClassInfo) []FieldDesc

	// ElementTag returns the JVM basic-type tag for a primitive array's
	// element type, or 0 if ci does not describe a primitive array.
	ElementTag(ci *gcroot.ClassInfo) byte
}

// rootTag maps a gcroot.RootKind to the HPROF root sub-record tag the
// heap-dump body uses, following the numbering JAVA PROFILE 1.0.3
// assigns GC roots.
func rootTag(k gcroot.RootKind) byte {
	switch k {
	case gcroot.RootJNIGlobal:
		return 0x01
	case gcroot.RootJNILocal:
		return 0x02
	case gcroot.RootJavaFrame:
		return 0x03
	case gcroot.RootNativeStack:
		return 0x04
	case gcroot.RootStickyClass:
		return 0x05
	case gcroot.RootThreadBlock:
		return 0x06
	case gcroot.RootMonitorUsed:
		return 0x07
	case gcroot.RootThreadObject:
		return 0x08
	case gcroot.RootInternedString:
		return 0x89
	case gcroot.RootFinalizing:
		return 0x8a
	case gcroot.RootDebugger:
		return 0x8b
	case gcroot.RootReferenceCleanup:
		return 0x8c
	case gcroot.RootVMInternal:
		return 0x8d
	case gcroot.RootJNIMonitor:
		return 0x8e
	default:
		return 0x8d
	}
}

const (
	tagString         byte = 0x01
	tagLoadClass      byte = 0x02
	tagHeapDumpSeg    byte = 0x1c
	tagHeapDumpEnd    byte = 0x2c
	subClassDump      byte = 0x20
	subInstanceDump   byte = 0x21
	subObjectArray    byte = 0x22
	subPrimitiveArray byte = 0x23
	subHeapDumpInfo   byte = 0xfe
)
