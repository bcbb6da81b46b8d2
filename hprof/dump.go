package hprof

import (
	"fmt"
	"io"

	"github.com/oakvm/heapcore/gcroot"
	"github.com/oakvm/heapcore/internal/bitmap"
)

// RootEnumerator walks every GC root slot, tagged with its kind, for the
// root-visit phase of a dump.
type RootEnumerator interface {
	EnumerateRoots(v gcroot.RootVisitor)
}

// Origin distinguishes the zygote sub-heap from the app sub-heap, so the
// dumper can emit a HEAP_DUMP_INFO sub-record whenever traversal crosses
// from one to the other (spec.md §4.8).
type Origin int

const (
	OriginApp Origin = iota
	OriginZygote
)

// Dumper composes a full HPROF heap dump: a root visit followed by a
// live-bitmap walk, against the class/object metadata Catalog and Model
// supply.
type Dumper struct {
	Bits    *bitmap.Bitmap
	Model   gcroot.ObjectModel
	Catalog ClassCatalog
	Roots   RootEnumerator

	// OriginOf classifies an object address as app or zygote; nil means
	// "always app" (no heap-info chunks emitted).
	OriginOf func(addr uintptr) Origin

	// Now is the wall-clock epoch-ms timestamp written to the file
	// header. Callers stamp this themselves (this package never calls
	// time.Now so dumps stay reproducible in tests).
	Now uint64
}

// Dump writes a complete HPROF file to w.
func (d *Dumper) Dump(w io.Writer) error {
	var out buffer
	out.str("JAVA PROFILE 1.0.3\x00")
	out.u4(identifierSize)
	out.u8(d.Now)

	d.writeClassPrefix(&out)
	if err := d.writeHeapDump(&out); err != nil {
		return err
	}

	_, err := w.Write(out.b)
	return err
}

// writeClassPrefix emits one STRING record and one LOAD_CLASS record per
// known class, ahead of any instance data — the "strings+classes prefix"
// spec.md §4.8 calls for.
func (d *Dumper) writeClassPrefix(out *buffer) {
	for _, ci := range d.Catalog.AllClasses() {
		id := d.Catalog.ClassID(ci)
		name := d.Catalog.Name(ci)

		var str buffer
		str.id(id)
		str.str(name)
		out.record(tagString, 0, str.b)

		var load buffer
		load.u4(uint32(id)) // class serial number; the class id doubles as its own serial here
		load.id(id)
		load.u4(0) // stack trace serial, unused
		load.id(id)
		out.record(tagLoadClass, 0, load.b)
	}
}

// writeHeapDump emits a single HEAP_DUMP_SEGMENT holding every root
// record followed by every live object's dump record, then
// HEAP_DUMP_END.
func (d *Dumper) writeHeapDump(out *buffer) error {
	var body buffer
	if d.Roots != nil {
		d.Roots.EnumerateRoots(gcroot.RootVisitorFunc(func(slot uintptr, kind gcroot.RootKind) {
			ref := d.Model.ReadPointer(slot)
			if ref == 0 {
				return
			}
			body.u1(rootTag(kind))
			body.id(ref)
		}))
	}

	var lastOrigin Origin = -1
	var walkErr error
	d.Bits.Walk(func(obj uintptr) {
		if walkErr != nil {
			return
		}
		if d.OriginOf != nil {
			origin := d.OriginOf(obj)
			if origin != lastOrigin {
				d.writeHeapDumpInfo(&body, origin)
				lastOrigin = origin
			}
		}
		if err := d.writeObject(&body, obj); err != nil {
			walkErr = err
		}
	})
	if walkErr != nil {
		return walkErr
	}

	out.record(tagHeapDumpSeg, 0, body.b)
	out.record(tagHeapDumpEnd, 0, nil)
	return nil
}

func (d *Dumper) writeHeapDumpInfo(body *buffer, origin Origin) {
	var info buffer
	info.u4(uint32(origin))
	name := "app"
	if origin == OriginZygote {
		name = "zygote"
	}
	info.id(0)
	info.str(name)
	body.u1(subHeapDumpInfo)
	body.raw(info.b)
}

func (d *Dumper) writeObject(body *buffer, obj uintptr) error {
	ci := d.Model.ClassOf(obj)
	if ci == nil {
		return fmt.Errorf("hprof: live object %#x has no class metadata", obj)
	}
	switch {
	case ci.Flags&gcroot.FlagClassObject != 0:
		d.writeClassDump(body, obj, ci)
	case ci.Flags&gcroot.FlagArray != 0 || ci.Flags&gcroot.FlagObjectArray != 0:
		d.writeArrayDump(body, obj, ci)
	default:
		d.writeInstanceDump(body, obj, ci)
	}
	return nil
}

func (d *Dumper) writeClassDump(body *buffer, obj uintptr, ci *gcroot.ClassInfo) {
	fields := d.Catalog.InstanceFields(ci)
	body.u1(subClassDump)
	body.id(d.Catalog.ClassID(ci))
	body.u4(0) // stack trace serial
	body.id(d.Catalog.SuperID(ci))
	body.id(0) // class loader id, unmodeled
	body.id(0) // signers id
	body.id(0) // protection domain id
	body.id(0) // reserved
	body.id(0) // reserved
	body.u4(d.Catalog.InstanceSize(ci))
	body.u2(0) // constant pool size: none
	body.u2(0) // static field count: none tracked
	body.u2(uint16(len(fields)))
	for _, f := range fields {
		body.id(0) // field name string id, not separately interned here
		body.u1(f.Tag)
	}
}

// writeInstanceDump emits obj's class id, then its field bytes, with the
// trailing byte-count back-patched once the field loop has run — the
// "instance-field length is back-patched after emission" spec.md calls
// for, rather than pre-computing it with a second pass.
func (d *Dumper) writeInstanceDump(body *buffer, obj uintptr, ci *gcroot.ClassInfo) {
	body.u1(subInstanceDump)
	body.id(obj)
	body.u4(0) // stack trace serial
	body.id(d.Catalog.ClassID(ci))
	lenPos := body.reserveU4()

	start := len(body.b)
	for _, f := range d.Catalog.InstanceFields(ci) {
		d.writeFieldValue(body, obj+f.Offset, f.Tag)
	}
	body.patchU4(lenPos, uint32(len(body.b)-start))
}

func (d *Dumper) writeFieldValue(body *buffer, slot uintptr, tag byte) {
	switch tag {
	case TypeObject:
		body.id(d.Model.ReadPointer(slot))
	case TypeBoolean, TypeByte:
		body.u1(byte(d.Model.ReadPointer(slot)))
	case TypeChar, TypeShort:
		body.u2(uint16(d.Model.ReadPointer(slot)))
	case TypeFloat, TypeInt:
		body.u4(uint32(d.Model.ReadPointer(slot)))
	case TypeDouble, TypeLong:
		body.u8(uint64(d.Model.ReadPointer(slot)))
	default:
		body.u4(typeSize(tag))
	}
}

func (d *Dumper) writeArrayDump(body *buffer, obj uintptr, ci *gcroot.ClassInfo) {
	n := 0
	if ci.Length != nil {
		n = ci.Length(obj)
	}
	if elemTag := d.Catalog.ElementTag(ci); elemTag != 0 {
		body.u1(subPrimitiveArray)
		body.id(obj)
		body.u4(0)
		body.u4(uint32(n))
		body.u1(elemTag)
		for i := 0; i < n; i++ {
			d.writeFieldValue(body, obj+uintptr(i)*ci.ElementSize, elemTag)
		}
		return
	}
	body.u1(subObjectArray)
	body.id(obj)
	body.u4(0)
	body.u4(uint32(n))
	body.id(d.Catalog.ClassID(ci))
	for i := 0; i < n; i++ {
		slot := obj + uintptr(i)*ci.ElementSize
		body.id(d.Model.ReadPointer(slot))
	}
}
