package hprof

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakvm/heapcore/gcroot"
	"github.com/oakvm/heapcore/internal/bitmap"
)

type fakeModel struct {
	classes map[uintptr]*gcroot.ClassInfo
	slots   map[uintptr]uintptr
}

func (m *fakeModel) ClassOf(obj uintptr) *gcroot.ClassInfo { return m.classes[obj] }
func (m *fakeModel) ReadPointer(slot uintptr) uintptr      { return m.slots[slot] }
func (m *fakeModel) WritePointer(slot, val uintptr)        { m.slots[slot] = val }

type fakeCatalog struct {
	classes []*gcroot.ClassInfo
	ids     map[*gcroot.ClassInfo]uintptr
	names   map[*gcroot.ClassInfo]string
	sizes   map[*gcroot.ClassInfo]uint32
	fields  map[*gcroot.ClassInfo][]FieldDesc
}

func (c *fakeCatalog) AllClasses() []*gcroot.ClassInfo                 { return c.classes }
func (c *fakeCatalog) ClassID(ci *gcroot.ClassInfo) uintptr            { return c.ids[ci] }
func (c *fakeCatalog) SuperID(ci *gcroot.ClassInfo) uintptr            { return 0 }
func (c *fakeCatalog) Name(ci *gcroot.ClassInfo) string                { return c.names[ci] }
func (c *fakeCatalog) InstanceSize(ci *gcroot.ClassInfo) uint32        { return c.sizes[ci] }
func (c *fakeCatalog) InstanceFields(ci *gcroot.ClassInfo) []FieldDesc { return c.fields[ci] }
func (c *fakeCatalog) ElementTag(ci *gcroot.ClassInfo) byte            { return 0 }

type fakeRoots struct {
	slots []uintptr
}

func (r *fakeRoots) EnumerateRoots(v gcroot.RootVisitor) {
	for _, s := range r.slots {
		v.VisitRoot(s, gcroot.RootJavaFrame)
	}
}

func TestDumpProducesWellFormedHeader(t *testing.T) {
	const base uintptr = 0x1000
	bits := bitmap.New(base, 4096)

	personClass := &gcroot.ClassInfo{ReferenceOffsets: []uintptr{8}}
	model := &fakeModel{
		classes: map[uintptr]*gcroot.ClassInfo{base: personClass},
		slots:   map[uintptr]uintptr{},
	}
	catalog := &fakeCatalog{
		classes: []*gcroot.ClassInfo{personClass},
		ids:     map[*gcroot.ClassInfo]uintptr{personClass: 1},
		names:   map[*gcroot.ClassInfo]string{personClass: "Person"},
		sizes:   map[*gcroot.ClassInfo]uint32{personClass: 16},
		fields:  map[*gcroot.ClassInfo][]FieldDesc{personClass: {{Name: "next", Tag: TypeObject, Offset: 8}}},
	}
	model.slots[base+8] = 0

	bits.Set(base)

	const rootSlot uintptr = 0x9000
	model.slots[rootSlot] = base
	roots := &fakeRoots{slots: []uintptr{rootSlot}}

	d := &Dumper{Bits: bits, Model: model, Catalog: catalog, Roots: roots, Now: 123456}

	var out bytes.Buffer
	require.NoError(t, d.Dump(&out))

	b := out.Bytes()
	require.True(t, len(b) > len("JAVA PROFILE 1.0.3\x00")+12)
	assert.Equal(t, "JAVA PROFILE 1.0.3\x00", string(b[:19]))

	idSize := uint32(b[19])<<24 | uint32(b[20])<<16 | uint32(b[21])<<8 | uint32(b[22])
	assert.EqualValues(t, 4, idSize)

	assert.Contains(t, string(b), "Person")
}

func TestDumpEmitsHeapDumpInfoOnOriginChange(t *testing.T) {
	const base uintptr = 0x2000

	leaf := &gcroot.ClassInfo{}
	model := &fakeModel{classes: map[uintptr]*gcroot.ClassInfo{
		base:        leaf,
		base + 4096: leaf,
	}, slots: map[uintptr]uintptr{}}
	catalog := &fakeCatalog{
		classes: []*gcroot.ClassInfo{leaf},
		ids:     map[*gcroot.ClassInfo]uintptr{leaf: 1},
		names:   map[*gcroot.ClassInfo]string{leaf: "Leaf"},
		sizes:   map[*gcroot.ClassInfo]uint32{leaf: 8},
		fields:  map[*gcroot.ClassInfo][]FieldDesc{leaf: nil},
	}

	big := bitmap.New(base, 1<<20)
	big.Set(base)
	big.Set(base + 4096)

	d := &Dumper{Bits: big, Model: model, Catalog: catalog, OriginOf: func(addr uintptr) Origin {
		if addr == base {
			return OriginZygote
		}
		return OriginApp
	}, Now: 1}

	var out bytes.Buffer
	require.NoError(t, d.Dump(&out))
	assert.Contains(t, string(out.Bytes()), "zygote")
	assert.Contains(t, string(out.Bytes()), "app")
}
