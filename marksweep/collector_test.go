package marksweep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakvm/heapcore/gcroot"
	"github.com/oakvm/heapcore/gcspec"
	"github.com/oakvm/heapcore/heapsource"
)

// fakeRuntime is a minimal gcroot.ObjectModel + gcroot.ReferenceOps +
// RootEnumerator backed by plain maps, playing the role spec.md assigns
// to MutatorRuntime (out of scope for this module) in these tests.
type fakeRuntime struct {
	classes map[uintptr]*gcroot.ClassInfo
	slots   map[uintptr]uintptr
	roots   []uintptr
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{classes: map[uintptr]*gcroot.ClassInfo{}, slots: map[uintptr]uintptr{}}
}

func (r *fakeRuntime) ClassOf(obj uintptr) *gcroot.ClassInfo  { return r.classes[obj] }
func (r *fakeRuntime) ReadPointer(slot uintptr) uintptr       { return r.slots[slot] }
func (r *fakeRuntime) WritePointer(slot, val uintptr)         { r.slots[slot] = val }

const (
	referentTag   = 1 << 40
	pendingTag    = 2 << 40
	queueTag      = 3 << 40
	queueNextTag  = 4 << 40
)

func (r *fakeRuntime) Referent(ref uintptr) uintptr    { return r.slots[ref+referentTag] }
func (r *fakeRuntime) SetReferent(ref, val uintptr)    { r.slots[ref+referentTag] = val }
func (r *fakeRuntime) PendingNext(ref uintptr) uintptr { return r.slots[ref+pendingTag] }
func (r *fakeRuntime) SetPendingNext(ref, val uintptr) { r.slots[ref+pendingTag] = val }
func (r *fakeRuntime) Queue(ref uintptr) uintptr       { return r.slots[ref+queueTag] }
func (r *fakeRuntime) QueueNext(ref uintptr) uintptr   { return r.slots[ref+queueNextTag] }
func (r *fakeRuntime) SetQueueNext(ref, val uintptr)   { r.slots[ref+queueNextTag] = val }

func (r *fakeRuntime) EnumerateRoots(v gcroot.RootVisitor) {
	for _, slot := range r.roots {
		v.VisitRoot(slot, gcroot.RootJavaFrame)
	}
}

func (r *fakeRuntime) addRoot(slot uintptr) { r.roots = append(r.roots, slot) }

func newTestHeap(t *testing.T) *heapsource.HeapSource {
	t.Helper()
	hs, err := heapsource.New(heapsource.Config{
		InitialSize:       1 << 20,
		MaximumSize:       16 << 20,
		GrowthLimit:       8 << 20,
		TargetUtilization: 0.5,
		MinFree:           64 << 10,
		MaxFree:           1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hs.Close() })
	return hs
}

func TestCollectRetainsReachableObjects(t *testing.T) {
	heap := newTestHeap(t)
	rt := newFakeRuntime()
	coll := NewCollector(heap, rt, rt)

	holder, ok := heap.Alloc(8 * 4)
	require.True(t, ok)
	var children []uintptr
	for i := 0; i < 4; i++ {
		child, ok := heap.Alloc(16)
		require.True(t, ok)
		rt.classes[child] = &gcroot.ClassInfo{}
		rt.WritePointer(holder+uintptr(i)*8, child)
		children = append(children, child)
	}
	rt.classes[holder] = &gcroot.ClassInfo{ReferenceOffsets: []uintptr{0, 8, 16, 24}}

	const rootSlot uintptr = 0xF00D
	rt.WritePointer(rootSlot, holder)
	rt.addRoot(rootSlot)

	require.NoError(t, coll.Collect(gcspec.Explicit))

	assert.True(t, heap.Contains(holder))
	for _, c := range children {
		assert.True(t, heap.Contains(c), "reachable child must survive")
	}
}

func TestCollectSweepsUnreachableObjects(t *testing.T) {
	heap := newTestHeap(t)
	rt := newFakeRuntime()
	coll := NewCollector(heap, rt, rt)

	holder, ok := heap.Alloc(8)
	require.True(t, ok)
	child, ok := heap.Alloc(16)
	require.True(t, ok)
	rt.classes[holder] = &gcroot.ClassInfo{ReferenceOffsets: []uintptr{0}}
	rt.classes[child] = &gcroot.ClassInfo{}
	rt.WritePointer(holder, child)

	const rootSlot uintptr = 0xF00D
	rt.WritePointer(rootSlot, holder)
	rt.addRoot(rootSlot)

	require.NoError(t, coll.Collect(gcspec.Explicit))
	assert.True(t, heap.Contains(holder))

	rt.WritePointer(rootSlot, 0)
	require.NoError(t, coll.Collect(gcspec.Explicit))

	assert.False(t, heap.Contains(holder), "unreachable holder must be swept")
	assert.False(t, heap.Contains(child), "unreachable child must be swept")
}

func TestCollectClearsWhiteWeakReference(t *testing.T) {
	heap := newTestHeap(t)
	rt := newFakeRuntime()
	coll := NewCollector(heap, rt, rt)

	referent, ok := heap.Alloc(16)
	require.True(t, ok)
	ref, ok := heap.Alloc(16)
	require.True(t, ok)
	rt.classes[referent] = &gcroot.ClassInfo{}
	rt.classes[ref] = &gcroot.ClassInfo{Flags: gcroot.FlagWeak | gcroot.FlagReference, ReferentOffset: 0, ReferenceOffsets: []uintptr{0}}
	rt.SetReferent(ref, referent)

	const rootSlot uintptr = 0xBEEF
	rt.WritePointer(rootSlot, ref) // only the reference object itself is rooted
	rt.addRoot(rootSlot)

	require.NoError(t, coll.Collect(gcspec.Explicit))

	assert.True(t, heap.Contains(ref), "the reference object itself is reachable")
	assert.False(t, heap.Contains(referent), "the unreachable referent must be collected")
	assert.EqualValues(t, 0, rt.Referent(ref), "a cleared weak reference's referent slot must be nulled")
}

func TestCollectPreservesReachableSoftReferent(t *testing.T) {
	heap := newTestHeap(t)
	rt := newFakeRuntime()
	coll := NewCollector(heap, rt, rt)

	referent, ok := heap.Alloc(16)
	require.True(t, ok)
	ref, ok := heap.Alloc(16)
	require.True(t, ok)
	rt.classes[referent] = &gcroot.ClassInfo{}
	rt.classes[ref] = &gcroot.ClassInfo{Flags: gcroot.FlagReference, ReferentOffset: 0, ReferenceOffsets: []uintptr{0}}
	rt.SetReferent(ref, referent)

	const refRoot uintptr = 0xA001
	const referentRoot uintptr = 0xA002
	rt.WritePointer(refRoot, ref)
	rt.WritePointer(referentRoot, referent)
	rt.addRoot(refRoot)
	rt.addRoot(referentRoot)

	require.NoError(t, coll.Collect(gcspec.Explicit))

	assert.True(t, heap.Contains(referent), "independently-rooted referent survives regardless of reference strength")
	assert.EqualValues(t, referent, rt.Referent(ref), "referent already marked via its own root must not be cleared")
}

func TestRepeatedCollectionsDoNotLeakStaleMarkBits(t *testing.T) {
	heap := newTestHeap(t)
	rt := newFakeRuntime()
	coll := NewCollector(heap, rt, rt)

	for i := 0; i < 3; i++ {
		obj, ok := heap.Alloc(16)
		require.True(t, ok)
		rt.classes[obj] = &gcroot.ClassInfo{}
		require.NoError(t, coll.Collect(gcspec.Explicit))
		assert.False(t, heap.Contains(obj), "unrooted allocation from a prior cycle must not resurrect via stale mark bits")
	}
}
