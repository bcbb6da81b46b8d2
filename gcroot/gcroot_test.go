package gcroot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHeap is a minimal ObjectModel/ReferenceOps backed by plain Go maps,
// used the way marksweep/copying's own tests back a simulated heap: slot
// addresses are arbitrary uintptr keys, not real memory.
type fakeHeap struct {
	classes map[uintptr]*ClassInfo
	slots   map[uintptr]uintptr
}

func newFakeHeap() *fakeHeap {
	return &fakeHeap{classes: map[uintptr]*ClassInfo{}, slots: map[uintptr]uintptr{}}
}

func (h *fakeHeap) ClassOf(obj uintptr) *ClassInfo  { return h.classes[obj] }
func (h *fakeHeap) ReadPointer(slot uintptr) uintptr { return h.slots[slot] }
func (h *fakeHeap) WritePointer(slot, val uintptr)   { h.slots[slot] = val }

func (h *fakeHeap) Referent(ref uintptr) uintptr        { return h.slots[ref+1000] }
func (h *fakeHeap) SetReferent(ref, val uintptr)        { h.slots[ref+1000] = val }
func (h *fakeHeap) PendingNext(ref uintptr) uintptr     { return h.slots[ref+2000] }
func (h *fakeHeap) SetPendingNext(ref, val uintptr)     { h.slots[ref+2000] = val }
func (h *fakeHeap) Queue(ref uintptr) uintptr           { return h.slots[ref+3000] }
func (h *fakeHeap) QueueNext(ref uintptr) uintptr       { return h.slots[ref+4000] }
func (h *fakeHeap) SetQueueNext(ref, val uintptr)       { h.slots[ref+4000] = val }

func TestVisitDataObjectSkipsReferentSlot(t *testing.T) {
	h := newFakeHeap()
	const obj uintptr = 0x1000
	ci := &ClassInfo{
		Flags:           FlagReference,
		ReferenceOffsets: []uintptr{8, 16},
		ReferentOffset:  8,
	}
	h.classes[obj] = ci

	var visited []uintptr
	VisitObjectFields(h, obj, ObjectVisitorFunc(func(slot uintptr) {
		visited = append(visited, slot)
	}))

	assert.Equal(t, []uintptr{obj + 16}, visited, "the referent slot must not be visited like an ordinary field")
}

func TestVisitDataObjectWalksSuperchain(t *testing.T) {
	h := newFakeHeap()
	const obj uintptr = 0x2000
	super := &ClassInfo{ReferenceOffsets: []uintptr{24}}
	ci := &ClassInfo{
		Flags:            FlagWalkSuper,
		ReferenceOffsets: []uintptr{8},
		Super:            super,
	}
	h.classes[obj] = ci

	var visited []uintptr
	VisitObjectFields(h, obj, ObjectVisitorFunc(func(slot uintptr) {
		visited = append(visited, slot)
	}))

	assert.ElementsMatch(t, []uintptr{obj + 8, obj + 24}, visited)
}

func TestVisitArrayObjectWalksElements(t *testing.T) {
	h := newFakeHeap()
	const obj uintptr = 0x3000
	ci := &ClassInfo{
		Flags:       FlagObjectArray,
		ElementSize: 8,
		Length:      func(uintptr) int { return 3 },
	}
	h.classes[obj] = ci

	var visited []uintptr
	VisitObjectFields(h, obj, ObjectVisitorFunc(func(slot uintptr) {
		visited = append(visited, slot)
	}))

	assert.Equal(t, []uintptr{obj, obj + 8, obj + 16}, visited)
}

func TestPendingListSingletonIsSelfCircular(t *testing.T) {
	h := newFakeHeap()
	l := NewPendingList(h)

	ok := l.Enqueue(0x4000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x4000), h.PendingNext(0x4000))
}

func TestPendingListRejectsAlreadyLinked(t *testing.T) {
	h := newFakeHeap()
	l := NewPendingList(h)
	require.True(t, l.Enqueue(0x4000))
	assert.False(t, l.Enqueue(0x4000), "an already-linked reference must not be re-enqueued")
}

func TestPendingListDrainVisitsInsertionOrderAndUnlinks(t *testing.T) {
	h := newFakeHeap()
	l := NewPendingList(h)
	require.True(t, l.Enqueue(1))
	require.True(t, l.Enqueue(2))
	require.True(t, l.Enqueue(3))

	var order []uintptr
	l.Drain(func(ref uintptr) { order = append(order, ref) })

	assert.Equal(t, []uintptr{1, 2, 3}, order)
	assert.True(t, l.Empty())
	assert.EqualValues(t, 0, h.PendingNext(1))
	assert.EqualValues(t, 0, h.PendingNext(2))
	assert.EqualValues(t, 0, h.PendingNext(3))
}

func TestEnqueueForClearingRequiresQueueAndNotAlreadyQueued(t *testing.T) {
	h := newFakeHeap()
	pending := NewPendingList(h)

	assert.False(t, EnqueueForClearing(h, pending, 5), "no queue set: must not enqueue")

	h.slots[5+3000] = 0xABCD // Queue(5) now non-null
	assert.True(t, EnqueueForClearing(h, pending, 5))
	assert.False(t, EnqueueForClearing(h, pending, 5), "already queued: must not double-enqueue")
}
