package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	b := New(0x1000, 1<<20)
	assert.False(t, b.Test(0x1000))
	b.Set(0x1000)
	assert.True(t, b.Test(0x1000))
	b.Clear(0x1000)
	assert.False(t, b.Test(0x1000))
}

func TestSetAndReturnOld(t *testing.T) {
	b := New(0x1000, 1<<20)
	assert.False(t, b.SetAndReturnOld(0x1008))
	assert.True(t, b.SetAndReturnOld(0x1008))
}

func TestMaxWidensMonotonically(t *testing.T) {
	b := New(0x1000, 1<<20)
	b.Set(0x1000)
	assert.Equal(t, uintptr(0x1000), b.Max())
	b.Set(0x2000)
	assert.Equal(t, uintptr(0x2000), b.Max())
	b.Set(0x1800)
	assert.Equal(t, uintptr(0x2000), b.Max(), "Max must not shrink")
}

func TestZeroResetsMaxBelowBase(t *testing.T) {
	b := New(0x1000, 1<<20)
	b.Set(0x1800)
	b.Zero()
	assert.Less(t, b.Max(), b.Base())
	assert.False(t, b.Test(0x1800))
}

func TestWalkAscendingOrder(t *testing.T) {
	b := New(0x1000, 1<<20)
	for _, p := range []uintptr{0x2000, 0x1000, 0x1800, 0x1008} {
		b.Set(p)
	}
	var seen []uintptr
	b.Walk(func(obj uintptr) { seen = append(seen, obj) })
	require.Equal(t, []uintptr{0x1000, 0x1008, 0x1800, 0x2000}, seen)
}

func TestScanWalkCallbackCanExtendCoverage(t *testing.T) {
	b := New(0x1000, 1<<20)
	b.Set(0x1000)
	b.Set(0x3000)

	var visited []uintptr
	b.ScanWalk(func(obj, finger uintptr) {
		visited = append(visited, obj)
		if obj == 0x1000 {
			// Discover a reference at/after finger during the scan of
			// the first object; it must still be visited this pass.
			b.Set(0x2000)
		}
	})
	assert.Equal(t, []uintptr{0x1000, 0x2000, 0x3000}, visited)
}

func TestSweepWalkEmitsOneBatchPerWord(t *testing.T) {
	live := New(0x1000, 1<<20)
	mark := New(0x1000, 1<<20)
	for _, p := range []uintptr{0x1000, 0x1008, 0x2000} {
		live.Set(p)
	}
	for _, p := range []uintptr{0x1000, 0x2000} {
		mark.Set(p)
	}

	var batches [][]uintptr
	SweepWalk(live, mark, 0x1000, 0x2008, func(ptrs []uintptr) {
		cp := append([]uintptr(nil), ptrs...)
		batches = append(batches, cp)
	})

	require.Len(t, batches, 1)
	assert.Equal(t, []uintptr{0x1008}, batches[0])
}
