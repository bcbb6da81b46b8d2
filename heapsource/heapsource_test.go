package heapsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakvm/heapcore/gcspec"
)

func newTestHeapSource(t *testing.T) *HeapSource {
	t.Helper()
	hs, err := New(Config{
		InitialSize:       1 << 20,
		MaximumSize:       16 << 20,
		GrowthLimit:       8 << 20,
		TargetUtilization: 0.5,
		MinFree:           128 << 10,
		MaxFree:           2 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hs.Close() })
	return hs
}

func TestAllocMarksLiveAndAccounts(t *testing.T) {
	hs := newTestHeapSource(t)

	addr, ok := hs.Alloc(64)
	require.True(t, ok)
	assert.True(t, hs.Contains(addr))
	assert.Equal(t, uintptr(64), hs.ChunkSize(addr))

	stats := hs.Stats()
	assert.EqualValues(t, 64, stats.ActiveBytesAllocated)
	assert.EqualValues(t, 1, stats.ActiveObjectsAllocated)
}

func TestAllocRespectsSoftLimit(t *testing.T) {
	hs := newTestHeapSource(t)
	hs.softLimit = 32

	_, ok := hs.Alloc(64)
	assert.False(t, ok, "allocation exceeding softLimit must fail")
}

func TestAllocAndGrowLiftsSoftLimit(t *testing.T) {
	hs := newTestHeapSource(t)
	hs.softLimit = 32

	addr, ok := hs.AllocAndGrow(64)
	require.True(t, ok, "AllocAndGrow should succeed by lifting the soft limit")
	assert.True(t, hs.Contains(addr))
}

func TestFreeListReclaimsAndClearsLiveBit(t *testing.T) {
	hs := newTestHeapSource(t)

	a, _ := hs.Alloc(32)
	b, _ := hs.Alloc(32)
	ptrs := []uintptr{a, b}
	if b < a {
		ptrs = []uintptr{b, a}
	}

	reclaimed, err := hs.FreeList(ptrs)
	require.NoError(t, err)
	assert.EqualValues(t, 64, reclaimed)
	assert.False(t, hs.Contains(a))
	assert.False(t, hs.Contains(b))
}

func TestFreeListRejectsUnsorted(t *testing.T) {
	hs := newTestHeapSource(t)
	_, err := hs.FreeList([]uintptr{10, 5})
	assert.Error(t, err)
}

func TestContainsAddressVsContains(t *testing.T) {
	hs := newTestHeapSource(t)
	addr, ok := hs.Alloc(16)
	require.True(t, ok)

	assert.True(t, hs.ContainsAddress(addr))
	reclaimed, err := hs.FreeList([]uintptr{addr})
	require.NoError(t, err)
	assert.EqualValues(t, 16, reclaimed)

	assert.True(t, hs.ContainsAddress(addr), "freed memory is still within the reservation")
	assert.False(t, hs.Contains(addr), "freed memory is no longer live")
}

func TestGrowForUtilizationClampsToMinMaxFree(t *testing.T) {
	hs := newTestHeapSource(t)

	hs.GrowForUtilization(1 << 20) // 1 MiB live, 0.5 utilization -> naive target 2 MiB
	stats := hs.Stats()
	assert.GreaterOrEqual(t, stats.SoftLimit, uintptr(1<<20)+hs.minFree)
	assert.LessOrEqual(t, stats.SoftLimit, uintptr(1<<20)+hs.maxFree)
}

func TestSetTargetHeapUtilizationValidatesRange(t *testing.T) {
	hs := newTestHeapSource(t)
	assert.Error(t, hs.SetTargetHeapUtilization(0.1))
	assert.Error(t, hs.SetTargetHeapUtilization(0.9))
	assert.NoError(t, hs.SetTargetHeapUtilization(0.4))
	assert.InDelta(t, 0.4, hs.GetTargetHeapUtilization(), 0.01)
}

func TestStartupBeforeForkFreezesActiveHeap(t *testing.T) {
	hs := newTestHeapSource(t)
	addr, ok := hs.Alloc(32)
	require.True(t, ok)

	require.NoError(t, hs.StartupBeforeFork())
	assert.Equal(t, 2, hs.numHeaps)
	assert.True(t, hs.heaps[1].immutable)
	assert.True(t, hs.Contains(addr), "pre-fork allocation stays live in the new zygote sub-heap")

	err := hs.StartupBeforeFork()
	assert.Error(t, err, "a second fork attempt must fail")
}

func TestFreeListOnZygoteOnlyAdjustsAccounting(t *testing.T) {
	hs := newTestHeapSource(t)
	addr, _ := hs.Alloc(32)
	require.NoError(t, hs.StartupBeforeFork())

	reclaimed, err := hs.FreeList([]uintptr{addr})
	require.NoError(t, err)
	assert.EqualValues(t, 32, reclaimed)
	assert.False(t, hs.Contains(addr))
}

func TestRegisterNativeAllocationTriggersConcurrentGCAtWatermark(t *testing.T) {
	hs := newTestHeapSource(t)
	hs.SetNativeWatermarks(100, 1000)

	done := make(chan gcspec.Spec, 1)
	hs.RequestGC = func(s gcspec.Spec) { done <- s }

	hs.RegisterNativeAllocation(150)
	select {
	case s := <-done:
		assert.Equal(t, gcspec.Concurrent, s)
	case <-time.After(time.Second):
		t.Fatal("RequestGC was not invoked for crossing the GC watermark")
	}
}

func TestRegisterNativeAllocationForcesSyncGCAtLimit(t *testing.T) {
	hs := newTestHeapSource(t)
	hs.SetNativeWatermarks(100, 1000)

	var got gcspec.Spec
	hs.RequestGC = func(s gcspec.Spec) { got = s }

	hs.RegisterNativeAllocation(1200)
	assert.Equal(t, gcspec.ForMalloc, got)
}

func TestRegisterNativeFreeFloorsAtZero(t *testing.T) {
	hs := newTestHeapSource(t)
	hs.RegisterNativeAllocation(10)
	hs.RegisterNativeFree(100)
	assert.EqualValues(t, 0, hs.Stats().NativeBytesAllocated)
}
