// Package heapsource implements the malloc-backed HeapSource from
// spec.md §4.5: a virtual-memory reservation subdivided into at most two
// sub-heaps, with liveBits/markBits coverage, growth-for-utilization
// policy, and native (JNI) allocation accounting.
//
// Grounded on the teacher's malloc.go/mheap.go/mcache.go/mcentral.go —
// the reservation+brk+sub-heap-array shape mirrors mheap's own
// base/limit/arena bookkeeping, and the free-list-per-size-class
// allocator in subheap.go mirrors mcentral's per-spanClass partial/full
// list split.
package heapsource

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oakvm/heapcore/gcspec"
	"github.com/oakvm/heapcore/internal/bitmap"
	"github.com/oakvm/heapcore/internal/qatomic"
	"github.com/oakvm/heapcore/internal/vmlock"
)

const maxUintptr = ^uintptr(0)

// Config carries the tunables spec.md §3 lists on HeapSource, the way the
// teacher's own GC-tuning environment variables (GOGC etc.) configure
// mheap_ at startup.
type Config struct {
	InitialSize       uintptr
	MaximumSize       uintptr
	GrowthLimit       uintptr
	TargetUtilization float64 // ratio in (0,1], stored internally as ×1024
	MinFree           uintptr
	MaxFree           uintptr
	Logger            *zap.Logger

	// BytesAllocatedGauge, if set, is kept in sync with the active
	// sub-heap's bytesAllocated on every Alloc/FreeList — cmd/jdwpd's
	// Prometheus endpoint surfaces it as the live-heap-size metric.
	BytesAllocatedGauge prometheus.Gauge
}

// concurrentStartMargin / concurrentMinFree are the implementation's
// chosen constants for when to wake the concurrent-GC daemon — spec.md
// describes the formula but, consistent with Dalvik/ART's own
// implementation-defined constants, leaves the exact thresholds
// unspecified; these are picked to be a small, conservative fraction of a
// typical mobile heap.
const (
	concurrentStartMargin uintptr = 128 << 10
	concurrentMinFree     uintptr = 256 << 10
)

// HeapSource owns the reservation and the at-most-two sub-heap array.
type HeapSource struct {
	res *reservation

	heaps      [2]*subHeap
	numHeaps   int // 1 or 2
	maximumSize uintptr

	targetUtilization uint32 // ratio * 1024, in [1,1024]
	minFree, maxFree  uintptr
	growthLimit       uintptr
	idealSize         uintptr
	softLimit         uintptr // active heap only; maxUintptr == no soft limit

	liveBits *bitmap.Bitmap
	markBits *bitmap.Bitmap

	nativeBytesAllocated       qatomic.Cell64
	nativeFootprintGCWatermark uintptr
	nativeFootprintLimit       uintptr
	finalizeOnNextRegister     bool

	gcRunning bool
	lock      *vmlock.Mutex

	bytesAllocatedGauge prometheus.Gauge

	// RequestGC, when set, is invoked (without the heap lock held) when
	// an allocation threshold is crossed, the way spec.md §4.5 describes
	// "signal the GC daemon". Left nil, alloc simply proceeds without
	// kicking a collector — wiring one in is the owner's job (neither
	// cmd/ binary sets it).
	RequestGC func(gcspec.Spec)

	log *zap.Logger
}

// New reserves a HeapSource per cfg.
func New(cfg Config) (*HeapSource, error) {
	if cfg.MaximumSize == 0 {
		return nil, errors.New("heapsource: MaximumSize must be > 0")
	}
	if cfg.GrowthLimit == 0 || cfg.GrowthLimit > cfg.MaximumSize {
		cfg.GrowthLimit = cfg.MaximumSize
	}
	if cfg.TargetUtilization <= 0 {
		cfg.TargetUtilization = 0.5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := newReservation(cfg.MaximumSize)
	if err != nil {
		return nil, err
	}

	hs := &HeapSource{
		res:               res,
		numHeaps:          1,
		maximumSize:       cfg.MaximumSize,
		targetUtilization: uint32(cfg.TargetUtilization * 1024),
		minFree:           cfg.MinFree,
		maxFree:           cfg.MaxFree,
		growthLimit:       cfg.GrowthLimit,
		idealSize:         cfg.InitialSize,
		softLimit:         maxUintptr,
		liveBits:          bitmap.New(res.base, cfg.MaximumSize),
		markBits:          bitmap.New(res.base, cfg.MaximumSize),
		lock:                vmlock.NewMutex("heap-lock", vmlock.LevelHeap, false),
		log:                 logger,
		bytesAllocatedGauge: cfg.BytesAllocatedGauge,
	}
	hs.heaps[0] = newSubHeap(res, res.base, cfg.GrowthLimit, cfg.GrowthLimit)
	hs.recomputeConcurrentStart()
	return hs, nil
}

// Close releases the underlying reservation. Tests call this; a live
// process normally holds the HeapSource for its lifetime.
func (hs *HeapSource) Close() error {
	return hs.res.close()
}

// activeBase is the address the active sub-heap's bump allocator started
// from — needed by footprint() below.
func (hs *HeapSource) activeBase() uintptr {
	if hs.numHeaps == 2 {
		return hs.heaps[1].top // active heap begins where the zygote's brk was at fork time
	}
	return hs.res.base
}

// Alloc rounds n up to the allocator's chunk granularity and tries to
// satisfy it from the active sub-heap. A nil-equivalent failure (ok=false)
// is returned immediately, without touching the allocator, if honoring the
// request would push bytesAllocated past softLimit — spec.md §4.5 treats
// that case as "full" rather than attempting and failing.
func (hs *HeapSource) Alloc(n uintptr) (uintptr, bool) {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)
	return hs.allocLocked(n)
}

func (hs *HeapSource) allocLocked(n uintptr) (uintptr, bool) {
	active := hs.heaps[0]
	if hs.softLimit != maxUintptr && active.bytesAllocated+n > hs.softLimit {
		return 0, false
	}
	addr, ok := active.alloc(n)
	if !ok {
		return 0, false
	}
	hs.liveBits.Set(addr)
	hs.reportBytesAllocated()

	if hs.RequestGC != nil && active.bytesAllocated >= active.concurrentStartBytes {
		spec := gcspec.Concurrent
		go hs.RequestGC(spec)
	}
	return addr, true
}

// AllocAndGrow behaves like Alloc but, on soft-limit or footprint
// exhaustion, temporarily lifts first the soft limit and then the
// per-heap growth limit to the maximum before giving up, per spec.md
// §4.5. Both limits are restored before returning, whether or not the
// retry succeeded; memory committed while the growth limit was lifted
// stays committed. On success idealSize snaps to the active heap's
// committed footprint.
func (hs *HeapSource) AllocAndGrow(n uintptr) (uintptr, bool) {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)

	if addr, ok := hs.allocLocked(n); ok {
		return addr, true
	}

	savedSoft := hs.softLimit
	hs.softLimit = maxUintptr
	if addr, ok := hs.allocLocked(n); ok {
		hs.softLimit = savedSoft
		hs.snapIdealToCommitted()
		return addr, true
	}
	hs.softLimit = savedSoft

	active := hs.heaps[0]
	savedGrowth := active.growthLimit
	active.growthLimit = hs.maximumSize
	hs.softLimit = maxUintptr
	addr, ok := hs.allocLocked(n)
	hs.softLimit = savedSoft
	active.growthLimit = savedGrowth
	if !ok {
		return 0, false
	}
	hs.snapIdealToCommitted()
	return addr, true
}

func (hs *HeapSource) snapIdealToCommitted() {
	active := hs.heaps[0]
	hs.idealSize = active.footprint(hs.activeBase())
}

// FreeList bulk-returns ptrs (sorted, unique, all belonging to the same
// sub-heap) to that sub-heap's allocator — or, if the sub-heap is the
// immutable zygote, only updates accounting, since its memory cannot
// actually be reclaimed once shared post-fork.
func (hs *HeapSource) FreeList(ptrs []uintptr) (reclaimed uintptr, err error) {
	if len(ptrs) == 0 {
		return 0, nil
	}
	if !sort.SliceIsSorted(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] }) {
		return 0, errors.New("heapsource: FreeList requires sorted pointers")
	}
	for i := 1; i < len(ptrs); i++ {
		if ptrs[i] == ptrs[i-1] {
			return 0, errors.New("heapsource: FreeList requires unique pointers")
		}
	}

	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)

	sh, err := hs.subHeapFor(ptrs[0])
	if err != nil {
		return 0, err
	}
	for _, p := range ptrs[1:] {
		owner, err := hs.subHeapFor(p)
		if err != nil {
			return 0, err
		}
		if owner != sh {
			return 0, fmt.Errorf("heapsource: FreeList pointers span multiple sub-heaps")
		}
	}

	for _, p := range ptrs {
		hs.liveBits.Clear(p)
		if sh.immutable {
			reclaimed += sh.chunkSize(p)
			sh.bytesAllocated -= sh.chunkSize(p)
			sh.objectsAllocated--
			continue
		}
		reclaimed += sh.free(p)
	}
	hs.reportBytesAllocated()
	return reclaimed, nil
}

// reportBytesAllocated mirrors the active sub-heap's bytesAllocated into
// BytesAllocatedGauge, when configured. Called with the heap lock held.
func (hs *HeapSource) reportBytesAllocated() {
	if hs.bytesAllocatedGauge == nil {
		return
	}
	hs.bytesAllocatedGauge.Set(float64(hs.heaps[0].bytesAllocated))
}

func (hs *HeapSource) subHeapFor(p uintptr) (*subHeap, error) {
	for i := 0; i < hs.numHeaps; i++ {
		h := hs.heaps[i]
		lo := h.res.base
		if i == 0 {
			lo = hs.activeBase()
		}
		if p >= lo && p < h.top {
			return h, nil
		}
	}
	return nil, fmt.Errorf("heapsource: %#x does not belong to any sub-heap", p)
}

// Contains reports whether p is a live object.
func (hs *HeapSource) Contains(p uintptr) bool {
	return hs.liveBits.Test(p)
}

// ContainsAddress reports whether p falls inside the reservation at all,
// live or not.
func (hs *HeapSource) ContainsAddress(p uintptr) bool {
	return hs.res.contains(p)
}

// ActiveRange reports the active sub-heap's committed address range
// [lo, hi), for collector packages that need to bound a partial
// collection's sweep to just the active heap.
func (hs *HeapSource) ActiveRange() (lo, hi uintptr) {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)
	return hs.activeBase(), hs.heaps[0].top
}

// ChunkSize returns the usable size of the allocation at p.
func (hs *HeapSource) ChunkSize(p uintptr) uintptr {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)
	sh, err := hs.subHeapFor(p)
	if err != nil {
		return 0
	}
	return sh.chunkSize(p)
}

// LiveBits / MarkBits expose the two bitmaps so the collector packages can
// drive marking and sweeping directly; HeapSource itself never reads
// markBits except to swap it with liveBits at the end of a collection.
func (hs *HeapSource) LiveBits() *bitmap.Bitmap { return hs.liveBits }
func (hs *HeapSource) MarkBits() *bitmap.Bitmap { return hs.markBits }

// SwapBitmaps exchanges liveBits and markBits — the sweeper's final step,
// so that the post-sweep live bitmap is exactly the pre-sweep mark bitmap
// (spec.md §3's heap invariant).
func (hs *HeapSource) SwapBitmaps() {
	hs.liveBits, hs.markBits = hs.markBits, hs.liveBits
}

// Lock/Unlock expose the heap lock to collector packages that must
// serialize allocation against sweep batches (spec.md §4.6's concurrent
// sweep callback "takes the heap lock around each batch").
func (hs *HeapSource) Lock(ctx *vmlock.Context)   { hs.lock.Lock(ctx) }
func (hs *HeapSource) Unlock(ctx *vmlock.Context) { hs.lock.Unlock(ctx) }

// SetGCRunning marks whether a collection is in progress; at most one may
// run at a time per spec.md §3.
func (hs *HeapSource) SetGCRunning(running bool) { hs.gcRunning = running }
func (hs *HeapSource) GCRunning() bool           { return hs.gcRunning }

// Stats is a point-in-time snapshot for diagnostics (cmd/heapctl, the
// HPROF heap-info chunk).
type Stats struct {
	ActiveBytesAllocated   uintptr
	ActiveObjectsAllocated uintptr
	ZygoteBytesAllocated   uintptr
	ZygoteObjectsAllocated uintptr
	IdealSize              uintptr
	SoftLimit              uintptr
	GrowthLimit            uintptr
	NativeBytesAllocated   uint64
}

func (hs *HeapSource) Stats() Stats {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)
	s := Stats{
		ActiveBytesAllocated:   hs.heaps[0].bytesAllocated,
		ActiveObjectsAllocated: hs.heaps[0].objectsAllocated,
		IdealSize:              hs.idealSize,
		SoftLimit:              hs.softLimit,
		GrowthLimit:            hs.growthLimit,
		NativeBytesAllocated:   qatomic.Read64(&hs.nativeBytesAllocated),
	}
	if hs.numHeaps == 2 {
		s.ZygoteBytesAllocated = hs.heaps[1].bytesAllocated
		s.ZygoteObjectsAllocated = hs.heaps[1].objectsAllocated
	}
	return s
}

// SetTargetHeapUtilization sets the ratio (spec.md §6: f ∈ [0.2, 0.8]).
func (hs *HeapSource) SetTargetHeapUtilization(f float64) error {
	if f < 0.2 || f > 0.8 {
		return fmt.Errorf("heapsource: target utilization %v out of [0.2,0.8]", f)
	}
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)
	hs.targetUtilization = uint32(f * 1024)
	return nil
}

func (hs *HeapSource) GetTargetHeapUtilization() float64 {
	return float64(hs.targetUtilization) / 1024
}

// ClearGrowthLimit lifts the active heap's growth limit to maximumSize,
// per spec.md §6 — used once a process is known to need its full heap
// (e.g. after the zygote fork resolves which process this is).
func (hs *HeapSource) ClearGrowthLimit() {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)
	hs.growthLimit = hs.maximumSize
	hs.heaps[0].growthLimit = hs.maximumSize
}

// GrowForUtilization recomputes idealSize/softLimit/concurrentStartBytes
// after a full collection determined liveBytes are still reachable,
// following the three-step policy in spec.md §4.5. Clamping is done with
// plain uintptr min/max, not floating point, per spec.md §9's call to
// preserve determinism when liveSize is tiny.
func (hs *HeapSource) GrowForUtilization(liveBytes uintptr) {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)

	target := scaleByUtilization(liveBytes, hs.targetUtilization)
	target = clampUintptr(target, liveBytes+hs.minFree, liveBytes+hs.maxFree)
	if target > hs.maximumSize {
		target = hs.maximumSize
	}

	olderOverhead := uintptr(0)
	if hs.numHeaps == 2 {
		olderOverhead = hs.heaps[1].footprint(hs.heaps[1].res.base)
	}
	hs.idealSize = target + olderOverhead
	hs.softLimit = target

	hs.recomputeConcurrentStart()
}

func (hs *HeapSource) recomputeConcurrentStart() {
	active := hs.heaps[0]
	allocLimit := hs.softLimit
	if allocLimit == maxUintptr {
		allocLimit = active.growthLimit
	}
	if allocLimit < concurrentStartMargin || allocLimit-active.bytesAllocated < concurrentMinFree {
		active.concurrentStartBytes = maxUintptr
		return
	}
	active.concurrentStartBytes = allocLimit - concurrentStartMargin
}

// scaleByUtilization computes live*1024/utilization without floating
// point (spec.md §9's determinism note). Zero live bytes give a zero
// target; a non-zero live set gives a target of at least live whenever
// utilizationX1024 is at most 1024.
func scaleByUtilization(live uintptr, utilizationX1024 uint32) uintptr {
	if live == 0 {
		return 0
	}
	num := uint64(live) * 1024
	den := uint64(utilizationX1024)
	if den == 0 {
		den = 1
	}
	r := num / den
	if r > uint64(maxUintptr) {
		return maxUintptr
	}
	return uintptr(r)
}

func clampUintptr(v, lo, hi uintptr) uintptr {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StartupBeforeFork performs the zygote split from spec.md §4.5: the
// currently-active sub-heap is frozen in place (it becomes heaps[1], the
// shared post-fork heap) and a fresh active sub-heap is created starting
// at the old one's current brk, page-aligned. The new sub-heap shares the
// existing reservation mapping; no remap or separate backing is set up
// for it.
func (hs *HeapSource) StartupBeforeFork() error {
	hs.lock.Lock(nil)
	defer hs.lock.Unlock(nil)

	if hs.numHeaps == 2 {
		return errors.New("heapsource: zygote split already performed")
	}

	oldActive := hs.heaps[0]
	oldActive.growthLimit = oldActive.footprint(hs.res.base) // freeze growth
	oldActive.immutable = true

	newBase := roundUp(oldActive.top, uintptr(4096))
	remaining := hs.growthLimit - (newBase - hs.res.base)

	hs.heaps[1] = oldActive
	hs.heaps[0] = newSubHeap(hs.res, newBase, remaining, remaining)
	hs.numHeaps = 2
	return nil
}

// RegisterNativeAllocation accounts bytes allocated via JNI outside the
// managed heap. Crossing nativeFootprintGCWatermark signals a concurrent
// GC; crossing nativeFootprintLimit forces a synchronous GC_FOR_ALLOC
// collection (the caller is expected to have already run finalizers).
func (hs *HeapSource) RegisterNativeAllocation(n uint64) {
	var total uint64
	for {
		old := qatomic.Read64(&hs.nativeBytesAllocated)
		total = old + n
		if qatomic.Cas64(&hs.nativeBytesAllocated, old, total) {
			break
		}
	}
	if hs.RequestGC == nil {
		return
	}
	switch {
	case total >= uint64(hs.nativeFootprintLimit) && hs.nativeFootprintLimit != 0:
		hs.RequestGC(gcspec.ForMalloc)
	case total >= uint64(hs.nativeFootprintGCWatermark) && hs.nativeFootprintGCWatermark != 0:
		go hs.RequestGC(gcspec.Concurrent)
	}
}

// RegisterNativeFree reduces the native-allocation counter, floored at 0.
func (hs *HeapSource) RegisterNativeFree(n uint64) {
	for {
		old := qatomic.Read64(&hs.nativeBytesAllocated)
		next := old
		if n > old {
			next = 0
		} else {
			next = old - n
		}
		if qatomic.Cas64(&hs.nativeBytesAllocated, old, next) {
			return
		}
	}
}

// SetNativeWatermarks configures the thresholds RegisterNativeAllocation
// checks against.
func (hs *HeapSource) SetNativeWatermarks(gcWatermark, limit uintptr) {
	hs.nativeFootprintGCWatermark = gcWatermark
	hs.nativeFootprintLimit = limit
}
