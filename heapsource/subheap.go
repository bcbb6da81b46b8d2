package heapsource

import "encoding/binary"

// subHeap is one of HeapSource's at-most-two sub-heaps (spec.md §3): a
// backing allocator handle plus the counters and limits that govern it.
// Free chunks are kept on size-classed free lists, each a Go slice of
// chunk addresses (freeLists below); no link pointer is stored inside a
// free chunk.
type subHeap struct {
	res *reservation

	top         uintptr // next never-yet-used address within the committed range
	freeLists   [numSizeClasses][]uintptr
	largeChunks map[uintptr]uintptr // addr -> usable size, for allocations > maxSmallSize

	maximumSize          uintptr
	growthLimit          uintptr
	concurrentStartBytes uintptr
	bytesAllocated       uintptr
	objectsAllocated     uintptr

	immutable bool // true for the frozen post-fork zygote sub-heap
}

func newSubHeap(res *reservation, base, maximumSize, growthLimit uintptr) *subHeap {
	return &subHeap{
		res:         res,
		top:         base,
		largeChunks: make(map[uintptr]uintptr),
		maximumSize: maximumSize,
		growthLimit: growthLimit,
	}
}

// alloc returns a usable pointer of at least n bytes, or (0, false) if the
// sub-heap's growth limit is exhausted.
func (s *subHeap) alloc(n uintptr) (uintptr, bool) {
	if s.immutable {
		return 0, false
	}
	class := sizeClassFor(n)
	if class < 0 {
		return s.allocLarge(n)
	}
	chunkSize := classSizes[class]

	if free := s.freeLists[class]; len(free) > 0 {
		addr := free[len(free)-1]
		s.freeLists[class] = free[:len(free)-1]
		s.bytesAllocated += chunkSize
		s.objectsAllocated++
		return addr, true
	}

	need := headerSize + chunkSize
	base := s.res.base
	if s.top+need > base+s.growthLimit {
		return 0, false
	}
	if s.top+need > s.res.brk {
		if err := s.res.grow(s.top + need); err != nil {
			return 0, false
		}
	}
	hdr := s.res.bytes(s.top, headerSize)
	binary.LittleEndian.PutUint64(hdr, uint64(chunkSize)|classTag)
	addr := s.top + headerSize
	s.top += need

	s.bytesAllocated += chunkSize
	s.objectsAllocated++
	return addr, true
}

// classTag distinguishes a small-class header (low bit set) from a large
// allocation's header (low bit clear), so chunkSize can tell them apart
// without a second lookup table.
const classTag = 1

func (s *subHeap) allocLarge(n uintptr) (uintptr, bool) {
	pageSize := uintptr(4096)
	chunkSize := roundUp(n, pageSize)
	need := headerSize + chunkSize
	base := s.res.base
	if s.top+need > base+s.growthLimit {
		return 0, false
	}
	if s.top+need > s.res.brk {
		if err := s.res.grow(s.top + need); err != nil {
			return 0, false
		}
	}
	hdr := s.res.bytes(s.top, headerSize)
	binary.LittleEndian.PutUint64(hdr, uint64(chunkSize)) // low bit clear: large
	addr := s.top + headerSize
	s.top += need

	s.largeChunks[addr] = chunkSize
	s.bytesAllocated += chunkSize
	s.objectsAllocated++
	return addr, true
}

// free returns addr's chunk to the appropriate free list (small) or drops
// its large-chunk bookkeeping, and reports the bytes reclaimed.
func (s *subHeap) free(addr uintptr) uintptr {
	if sz, ok := s.largeChunks[addr]; ok {
		delete(s.largeChunks, addr)
		s.bytesAllocated -= sz
		s.objectsAllocated--
		return sz
	}
	hdr := s.res.bytes(addr-headerSize, headerSize)
	raw := binary.LittleEndian.Uint64(hdr)
	chunkSize := uintptr(raw &^ classTag)
	class := sizeClassFor(chunkSize)
	s.freeLists[class] = append(s.freeLists[class], addr)
	s.bytesAllocated -= chunkSize
	s.objectsAllocated--
	return chunkSize
}

// chunkSize reports the usable size of the allocation at addr.
func (s *subHeap) chunkSize(addr uintptr) uintptr {
	if sz, ok := s.largeChunks[addr]; ok {
		return sz
	}
	hdr := s.res.bytes(addr-headerSize, headerSize)
	raw := binary.LittleEndian.Uint64(hdr)
	return uintptr(raw &^ classTag)
}

// footprint is the committed-but-not-necessarily-allocated span of this
// sub-heap, i.e. top - base: the analogue of mspace_footprint in
// spec.md's heap invariants (base <= brk <= limit; brk - base ==
// mspace_footprint).
func (s *subHeap) footprint(base uintptr) uintptr {
	return s.top - base
}
