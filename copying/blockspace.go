// Package copying implements the mostly-copying (Bartlett-style)
// collector from spec.md §4.7: a fixed-block-size to/from space,
// promotion-by-pinning, a scan queue of to-space blocks, and forwarding
// pointers tagged into the object's class-pointer slot.
//
// The teacher's heap is non-moving, so BlockSpace is grounded instead on
// its free-list-of-fixed-size-units shape (mcentral.go's partial/full
// span lists, here flattened to a single free/from/to block array since
// this package has no size classes of its own — every block is the same
// BlockSize).
package copying

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed block granularity spec.md §4.7 allocates and
// collects.
const BlockSize = 512

// BlockState is one block's role in the current to/from split.
type BlockState byte

const (
	StateFree BlockState = iota
	StateFrom
	StateTo
)

// BlockSpace owns the reservation and the per-block state/queue
// bookkeeping the scavenger drives.
type BlockSpace struct {
	mem       []byte
	base      uintptr
	numBlocks int

	state     []BlockState
	continued []bool // continued[i]: block i extends the multi-block object starting at an earlier block

	queue []int // FIFO of TO-space block indices awaiting scan
	free  []int // LIFO of free block indices

	allocBlock           int
	allocPtr, allocLimit uintptr
}

// NewBlockSpace reserves totalSize bytes (rounded up to a block),
// committed read/write up front — unlike heapsource's lazily-committed
// reservation, the copying engine has no soft-limit concept to defer
// commitment for.
func NewBlockSpace(totalSize uintptr) (*BlockSpace, error) {
	n := int((totalSize + BlockSize - 1) / BlockSize)
	if n == 0 {
		n = 1
	}
	mem, err := unix.Mmap(-1, 0, n*BlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("copying: reserve block space: %w", err)
	}
	bs := &BlockSpace{
		mem:       mem,
		base:      uintptr(unsafe.Pointer(&mem[0])),
		numBlocks: n,
		state:     make([]BlockState, n),
		continued: make([]bool, n),
	}
	for i := n - 1; i >= 0; i-- {
		bs.free = append(bs.free, i)
	}
	bs.acquireNewAllocBlock()
	return bs, nil
}

func (bs *BlockSpace) Close() error { return unix.Munmap(bs.mem) }

func (bs *BlockSpace) Base() uintptr   { return bs.base }
func (bs *BlockSpace) NumBlocks() int  { return bs.numBlocks }
func (bs *BlockSpace) blockAddr(i int) uintptr { return bs.base + uintptr(i)*BlockSize }

// BlockIndex returns the block containing addr.
func (bs *BlockSpace) BlockIndex(addr uintptr) int { return int((addr - bs.base) / BlockSize) }

// State reports block i's current role.
func (bs *BlockSpace) State(i int) BlockState { return bs.state[i] }

func (bs *BlockSpace) acquireFreeBlock() (int, bool) {
	if len(bs.free) == 0 {
		return 0, false
	}
	i := bs.free[len(bs.free)-1]
	bs.free = bs.free[:len(bs.free)-1]
	return i, true
}

func (bs *BlockSpace) removeFromFreeList(i int) {
	for idx, v := range bs.free {
		if v == i {
			bs.free = append(bs.free[:idx], bs.free[idx+1:]...)
			return
		}
	}
}

func (bs *BlockSpace) acquireNewAllocBlock() bool {
	i, ok := bs.acquireFreeBlock()
	if !ok {
		return false
	}
	bs.state[i] = StateTo
	bs.queue = append(bs.queue, i)
	bs.allocBlock = i
	bs.allocPtr = bs.blockAddr(i)
	bs.allocLimit = bs.allocPtr + BlockSize
	return true
}

// Alloc bump-allocates n bytes of to-space per spec.md §4.7: within the
// current block if it fits, else one new free block if n <= BlockSize,
// else a contiguous run of ceil(n/BlockSize) free blocks with the tail
// marked continued.
func (bs *BlockSpace) Alloc(n uintptr) (uintptr, bool) {
	if n == 0 {
		n = 1
	}
	if bs.allocPtr+n <= bs.allocLimit {
		addr := bs.allocPtr
		bs.allocPtr += n
		return addr, true
	}
	if n <= BlockSize {
		if !bs.acquireNewAllocBlock() {
			return 0, false
		}
		return bs.Alloc(n)
	}
	return bs.allocLarge(n)
}

func (bs *BlockSpace) allocLarge(n uintptr) (uintptr, bool) {
	need := int((n + BlockSize - 1) / BlockSize)
	start, ok := bs.findContiguousFree(need)
	if !ok {
		return 0, false
	}
	for i := start; i < start+need; i++ {
		bs.removeFromFreeList(i)
		bs.state[i] = StateTo
		bs.continued[i] = i != start
	}
	bs.queue = append(bs.queue, start)
	return bs.blockAddr(start), true
}

func (bs *BlockSpace) findContiguousFree(need int) (int, bool) {
	run := 0
	for i := 0; i < bs.numBlocks; i++ {
		if bs.state[i] == StateFree {
			run++
			if run == need {
				return i - need + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Flip turns every TO block into a FROM block and resets the allocator
// onto a fresh empty TO block — spec.md §4.7 step 1.
func (bs *BlockSpace) Flip() error {
	for i, s := range bs.state {
		if s == StateTo {
			bs.state[i] = StateFrom
		}
	}
	bs.queue = bs.queue[:0]
	if !bs.acquireNewAllocBlock() {
		return errors.New("copying: no free block available after flip")
	}
	return nil
}

// Promote converts the object spanning block i (and any blocks
// `continued` from it) from FROM to TO and enqueues its head for
// scanning — the Bartlett "promote by pinning" trick that keeps an
// ambiguously-referenced block's contents in place rather than copying
// them (spec.md §4.7 step 2).
func (bs *BlockSpace) Promote(i int) bool {
	if bs.state[i] != StateFrom {
		return false
	}
	bs.state[i] = StateTo
	for j := i + 1; j < bs.numBlocks && bs.continued[j]; j++ {
		bs.state[j] = StateTo
	}
	bs.queue = append(bs.queue, i)
	return true
}

// PromoteContaining walks back over continuation blocks to find addr's
// object head, then promotes it. Used when a conservative stack/JNI scan
// finds an ambiguous pointer into from-space.
func (bs *BlockSpace) PromoteContaining(addr uintptr) bool {
	i := bs.BlockIndex(addr)
	for i > 0 && bs.continued[i] {
		i--
	}
	return bs.Promote(i)
}

// DequeueScan pops the next TO block awaiting a linear scan, in FIFO
// (queue) order, along with the number of trailing continued blocks it
// spans. Returns ok=false once the queue is empty — the signal that a
// scavenge has reached closure.
func (bs *BlockSpace) DequeueScan() (blockIndex, span int, ok bool) {
	if len(bs.queue) == 0 {
		return 0, 0, false
	}
	i := bs.queue[0]
	bs.queue = bs.queue[1:]
	span = 1
	for j := i + 1; j < bs.numBlocks && bs.continued[j]; j++ {
		span++
	}
	return i, span, true
}

// QueueEmpty reports whether the scan queue has drained (closure reached
// assuming no further Alloc/Promote calls are made concurrently).
func (bs *BlockSpace) QueueEmpty() bool { return len(bs.queue) == 0 }

// ScanBounds returns the byte range to scan for a dequeued (index, span)
// pair: the full span, except the block currently receiving bump
// allocations, which is only safe to scan up to its current frontier.
func (bs *BlockSpace) ScanBounds(i, span int) (lo, hi uintptr) {
	lo = bs.blockAddr(i)
	if span == 1 && i == bs.allocBlock {
		return lo, bs.allocPtr
	}
	return lo, bs.blockAddr(i + span)
}

// Requeue re-enqueues block i if it is still the current allocation block
// and bytes were appended to it past prevFrontier since ScanBounds was
// computed — the Cheney "scan pointer chasing the allocation pointer"
// case, which keeps a single growing block under active scan.
func (bs *BlockSpace) Requeue(i int, prevFrontier uintptr) {
	if i == bs.allocBlock && bs.allocPtr > prevFrontier {
		bs.queue = append(bs.queue, i)
	}
}

// Reclaim walks every FROM block, marks it FREE, and zeroes its backing
// bytes — spec.md §4.7 step 7's "verify & reclaim".
func (bs *BlockSpace) Reclaim() {
	for i, s := range bs.state {
		if s != StateFrom {
			continue
		}
		bs.state[i] = StateFree
		bs.continued[i] = false
		bs.free = append(bs.free, i)
		off := uintptr(i) * BlockSize
		for k := range bs.mem[off : off+BlockSize] {
			bs.mem[off+uintptr(k)] = 0
		}
	}
}

// Bytes returns a slice view of n bytes at addr — the one place this
// package touches raw memory directly, for object-copy implementations
// supplied by the owner.
func (bs *BlockSpace) Bytes(addr, n uintptr) []byte {
	off := addr - bs.base
	return bs.mem[off : off+n]
}
