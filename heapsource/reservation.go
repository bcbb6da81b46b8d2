package heapsource

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// reservation is the virtual-memory backing for one HeapSource: a single
// contiguous mapping [base, base+length) reserved PROT_NONE up front, with
// [base, brk) progressively switched to PROT_READ|PROT_WRITE as sub-heaps
// grow. This is the Go-idiomatic analogue of the teacher's sysReserve/
// sysMap/sysUnused split in malloc.go, using golang.org/x/sys/unix instead
// of the runtime's internal syscall stubs since this package lives outside
// package runtime and has no access to those.
type reservation struct {
	mem   []byte
	base  uintptr
	limit uintptr
	brk   uintptr
}

func newReservation(length uintptr) (*reservation, error) {
	pageSize := uintptr(unix.Getpagesize())
	length = roundUp(length, pageSize)

	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("heapsource: reserve %d bytes: %w", length, err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	return &reservation{
		mem:   mem,
		base:  base,
		limit: base + length,
		brk:   base,
	}, nil
}

// close unmaps the reservation. Only used by tests and process shutdown;
// a live HeapSource never calls this on its own mapping.
func (r *reservation) close() error {
	return unix.Munmap(r.mem)
}

// grow commits pages so that brk advances to newBrk, mprotecting the newly
// committed prefix READ|WRITE. It is a no-op if newBrk <= brk already.
func (r *reservation) grow(newBrk uintptr) error {
	newBrk = roundUp(newBrk, uintptr(unix.Getpagesize()))
	if newBrk <= r.brk {
		return nil
	}
	if newBrk > r.limit {
		return fmt.Errorf("heapsource: grow to %#x exceeds reservation limit %#x", newBrk, r.limit)
	}
	off := r.brk - r.base
	n := newBrk - r.brk
	if err := unix.Mprotect(r.mem[off:off+n], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("heapsource: mprotect growth: %w", err)
	}
	r.brk = newBrk
	return nil
}

// shrink releases committed pages back to PROT_NONE, advising the kernel
// the content is forfeit — spec.md §4.3's Bitmap.zero() and §4.4's
// low-memory CardTable.clear() make the same tradeoff.
func (r *reservation) shrink(newBrk uintptr) error {
	newBrk = roundUp(newBrk, uintptr(unix.Getpagesize()))
	if newBrk >= r.brk {
		return nil
	}
	off := newBrk - r.base
	n := r.brk - newBrk
	_ = unix.Madvise(r.mem[off:off+n], unix.MADV_DONTNEED)
	if err := unix.Mprotect(r.mem[off:off+n], unix.PROT_NONE); err != nil {
		return fmt.Errorf("heapsource: mprotect shrink: %w", err)
	}
	r.brk = newBrk
	return nil
}

// bytes returns a slice view of n bytes at addr, for the allocator's
// chunk-header bookkeeping.
func (r *reservation) bytes(addr, n uintptr) []byte {
	off := addr - r.base
	return r.mem[off : off+n]
}

func (r *reservation) contains(addr uintptr) bool {
	return addr >= r.base && addr < r.limit
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
