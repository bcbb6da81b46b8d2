package qatomic

import "sync"

// noCopyMutex wraps sync.Mutex with a vet-visible noCopy marker, following
// the teacher's documented convention that a Mutex "must not be copied
// after first use."
type noCopyMutex struct {
	_  noCopy
	mu sync.Mutex
}

func (m *noCopyMutex) Lock()   { m.mu.Lock() }
func (m *noCopyMutex) Unlock() { m.mu.Unlock() }

// noCopy can be embedded to let `go vet`'s copylocks check flag accidental
// copies of a value that contains a lock.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
