// File: pool/bufferpool.go
// Package pool implements reference-counted byte buffers with attached
// file descriptors, and a recycling pool for them.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

// Channel-based recycling keeps steady-state message traffic free of
// allocator churn without any locking on the fast path.
var freeList = make(chan *Buffer, 1024)

const minCapacity = 512

// GetBuffer returns a buffer with capacity of at least size and a
// reference count of one.
func GetBuffer(size int) *Buffer {
	if size < minCapacity {
		size = minCapacity
	}
	select {
	case b := <-freeList:
		if cap(b.data) >= size {
			b.data = b.data[:0]
			b.refs = 1
			return b
		}
	default:
	}
	return NewBuffer(size)
}

func putBuffer(b *Buffer) {
	b.data = b.data[:0]
	b.fds = nil
	select {
	case freeList <- b:
	default:
		// Pool full, let the GC take it.
	}
}
