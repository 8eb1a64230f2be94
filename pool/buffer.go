// File: pool/buffer.go
// Package pool implements reference-counted byte buffers with attached
// file descriptors, and a recycling pool for them.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Buffer is shared between a message and any pending send queue entries.
// The reference count is atomic so sharing stays sound if buffers ever cross
// loops. Descriptors appended to a buffer are owned by it and closed exactly
// once, when the last reference is dropped.

package pool

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

// Buffer is a growable byte sequence plus an ordered list of owned
// file descriptors.
type Buffer struct {
	data []byte
	fds  []int
	refs int32
}

// NewBuffer creates a buffer with the given initial capacity and a
// reference count of one.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		data: make([]byte, 0, capacity),
		refs: 1,
	}
}

// Retain increments the reference count and returns the buffer.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release drops one reference. When the last reference is gone, all owned
// descriptors are closed and the storage is recycled.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refs, -1) != 0 {
		return
	}
	b.CloseFds()
	putBuffer(b)
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int {
	return int(atomic.LoadInt32(&b.refs))
}

// Bytes returns the current contents. The slice aliases internal storage.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len reports the number of bytes written so far.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap reports the current capacity.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Append adds p to the end of the buffer, growing storage as needed.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// AppendByte adds a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.data = append(b.data, c)
}

// Extend grows the buffer by n zero bytes and returns the slice covering
// the newly reserved region.
func (b *Buffer) Extend(n int) []byte {
	old := len(b.data)
	b.data = append(b.data, make([]byte, n)...)
	return b.data[old:]
}

// WriteAt overwrites previously written bytes starting at off.
func (b *Buffer) WriteAt(off int, p []byte) error {
	if off < 0 || off+len(p) > len(b.data) {
		return fmt.Errorf("write at %d..%d beyond length %d: %w",
			off, off+len(p), len(b.data), api.ErrInvalidArgument)
	}
	copy(b.data[off:], p)
	return nil
}

// Reset truncates the contents, keeping capacity and descriptors untouched.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// AppendFd transfers ownership of fd to the buffer.
func (b *Buffer) AppendFd(fd int) {
	b.fds = append(b.fds, fd)
}

// Fds returns the owned descriptors in append order.
func (b *Buffer) Fds() []int {
	return b.fds
}

// TakeFds detaches the descriptor list from the buffer without closing it.
// The caller becomes responsible for the descriptors.
func (b *Buffer) TakeFds() []int {
	fds := b.fds
	b.fds = nil
	return fds
}

// CloseFds closes and drops all owned descriptors.
func (b *Buffer) CloseFds() {
	for _, fd := range b.fds {
		_ = unix.Close(fd)
	}
	b.fds = nil
}

// Clone returns a deep copy of the buffer with its own storage and
// duplicated descriptors. Broadcast of fd-bearing messages uses this since
// the kernel consumes ancillary descriptors at send time.
func (b *Buffer) Clone() (*Buffer, error) {
	nb := GetBuffer(len(b.data))
	nb.Append(b.data)
	for _, fd := range b.fds {
		dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			nb.Release()
			return nil, api.NewIOError("dup", err)
		}
		nb.AppendFd(dup)
	}
	return nb, nil
}
