// File: pool/buffer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendAndWriteAt(t *testing.T) {
	b := NewBuffer(4)
	b.Append([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, 8, b.Len())
	require.NoError(t, b.WriteAt(2, []byte{9, 9}))
	assert.Equal(t, []byte{1, 2, 9, 9, 5, 6, 7, 8}, b.Bytes())
	assert.Error(t, b.WriteAt(7, []byte{0, 0}))
	b.Release()
}

func TestBufferExtend(t *testing.T) {
	b := NewBuffer(0)
	region := b.Extend(12)
	assert.Len(t, region, 12)
	assert.Equal(t, 12, b.Len())
	b.Release()
}

func TestBufferRefcount(t *testing.T) {
	b := GetBuffer(16)
	assert.Equal(t, 1, b.Refs())
	b.Retain()
	assert.Equal(t, 2, b.Refs())
	b.Release()
	assert.Equal(t, 1, b.Refs())
	b.Release()
}

func fdIsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestBufferClosesFdsOnce(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[1])

	b := GetBuffer(8)
	b.AppendFd(p[0])
	b.Retain()
	b.Release()
	assert.True(t, fdIsOpen(p[0]), "fd closed while references remain")
	b.Release()
	assert.False(t, fdIsOpen(p[0]), "fd must be closed with the last reference")
}

func TestBufferTakeFds(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[1])

	b := GetBuffer(8)
	b.AppendFd(p[0])
	fds := b.TakeFds()
	require.Equal(t, []int{p[0]}, fds)
	b.Release()
	assert.True(t, fdIsOpen(p[0]), "detached fd must survive the buffer")
	unix.Close(p[0])
}

func TestBufferClone(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	b := GetBuffer(8)
	b.Append([]byte("data"))
	b.AppendFd(mustDup(t, p[0]))

	c, err := b.Clone()
	require.NoError(t, err)
	assert.Equal(t, b.Bytes(), c.Bytes())
	require.Len(t, c.Fds(), 1)
	assert.NotEqual(t, b.Fds()[0], c.Fds()[0])

	cloned := c.Fds()[0]
	b.Release()
	assert.True(t, fdIsOpen(cloned), "clone descriptor tied to original lifetime")
	c.Release()
	assert.False(t, fdIsOpen(cloned))
}

func mustDup(t *testing.T, fd int) int {
	t.Helper()
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	require.NoError(t, err)
	return dup
}
