// File: transport/socket.go
// Package transport - socket creation helpers shared by the context
// dispatchers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/addr"
	"github.com/momentics/pompio/api"
)

// Ucred carries the peer process credentials of a unix local connection.
type Ucred struct {
	Pid int32
	Uid uint32
	Gid uint32
}

// NewSocket creates a nonblocking close-on-exec socket matching the
// address family.
func NewSocket(sa unix.Sockaddr, sotype int) (int, error) {
	family, err := addr.Family(sa)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, api.NewIOError("socket", err)
	}
	return fd, nil
}

// SetupStream applies the stream socket options used on accepted and
// connected sockets: nonblocking plus TCP_NODELAY on inet.
func SetupStream(fd int, isUnix bool) {
	_ = unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	if !isUnix {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
}
