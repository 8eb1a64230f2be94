//go:build linux
// +build linux

// File: transport/peercred_linux.go
// Package transport - SO_PEERCRED lookup for unix local sockets.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "golang.org/x/sys/unix"

func peerCred(fd int) *Ucred {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil
	}
	return &Ucred{Pid: cred.Pid, Uid: cred.Uid, Gid: cred.Gid}
}
