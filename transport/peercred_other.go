//go:build !linux
// +build !linux

// File: transport/peercred_other.go
// Package transport - peer credential stub for platforms without
// SO_PEERCRED.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

func peerCred(fd int) *Ucred {
	return nil
}
