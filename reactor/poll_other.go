//go:build !linux && !windows
// +build !linux,!windows

// File: reactor/poll_other.go
// Package reactor - poll(2) fallback backend with self-pipe wakeup.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

type pollBackend struct {
	fds     map[int]FdEvent
	pipeR   int
	pipeW   int
	pollSet []unix.PollFd
}

func newBackend() (backend, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	_ = unix.SetNonblock(p[0], true)
	_ = unix.SetNonblock(p[1], true)
	b := &pollBackend{
		fds:   make(map[int]FdEvent),
		pipeR: p[0],
		pipeW: p[1],
	}
	b.fds[b.pipeR] = FdEventIn
	return b, nil
}

func toPollEvents(events FdEvent) int16 {
	var ev int16
	if events&FdEventIn != 0 {
		ev |= unix.POLLIN
	}
	if events&FdEventOut != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollEvents(ev int16) FdEvent {
	var revents FdEvent
	if ev&unix.POLLIN != 0 {
		revents |= FdEventIn
	}
	if ev&unix.POLLOUT != 0 {
		revents |= FdEventOut
	}
	if ev&unix.POLLERR != 0 {
		revents |= FdEventErr
	}
	if ev&unix.POLLHUP != 0 {
		revents |= FdEventHup
	}
	return revents
}

func (b *pollBackend) add(fd int, events FdEvent) error {
	b.fds[fd] = events
	return nil
}

func (b *pollBackend) update(fd int, events FdEvent) error {
	b.fds[fd] = events
	return nil
}

func (b *pollBackend) remove(fd int) error {
	delete(b.fds, fd)
	return nil
}

func (b *pollBackend) wait(ready []readyEvent, timeoutMs int) (int, error) {
	b.pollSet = b.pollSet[:0]
	for fd, events := range b.fds {
		b.pollSet = append(b.pollSet, unix.PollFd{Fd: int32(fd), Events: toPollEvents(events)})
	}
	n, err := unix.Poll(b.pollSet, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	count := 0
	for i := range b.pollSet {
		if count >= len(ready) || n == 0 {
			break
		}
		if b.pollSet[i].Revents == 0 {
			continue
		}
		ready[count] = readyEvent{
			fd:      int(b.pollSet[i].Fd),
			revents: fromPollEvents(b.pollSet[i].Revents),
		}
		count++
		n--
	}
	return count, nil
}

func (b *pollBackend) wakeupFd() int {
	return b.pipeR
}

func (b *pollBackend) signalWakeup() {
	_, _ = unix.Write(b.pipeW, []byte{1})
}

func (b *pollBackend) drainWakeup() {
	var buf [16]byte
	for {
		n, err := unix.Read(b.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (b *pollBackend) masterFd() (int, error) {
	return -1, api.ErrUnsupported
}

func (b *pollBackend) close() error {
	_ = unix.Close(b.pipeW)
	return unix.Close(b.pipeR)
}
