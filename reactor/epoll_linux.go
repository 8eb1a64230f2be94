//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Package reactor - Linux epoll backend with eventfd wakeup.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

type epollBackend struct {
	epfd int
	evfd int
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	b := &epollBackend{epfd: epfd, evfd: evfd}
	if err := b.add(evfd, FdEventIn); err != nil {
		_ = b.close()
		return nil, err
	}
	return b, nil
}

func toEpollEvents(events FdEvent) uint32 {
	var ev uint32
	if events&FdEventIn != 0 {
		ev |= unix.EPOLLIN
	}
	if events&FdEventOut != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) FdEvent {
	var revents FdEvent
	if ev&unix.EPOLLIN != 0 {
		revents |= FdEventIn
	}
	if ev&unix.EPOLLOUT != 0 {
		revents |= FdEventOut
	}
	if ev&unix.EPOLLERR != 0 {
		revents |= FdEventErr
	}
	if ev&unix.EPOLLHUP != 0 {
		revents |= FdEventHup
	}
	return revents
}

func (b *epollBackend) ctl(op, fd int, events FdEvent) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	return nil
}

func (b *epollBackend) add(fd int, events FdEvent) error {
	return b.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (b *epollBackend) update(fd int, events FdEvent) error {
	return b.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (b *epollBackend) remove(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (b *epollBackend) wait(ready []readyEvent, timeoutMs int) (int, error) {
	events := make([]unix.EpollEvent, len(ready))
	n, err := unix.EpollWait(b.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ready[i] = readyEvent{fd: int(events[i].Fd), revents: fromEpollEvents(events[i].Events)}
	}
	return n, nil
}

func (b *epollBackend) wakeupFd() int {
	return b.evfd
}

func (b *epollBackend) signalWakeup() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(b.evfd, one[:])
}

func (b *epollBackend) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(b.evfd, buf[:])
}

func (b *epollBackend) masterFd() (int, error) {
	return b.epfd, nil
}

func (b *epollBackend) close() error {
	_ = unix.Close(b.evfd)
	return unix.Close(b.epfd)
}
