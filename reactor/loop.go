// File: reactor/loop.go
// Package reactor implements the I/O readiness multiplexer and monotonic
// timers driving pompio contexts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Loop owns a descriptor table and a timer heap. All callbacks fire on
// the thread calling WaitAndProcess; the only operation safe from other
// threads (and from signal handlers) is Wakeup.

package reactor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/momentics/pompio/api"
)

// FdEvent is a bitmask of descriptor readiness conditions.
type FdEvent uint32

const (
	// FdEventIn signals readable data.
	FdEventIn FdEvent = 0x001
	// FdEventOut signals writable space.
	FdEventOut FdEvent = 0x004
	// FdEventErr signals a descriptor error condition.
	FdEventErr FdEvent = 0x008
	// FdEventHup signals a peer hangup.
	FdEventHup FdEvent = 0x010
)

// FdCallback is invoked on the loop thread with the triggered events.
type FdCallback func(fd int, revents FdEvent)

// backend abstracts the platform readiness facility (epoll on Linux, poll
// elsewhere). The implementation is selected at build time.
type backend interface {
	add(fd int, events FdEvent) error
	update(fd int, events FdEvent) error
	remove(fd int) error
	wait(ready []readyEvent, timeoutMs int) (int, error)
	wakeupFd() int
	signalWakeup()
	drainWakeup()
	masterFd() (int, error)
	close() error
}

type readyEvent struct {
	fd      int
	revents FdEvent
}

type fdHandler struct {
	events FdEvent
	cb     FdCallback
}

// Loop multiplexes descriptor readiness and timer expiry.
type Loop struct {
	backend  backend
	handlers map[int]*fdHandler
	timers   timerHeap
	ready    []readyEvent
	pending  int32
	closed   bool
}

// New creates a loop with the platform backend.
func New() (*Loop, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Loop{
		backend:  b,
		handlers: make(map[int]*fdHandler),
		ready:    make([]readyEvent, 64),
	}, nil
}

// Add registers fd for the given events.
func (l *Loop) Add(fd int, events FdEvent, cb FdCallback) error {
	if fd < 0 || cb == nil {
		return fmt.Errorf("add fd %d: %w", fd, api.ErrInvalidArgument)
	}
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("fd %d already registered: %w", fd, api.ErrInvalidArgument)
	}
	if err := l.backend.add(fd, events); err != nil {
		return err
	}
	l.handlers[fd] = &fdHandler{events: events, cb: cb}
	return nil
}

// Update changes the monitored event set of a registered fd.
func (l *Loop) Update(fd int, events FdEvent) error {
	h, ok := l.handlers[fd]
	if !ok {
		return fmt.Errorf("fd %d not registered: %w", fd, api.ErrInvalidArgument)
	}
	if err := l.backend.update(fd, events); err != nil {
		return err
	}
	h.events = events
	return nil
}

// Remove unregisters a fd from the loop.
func (l *Loop) Remove(fd int) error {
	if _, ok := l.handlers[fd]; !ok {
		return fmt.Errorf("fd %d not registered: %w", fd, api.ErrInvalidArgument)
	}
	delete(l.handlers, fd)
	return l.backend.remove(fd)
}

// HasFd reports whether fd is registered in the loop.
func (l *Loop) HasFd(fd int) bool {
	_, ok := l.handlers[fd]
	return ok
}

// Fd returns the master descriptor of the loop, suitable for nesting into
// an external readiness loop. Only the epoll backend has one; others
// return ErrUnsupported.
func (l *Loop) Fd() (int, error) {
	return l.backend.masterFd()
}

// Wakeup makes a concurrent WaitAndProcess return promptly. It is safe
// from any thread and from signal handlers; the pending flag collapses
// write storms into a single token per wait cycle.
func (l *Loop) Wakeup() {
	if atomic.CompareAndSwapInt32(&l.pending, 0, 1) {
		l.backend.signalWakeup()
	}
}

// ProcessFd dispatches whatever is ready without waiting.
func (l *Loop) ProcessFd() error {
	err := l.WaitAndProcess(0)
	if err == api.ErrTimeout {
		return nil
	}
	return err
}

// WaitAndProcess waits up to timeoutMs (-1 for no limit) for descriptor
// readiness, timer expiry or a wakeup, and dispatches the callbacks. It
// returns nil when at least one delivery happened and ErrTimeout when the
// timeout expired with no work.
func (l *Loop) WaitAndProcess(timeoutMs int) error {
	if l.closed {
		return api.ErrClosed
	}
	deadline := time.Time{}
	if timeoutMs >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	for {
		wait := -1
		if timeoutMs >= 0 {
			wait = int(time.Until(deadline) / time.Millisecond)
			if wait < 0 {
				wait = 0
			}
		}
		if d, ok := l.timers.nextDelayMs(); ok && (wait < 0 || d < wait) {
			wait = d
		}

		n, err := l.backend.wait(l.ready, wait)
		if err != nil {
			return err
		}

		delivered := false
		for i := 0; i < n; i++ {
			ev := l.ready[i]
			if ev.fd == l.backend.wakeupFd() {
				l.backend.drainWakeup()
				atomic.StoreInt32(&l.pending, 0)
				delivered = true
				continue
			}
			// The handler may have been removed by an earlier callback in
			// this same batch.
			if h, ok := l.handlers[ev.fd]; ok {
				h.cb(ev.fd, ev.revents)
				delivered = true
			}
		}
		if l.fireTimers() {
			delivered = true
		}

		if delivered {
			return nil
		}
		if timeoutMs >= 0 && !time.Now().Before(deadline) {
			return api.ErrTimeout
		}
	}
}

// Close tears down the loop. Registered descriptors are not closed; they
// belong to their owners.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.handlers = make(map[int]*fdHandler)
	return l.backend.close()
}
