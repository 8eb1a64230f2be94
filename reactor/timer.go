// File: reactor/timer.go
// Package reactor implements the I/O readiness multiplexer and monotonic
// timers driving pompio contexts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timers are kept in a min-heap ordered by monotonic expiry. The loop
// shortens its wait by the nearest deadline and fires due timers after
// each wait cycle, on the loop thread only.

package reactor

import (
	"container/heap"
	"time"
)

// TimerCallback is invoked on the loop thread when the timer fires.
type TimerCallback func(t *Timer)

// Timer is a one-shot or periodic timer attached to a loop.
type Timer struct {
	loop     *Loop
	cb       TimerCallback
	deadline time.Time
	period   time.Duration
	idx      int // heap index, -1 while unarmed
}

// NewTimer creates an unarmed timer on the loop.
func (l *Loop) NewTimer(cb TimerCallback) *Timer {
	return &Timer{loop: l, cb: cb, idx: -1}
}

// Set arms the timer to fire once after delay milliseconds, replacing any
// previous schedule.
func (t *Timer) Set(delayMs uint32) {
	t.Clear()
	t.deadline = time.Now().Add(time.Duration(delayMs) * time.Millisecond)
	t.period = 0
	heap.Push(&t.loop.timers, t)
}

// SetPeriodic arms the timer to fire after delay milliseconds and then
// every period milliseconds. Re-arming is based on the schedule, not on
// how long the callback ran.
func (t *Timer) SetPeriodic(delayMs, periodMs uint32) {
	t.Clear()
	t.deadline = time.Now().Add(time.Duration(delayMs) * time.Millisecond)
	t.period = time.Duration(periodMs) * time.Millisecond
	heap.Push(&t.loop.timers, t)
}

// Clear disarms the timer. A cleared timer can be armed again.
func (t *Timer) Clear() {
	if t.idx >= 0 {
		heap.Remove(&t.loop.timers, t.idx)
	}
}

// timerHeap is a min-heap of armed timers by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx = i; h[j].idx = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.idx = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}

// nextDelayMs returns the milliseconds until the nearest deadline.
func (h timerHeap) nextDelayMs() (int, bool) {
	if len(h) == 0 {
		return 0, false
	}
	d := time.Until(h[0].deadline)
	if d < 0 {
		return 0, true
	}
	// Round up so the loop does not spin on a not-quite-due timer.
	return int((d + time.Millisecond - 1) / time.Millisecond), true
}

// fireTimers runs all due timers, re-arming periodic ones by their period.
// Reports whether any timer fired.
func (l *Loop) fireTimers() bool {
	fired := false
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		if t.period > 0 {
			t.deadline = t.deadline.Add(t.period)
			heap.Push(&l.timers, t)
		}
		fired = true
		t.cb(t)
	}
	return fired
}
