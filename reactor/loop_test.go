// File: reactor/loop_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

func TestLoopTimeout(t *testing.T) {
	loop := newTestLoop(t)
	start := time.Now()
	err := loop.WaitAndProcess(30)
	assert.True(t, errors.Is(err, api.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestLoopFdReadiness(t *testing.T) {
	loop := newTestLoop(t)
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	require.NoError(t, unix.SetNonblock(p[0], true))

	got := 0
	require.NoError(t, loop.Add(p[0], FdEventIn, func(fd int, revents FdEvent) {
		require.NotZero(t, revents&FdEventIn)
		var buf [8]byte
		n, _ := unix.Read(fd, buf[:])
		got += n
	}))
	assert.True(t, loop.HasFd(p[0]))

	_, err := unix.Write(p[1], []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, loop.WaitAndProcess(1000))
	assert.Equal(t, 4, got)

	require.NoError(t, loop.Remove(p[0]))
	assert.False(t, loop.HasFd(p[0]))
}

func TestLoopAddDuplicate(t *testing.T) {
	loop := newTestLoop(t)
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	cb := func(int, FdEvent) {}
	require.NoError(t, loop.Add(p[0], FdEventIn, cb))
	err := loop.Add(p[0], FdEventIn, cb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestWakeupFromOtherThread(t *testing.T) {
	loop := newTestLoop(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		loop.Wakeup()
	}()
	start := time.Now()
	require.NoError(t, loop.WaitAndProcess(5000))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWakeupCoalesces(t *testing.T) {
	loop := newTestLoop(t)
	for i := 0; i < 10; i++ {
		loop.Wakeup()
	}
	// All pending wakeups collapse into a single token.
	require.NoError(t, loop.WaitAndProcess(100))
	err := loop.WaitAndProcess(30)
	assert.True(t, errors.Is(err, api.ErrTimeout))
}

func TestTimerOneShot(t *testing.T) {
	loop := newTestLoop(t)
	fired := 0
	timer := loop.NewTimer(func(*Timer) { fired++ })
	timer.Set(20)

	require.NoError(t, loop.WaitAndProcess(1000))
	assert.Equal(t, 1, fired)

	// One-shot: no further firing.
	err := loop.WaitAndProcess(60)
	assert.True(t, errors.Is(err, api.ErrTimeout))
	assert.Equal(t, 1, fired)
}

func TestTimerPeriodic(t *testing.T) {
	loop := newTestLoop(t)
	fired := 0
	timer := loop.NewTimer(func(*Timer) { fired++ })
	timer.SetPeriodic(10, 10)

	deadline := time.Now().Add(500 * time.Millisecond)
	for fired < 3 && time.Now().Before(deadline) {
		_ = loop.WaitAndProcess(100)
	}
	assert.GreaterOrEqual(t, fired, 3)

	timer.Clear()
	fired = 0
	err := loop.WaitAndProcess(50)
	assert.True(t, errors.Is(err, api.ErrTimeout))
	assert.Equal(t, 0, fired)
}

func TestTimerClearBeforeFire(t *testing.T) {
	loop := newTestLoop(t)
	fired := false
	timer := loop.NewTimer(func(*Timer) { fired = true })
	timer.Set(20)
	timer.Clear()
	err := loop.WaitAndProcess(60)
	assert.True(t, errors.Is(err, api.ErrTimeout))
	assert.False(t, fired)
}
