// File: transport/conn_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Framer tests over socketpairs: reassembly across packet boundaries,
// partial writes, descriptor passing and poisoned streams.

package transport

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/protocol"
	"github.com/momentics/pompio/reactor"
)

type recorder struct {
	connected    int
	disconnected int
	msgs         []*protocol.Message
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Connected:    func(*Conn) { r.connected++ },
		Disconnected: func(*Conn) { r.disconnected++ },
		Msg: func(_ *Conn, msg *protocol.Message) {
			cp, err := msg.Copy()
			if err == nil {
				r.msgs = append(r.msgs, cp)
			}
		},
	}
}

func (r *recorder) clear() {
	for _, m := range r.msgs {
		m.Clear()
	}
	r.msgs = nil
}

func newTestLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func pump(t *testing.T, loop *reactor.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		_ = loop.WaitAndProcess(20)
	}
	require.True(t, cond(), "condition not reached before deadline")
}

func writeTestMsg(t *testing.T, id uint32, format string, args ...any) *protocol.Message {
	t.Helper()
	msg := protocol.NewMessage()
	require.NoError(t, msg.Write(id, format, args...))
	return msg
}

func TestConnRoundTrip(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var sender, receiver recorder
	defer receiver.clear()
	a, err := NewConn(fd0, loop, sender.handlers(), nil)
	require.NoError(t, err)
	_, err = NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sender.connected)
	assert.True(t, a.IsUnix())

	msg := writeTestMsg(t, 42, "%u%s", uint32(10), "PING")
	require.NoError(t, a.SendMsg(msg))
	msg.Clear()

	pump(t, loop, func() bool { return len(receiver.msgs) == 1 })
	got := receiver.msgs[0]
	assert.Equal(t, uint32(42), got.ID())
	var u uint32
	var s string
	require.NoError(t, got.Read("%u%s", &u, &s))
	assert.Equal(t, uint32(10), u)
	assert.Equal(t, "PING", s)
}

func TestConnByteAtATimeReassembly(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var receiver recorder
	defer receiver.clear()
	_, err := NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	msg := writeTestMsg(t, 7, "%i%f", int32(-1), float32(3.5))
	frame := append([]byte(nil), msg.Buffer().Bytes()...)
	msg.Clear()

	// Trickle the frame into the raw peer one byte at a time.
	for _, b := range frame {
		_, werr := unix.Write(fd0, []byte{b})
		require.NoError(t, werr)
		_ = loop.ProcessFd()
	}
	pump(t, loop, func() bool { return len(receiver.msgs) == 1 })

	var i int32
	var f float32
	require.NoError(t, receiver.msgs[0].Read("%i%f", &i, &f))
	assert.Equal(t, int32(-1), i)
	assert.Equal(t, float32(3.5), f)
	unix.Close(fd0)
}

func TestConnCoalescedFrames(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var receiver recorder
	defer receiver.clear()
	_, err := NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	// Two frames in a single write must yield two messages in order.
	var stream []byte
	for i := uint32(1); i <= 2; i++ {
		msg := writeTestMsg(t, i, "%u", i*100)
		stream = append(stream, msg.Buffer().Bytes()...)
		msg.Clear()
	}
	_, err = unix.Write(fd0, stream)
	require.NoError(t, err)

	pump(t, loop, func() bool { return len(receiver.msgs) == 2 })
	assert.Equal(t, uint32(1), receiver.msgs[0].ID())
	assert.Equal(t, uint32(2), receiver.msgs[1].ID())
	unix.Close(fd0)
}

func TestConnPartialWriteLargeMessage(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var sender, receiver recorder
	defer receiver.clear()
	a, err := NewConn(fd0, loop, sender.handlers(), nil)
	require.NoError(t, err)
	_, err = NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	// Larger than any socket buffer so the send side needs several
	// writable cycles.
	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := writeTestMsg(t, 9, "%p%u", payload)
	require.NoError(t, a.SendMsg(msg))
	msg.Clear()

	pump(t, loop, func() bool { return len(receiver.msgs) == 1 })
	var got []byte
	require.NoError(t, receiver.msgs[0].Read("%p%u", &got))
	assert.Equal(t, payload, got)
}

func TestConnQueuedMessagesKeepOrder(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var sender, receiver recorder
	defer receiver.clear()
	a, err := NewConn(fd0, loop, sender.handlers(), nil)
	require.NoError(t, err)
	_, err = NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	const count = 50
	for i := uint32(0); i < count; i++ {
		msg := writeTestMsg(t, i, "%u%p%u", i, make([]byte, 64<<10))
		require.NoError(t, a.SendMsg(msg))
		msg.Clear()
	}
	pump(t, loop, func() bool { return len(receiver.msgs) == count })
	for i := uint32(0); i < count; i++ {
		assert.Equal(t, i, receiver.msgs[i].ID())
	}
}

func TestConnFdPassing(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var sender, receiver recorder
	a, err := NewConn(fd0, loop, sender.handlers(), nil)
	require.NoError(t, err)

	var receivedFd = -1
	recvHandlers := receiver.handlers()
	recvHandlers.Msg = func(_ *Conn, msg *protocol.Message) {
		var fd int
		if err := msg.Read("%u%x", new(uint32), &fd); err == nil {
			receivedFd, _ = protocol.DupFd(fd)
		}
	}
	_, err = NewConn(fd1, loop, recvHandlers, nil)
	require.NoError(t, err)

	var pipeFds [2]int
	require.NoError(t, unix.Pipe(pipeFds[:]))

	msg := writeTestMsg(t, 99, "%u%x", uint32(1), pipeFds[0])
	require.NoError(t, a.SendMsg(msg))
	msg.Clear()
	// The sender's own descriptor can go away; the transferred one must
	// keep working.
	unix.Close(pipeFds[0])

	pump(t, loop, func() bool { return receivedFd >= 0 })
	assert.NotEqual(t, pipeFds[0], receivedFd)

	_, err = unix.Write(pipeFds[1], []byte("xyz"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	n, err := unix.Read(receivedFd, buf)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(buf[:n]))

	unix.Close(receivedFd)
	unix.Close(pipeFds[1])
}

func TestConnFdOrderPreserved(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var sender recorder
	a, err := NewConn(fd0, loop, sender.handlers(), nil)
	require.NoError(t, err)

	var got []byte
	recvHandlers := Handlers{
		Msg: func(_ *Conn, msg *protocol.Message) {
			dec := protocol.NewDecoder()
			if err := dec.Init(msg); err != nil {
				return
			}
			defer dec.Clear()
			for i := 0; i < 10; i++ {
				fd, err := dec.ReadFD()
				if err != nil {
					return
				}
				one := make([]byte, 1)
				if n, _ := unix.Read(fd, one); n == 1 {
					got = append(got, one[0])
				}
			}
		},
	}
	_, err = NewConn(fd1, loop, recvHandlers, nil)
	require.NoError(t, err)

	// Ten pipes, each preloaded with its index byte, sent in one message.
	msg := protocol.NewMessage()
	require.NoError(t, msg.Init(5))
	enc := protocol.NewEncoder()
	require.NoError(t, enc.Init(msg))
	var writeEnds []int
	for i := 0; i < 10; i++ {
		var p [2]int
		require.NoError(t, unix.Pipe(p[:]))
		_, werr := unix.Write(p[1], []byte{byte(i)})
		require.NoError(t, werr)
		require.NoError(t, enc.WriteFD(p[0]))
		unix.Close(p[0])
		writeEnds = append(writeEnds, p[1])
	}
	require.NoError(t, msg.Finish())
	require.NoError(t, a.SendMsg(msg))
	msg.Clear()

	pump(t, loop, func() bool { return len(got) == 10 })
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	for _, fd := range writeEnds {
		unix.Close(fd)
	}
}

func TestConnPoisonedStream(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var receiver recorder
	_, err := NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	// A corrupt prefix: wrong magic.
	garbage := []byte{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef}
	_, err = unix.Write(fd0, garbage)
	require.NoError(t, err)

	pump(t, loop, func() bool { return receiver.disconnected == 1 })
	assert.Empty(t, receiver.msgs)
	assert.Equal(t, 1, receiver.disconnected, "exactly one Disconnected")
	unix.Close(fd0)
}

func TestConnOversizeHeader(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var receiver recorder
	_, err := NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:], protocol.Magic)
	binary.LittleEndian.PutUint32(hdr[4:], 1)
	binary.LittleEndian.PutUint32(hdr[8:], protocol.MaxMsgSize+1)
	_, err = unix.Write(fd0, hdr)
	require.NoError(t, err)

	pump(t, loop, func() bool { return receiver.disconnected == 1 })
	assert.Empty(t, receiver.msgs)
	unix.Close(fd0)
}

func TestConnPeerCloseDeliversDisconnected(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var receiver recorder
	_, err := NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)

	unix.Close(fd0)
	pump(t, loop, func() bool { return receiver.disconnected == 1 })
}

func TestConnSendAfterClose(t *testing.T) {
	loop := newTestLoop(t)
	fd0, fd1 := socketPair(t)

	var receiver recorder
	c, err := NewConn(fd1, loop, receiver.handlers(), nil)
	require.NoError(t, err)
	unix.Close(fd0)
	pump(t, loop, func() bool { return receiver.disconnected == 1 })

	msg := writeTestMsg(t, 1, "%u", uint32(1))
	defer msg.Clear()
	assert.Error(t, c.SendMsg(msg))
}
