// File: transport/conn.go
// Package transport implements per-socket nonblocking message framing:
// read reassembly across packet boundaries, a queued write side with
// ancillary descriptor passing, and disconnect handling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
	"github.com/momentics/pompio/control"
	"github.com/momentics/pompio/pool"
	"github.com/momentics/pompio/protocol"
	"github.com/momentics/pompio/reactor"
)

// ConnState tracks the lifecycle of a connection.
type ConnState uint8

const (
	// StateConnecting: client socket with connect in flight.
	StateConnecting ConnState = iota
	// StateEstablished: connected, messages flow.
	StateEstablished
	// StateClosing: teardown in progress.
	StateClosing
	// StateClosed: fd closed, detached from the loop.
	StateClosed
)

// Handlers are the upcalls a connection makes into its owner. All fire on
// the loop thread.
type Handlers struct {
	// Connected fires once when the connection reaches Established.
	Connected func(c *Conn)
	// Disconnected fires exactly once when the connection goes down.
	Disconnected func(c *Conn)
	// Msg fires for each completely received message. The message is owned
	// by the library for the duration of the call.
	Msg func(c *Conn, msg *protocol.Message)
}

// sendEntry is one queued outbound frame. The buffer reference is held
// until the entry fully drains.
type sendEntry struct {
	buf     *pool.Buffer
	off     int
	fdsSent bool
}

const readChunk = 16 * 1024

// Conn is a nonblocking framed stream connection driven by a loop.
type Conn struct {
	fd     int
	loop   *reactor.Loop
	isUnix bool
	state  ConnState

	readBuf    []byte
	pendingFds []int

	writeQ *queue.Queue
	events reactor.FdEvent

	handlers     Handlers
	disconnected bool

	localAddr unix.Sockaddr
	peerAddr  unix.Sockaddr
	peerCred  *Ucred

	everEstablished bool

	stats *control.Stats
	log   *logrus.Entry
}

// NewConn wraps an already connected (accepted) socket. The connection
// registers itself for readability and reports Connected.
func NewConn(fd int, loop *reactor.Loop, handlers Handlers, stats *control.Stats) (*Conn, error) {
	c := newConn(fd, loop, handlers, stats)
	c.state = StateEstablished
	c.everEstablished = true
	if err := loop.Add(fd, reactor.FdEventIn, c.onEvent); err != nil {
		return nil, err
	}
	c.events = reactor.FdEventIn
	if c.handlers.Connected != nil {
		c.handlers.Connected(c)
	}
	return c, nil
}

// NewConnecting wraps a socket with a nonblocking connect in flight. The
// connection watches for writability to complete the handshake.
func NewConnecting(fd int, loop *reactor.Loop, handlers Handlers, stats *control.Stats) (*Conn, error) {
	c := newConn(fd, loop, handlers, stats)
	c.state = StateConnecting
	if err := loop.Add(fd, reactor.FdEventOut, c.onEvent); err != nil {
		return nil, err
	}
	c.events = reactor.FdEventOut
	return c, nil
}

func newConn(fd int, loop *reactor.Loop, handlers Handlers, stats *control.Stats) *Conn {
	c := &Conn{
		fd:       fd,
		loop:     loop,
		writeQ:   queue.New(),
		handlers: handlers,
		stats:    stats,
		log:      logrus.WithFields(logrus.Fields{"component": "transport", "fd": fd}),
	}
	c.localAddr, _ = unix.Getsockname(fd)
	c.peerAddr, _ = unix.Getpeername(fd)
	if _, ok := c.localAddr.(*unix.SockaddrUnix); ok {
		c.isUnix = true
		c.peerCred = peerCred(fd)
	}
	return c
}

// Fd returns the underlying socket descriptor.
func (c *Conn) Fd() int { return c.fd }

// State returns the connection state.
func (c *Conn) State() ConnState { return c.state }

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() unix.Sockaddr { return c.localAddr }

// PeerAddr returns the remote peer address.
func (c *Conn) PeerAddr() unix.Sockaddr { return c.peerAddr }

// PeerCred returns the peer credentials for unix local sockets, nil
// otherwise.
func (c *Conn) PeerCred() *Ucred { return c.peerCred }

// EverEstablished reports whether the connection reached Established at
// least once. Client reconnect logic keeps failed attempts silent.
func (c *Conn) EverEstablished() bool { return c.everEstablished }

// IsUnix reports whether the connection runs over a unix local socket.
func (c *Conn) IsUnix() bool { return c.isUnix }

func (c *Conn) setEvents(events reactor.FdEvent) {
	if c.events == events || c.state == StateClosed {
		return
	}
	if err := c.loop.Update(c.fd, events); err != nil {
		c.log.WithError(err).Warn("update loop events")
		return
	}
	c.events = events
}

// onEvent is the loop callback driving both directions.
func (c *Conn) onEvent(fd int, revents reactor.FdEvent) {
	if c.state == StateConnecting {
		c.finishConnect(revents)
		return
	}
	if revents&reactor.FdEventIn != 0 {
		c.readIn()
	}
	if c.state != StateEstablished {
		return
	}
	if revents&reactor.FdEventOut != 0 {
		c.flush()
	}
	if c.state == StateEstablished && revents&(reactor.FdEventErr|reactor.FdEventHup) != 0 {
		c.teardown()
	}
}

// finishConnect resolves a pending nonblocking connect.
func (c *Conn) finishConnect(revents reactor.FdEvent) {
	soErr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soErr != 0 {
		c.log.WithField("so_error", soErr).Debug("connect failed")
		c.teardown()
		return
	}
	c.state = StateEstablished
	c.everEstablished = true
	c.peerAddr, _ = unix.Getpeername(c.fd)
	c.setEvents(reactor.FdEventIn)
	if c.handlers.Connected != nil {
		c.handlers.Connected(c)
	}
}

// readIn drains the socket and dispatches every complete frame.
func (c *Conn) readIn() {
	chunk := make([]byte, readChunk)
	oob := make([]byte, 256)
	for c.state == StateEstablished {
		var n, oobn int
		var err error
		if c.isUnix {
			n, oobn, _, _, err = unix.Recvmsg(c.fd, chunk, oob, 0)
		} else {
			n, err = unix.Read(c.fd, chunk)
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			// Peer closed or fatal socket error.
			c.teardown()
			return
		}
		if oobn > 0 {
			c.recvFds(oob[:oobn])
		}
		c.readBuf = append(c.readBuf, chunk[:n]...)
		if c.stats != nil {
			c.stats.BytesIn.Add(int64(n))
		}
		c.parseFrames()
	}
}

// recvFds appends descriptors received as ancillary data to the pending
// queue, in FIFO order.
func (c *Conn) recvFds(oob []byte) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		c.log.WithError(err).Warn("parse control message")
		return
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			c.pendingFds = append(c.pendingFds, fd)
		}
	}
}

// parseFrames advances the two-phase framing state machine over readBuf.
func (c *Conn) parseFrames() {
	for c.state == StateEstablished {
		if len(c.readBuf) < protocol.HeaderSize {
			return
		}
		magic := binary.LittleEndian.Uint32(c.readBuf[0:])
		msgid := binary.LittleEndian.Uint32(c.readBuf[4:])
		size := binary.LittleEndian.Uint32(c.readBuf[8:])
		if magic != protocol.Magic || size < protocol.HeaderSize || size > protocol.MaxMsgSize {
			// Poisoned stream: no resynchronization is attempted.
			c.log.WithFields(logrus.Fields{
				"magic": fmt.Sprintf("%#x", magic),
				"size":  size,
			}).Warn("framing violation, closing connection")
			c.teardown()
			return
		}
		if len(c.readBuf) < int(size) {
			return
		}
		c.dispatchFrame(msgid, c.readBuf[:size])
		// Compact the read buffer past the consumed frame.
		c.readBuf = append(c.readBuf[:0], c.readBuf[size:]...)
	}
}

// dispatchFrame wraps one complete frame into a message, pairing it with
// the ancillary descriptors it declares, and hands it to the owner.
func (c *Conn) dispatchFrame(msgid uint32, frame []byte) {
	buf := pool.GetBuffer(len(frame))
	buf.Append(frame)
	nfds, err := protocol.CountFDs(frame[protocol.HeaderSize:])
	if err != nil {
		// Let the decoder report the malformed payload; no descriptors are
		// attached to it.
		nfds = 0
	}
	for i := 0; i < nfds && len(c.pendingFds) > 0; i++ {
		buf.AppendFd(c.pendingFds[0])
		c.pendingFds = c.pendingFds[1:]
	}
	msg := protocol.NewReceived(msgid, buf)
	if c.stats != nil {
		c.stats.MsgIn.Add(1)
	}
	if c.handlers.Msg != nil {
		c.handlers.Msg(c, msg)
	}
	msg.Clear()
}

// SendMsg queues a finished message for transmission. The payload bytes
// are shared by reference; descriptors ride along as ancillary data with
// the first byte of the frame.
func (c *Conn) SendMsg(msg *protocol.Message) error {
	if msg == nil || msg.State() != protocol.StateFinished {
		return fmt.Errorf("message not finished: %w", api.ErrInvalidArgument)
	}
	if c.state != StateEstablished {
		return api.ErrNotConnected
	}
	buf := msg.Buffer()
	if len(buf.Fds()) > 0 && !c.isUnix {
		return fmt.Errorf("descriptor passing needs a unix local socket: %w", api.ErrUnsupported)
	}
	c.writeQ.Add(&sendEntry{buf: buf.Retain()})
	if c.stats != nil {
		c.stats.MsgOut.Add(1)
	}
	c.flush()
	return nil
}

// flush writes queued entries until the socket would block or the queue
// is empty, and keeps the writable watch in sync with queue state.
func (c *Conn) flush() {
	for c.writeQ.Length() > 0 {
		e := c.writeQ.Peek().(*sendEntry)
		data := e.buf.Bytes()[e.off:]
		var oob []byte
		if !e.fdsSent && len(e.buf.Fds()) > 0 {
			oob = unix.UnixRights(e.buf.Fds()...)
		}
		n, err := unix.SendmsgN(c.fd, data, oob, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.setEvents(reactor.FdEventIn | reactor.FdEventOut)
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || (n == 0 && len(data) > 0) {
			// EPIPE / ECONNRESET or peer close.
			c.teardown()
			return
		}
		if n > 0 {
			e.fdsSent = true
			e.off += n
			if c.stats != nil {
				c.stats.BytesOut.Add(int64(n))
			}
		}
		if e.off < e.buf.Len() {
			c.setEvents(reactor.FdEventIn | reactor.FdEventOut)
			return
		}
		c.writeQ.Remove()
		e.buf.Release()
	}
	c.setEvents(reactor.FdEventIn)
}

// Disconnect forces teardown of the connection.
func (c *Conn) Disconnect() {
	c.teardown()
}

// teardown drops queued sends, detaches from the loop, closes the socket
// and delivers Disconnected exactly once.
func (c *Conn) teardown() {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	c.state = StateClosing
	for c.writeQ.Length() > 0 {
		e := c.writeQ.Remove().(*sendEntry)
		e.buf.Release()
	}
	for _, fd := range c.pendingFds {
		_ = unix.Close(fd)
	}
	c.pendingFds = nil
	if c.loop.HasFd(c.fd) {
		_ = c.loop.Remove(c.fd)
	}
	_ = unix.Close(c.fd)
	c.state = StateClosed
	if c.stats != nil {
		c.stats.ConnClosed.Add(1)
	}
	if !c.disconnected {
		c.disconnected = true
		if c.handlers.Disconnected != nil {
			c.handlers.Disconnected(c)
		}
	}
}
