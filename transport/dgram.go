// File: transport/dgram.go
// Package transport - connection-less datagram endpoint. The datagram
// boundary is the frame: no extra framing is layered on the wire and each
// received datagram must hold exactly one valid message.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
	"github.com/momentics/pompio/control"
	"github.com/momentics/pompio/pool"
	"github.com/momentics/pompio/protocol"
	"github.com/momentics/pompio/reactor"
)

const maxDatagram = 65536

// DgramHandlers are the upcalls of a datagram endpoint.
type DgramHandlers struct {
	// Msg fires for each valid datagram with the sender address.
	Msg func(d *Dgram, from unix.Sockaddr, msg *protocol.Message)
}

// Dgram is a bound connection-less endpoint.
type Dgram struct {
	fd       int
	loop     *reactor.Loop
	handlers DgramHandlers
	stats    *control.Stats
	log      *logrus.Entry
	closed   bool
}

// NewDgram wraps a bound nonblocking datagram socket and registers it for
// readability.
func NewDgram(fd int, loop *reactor.Loop, handlers DgramHandlers, stats *control.Stats) (*Dgram, error) {
	d := &Dgram{
		fd:       fd,
		loop:     loop,
		handlers: handlers,
		stats:    stats,
		log:      logrus.WithFields(logrus.Fields{"component": "transport", "fd": fd, "kind": "dgram"}),
	}
	if err := loop.Add(fd, reactor.FdEventIn, d.onEvent); err != nil {
		return nil, err
	}
	return d, nil
}

// Fd returns the underlying socket descriptor.
func (d *Dgram) Fd() int { return d.fd }

func (d *Dgram) onEvent(fd int, revents reactor.FdEvent) {
	if revents&reactor.FdEventIn == 0 {
		return
	}
	buf := make([]byte, maxDatagram)
	for !d.closed {
		n, from, err := unix.Recvfrom(d.fd, buf, 0)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			d.log.WithError(err).Warn("recvfrom")
			return
		}
		d.dispatch(from, buf[:n])
	}
}

// dispatch validates one datagram as a single message. Malformed
// datagrams are dropped and counted, never fatal to the endpoint.
func (d *Dgram) dispatch(from unix.Sockaddr, dgram []byte) {
	if d.stats != nil {
		d.stats.BytesIn.Add(int64(len(dgram)))
	}
	if len(dgram) < protocol.HeaderSize {
		d.drop("short datagram")
		return
	}
	magic := binary.LittleEndian.Uint32(dgram[0:])
	msgid := binary.LittleEndian.Uint32(dgram[4:])
	size := binary.LittleEndian.Uint32(dgram[8:])
	if magic != protocol.Magic || size < protocol.HeaderSize || int(size) != len(dgram) {
		d.drop("framing mismatch")
		return
	}
	pb := pool.GetBuffer(len(dgram))
	pb.Append(dgram)
	msg := protocol.NewReceived(msgid, pb)
	if d.stats != nil {
		d.stats.MsgIn.Add(1)
	}
	if d.handlers.Msg != nil {
		d.handlers.Msg(d, from, msg)
	}
	msg.Clear()
}

func (d *Dgram) drop(reason string) {
	if d.stats != nil {
		d.stats.DatagramDropped.Add(1)
	}
	d.log.WithField("reason", reason).Debug("datagram dropped")
}

// SendTo serializes one message as a single datagram to the destination.
// Messages beyond the datagram limit fail with ErrTooLarge.
func (d *Dgram) SendTo(msg *protocol.Message, to unix.Sockaddr) error {
	if msg == nil || msg.State() != protocol.StateFinished {
		return fmt.Errorf("message not finished: %w", api.ErrInvalidArgument)
	}
	if d.closed {
		return api.ErrClosed
	}
	buf := msg.Buffer()
	if len(buf.Fds()) > 0 {
		return fmt.Errorf("descriptor passing needs a unix local stream: %w", api.ErrUnsupported)
	}
	if buf.Len() > maxDatagram {
		return fmt.Errorf("datagram of %d bytes: %w", buf.Len(), api.ErrTooLarge)
	}
	err := unix.Sendto(d.fd, buf.Bytes(), unix.MSG_DONTWAIT, to)
	if err == unix.EMSGSIZE {
		return fmt.Errorf("datagram of %d bytes: %w", buf.Len(), api.ErrTooLarge)
	}
	if err != nil {
		return api.NewIOError("sendto", err)
	}
	if d.stats != nil {
		d.stats.MsgOut.Add(1)
		d.stats.BytesOut.Add(int64(buf.Len()))
	}
	return nil
}

// Close detaches the endpoint from the loop and closes its socket.
func (d *Dgram) Close() {
	if d.closed {
		return
	}
	d.closed = true
	if d.loop.HasFd(d.fd) {
		_ = d.loop.Remove(d.fd)
	}
	_ = unix.Close(d.fd)
}
