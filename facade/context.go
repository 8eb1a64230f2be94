// File: facade/context.go
// Package facade exposes the pompio context: the user-visible orchestrator
// for one endpoint (server, client or datagram).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A context drives its connections through a single event loop. All state
// is owned by the loop thread; the only cross-thread entry point is
// Wakeup. A stopped context can be reused with Listen, Connect or Bind.

package facade

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/addr"
	"github.com/momentics/pompio/api"
	"github.com/momentics/pompio/control"
	"github.com/momentics/pompio/protocol"
	"github.com/momentics/pompio/reactor"
	"github.com/momentics/pompio/transport"
)

// EventHandler receives connection lifecycle and message events. The
// message argument is non-nil only for EventMsg and is owned by the
// library for the duration of the call; use Message.Copy to keep it.
type EventHandler func(ctx *Context, ev api.Event, conn *transport.Conn, msg *protocol.Message)

type ctxKind uint8

const (
	kindNone ctxKind = iota
	kindServer
	kindClient
	kindDgram
)

// Context orchestrates one endpoint over an event loop.
type Context struct {
	loop    *reactor.Loop
	ownLoop bool
	handler EventHandler
	cfg     *Config

	kind    ctxKind
	running bool

	// server
	listenFd int
	conns    []*transport.Conn

	// client
	client    *transport.Conn
	clientSA  unix.Sockaddr
	reconnect *reactor.Timer

	// dgram
	dgram *transport.Dgram

	stats control.Stats
	log   *logrus.Entry
}

// New creates a context with its own loop.
func New(handler EventHandler, cfg *Config) (*Context, error) {
	loop, err := reactor.New()
	if err != nil {
		return nil, err
	}
	ctx, err := NewWithLoop(handler, cfg, loop)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}
	ctx.ownLoop = true
	return ctx, nil
}

// NewWithLoop creates a context on an existing loop, so several contexts
// can share one thread of dispatch.
func NewWithLoop(handler EventHandler, cfg *Config, loop *reactor.Loop) (*Context, error) {
	if handler == nil || loop == nil {
		return nil, fmt.Errorf("nil handler or loop: %w", api.ErrInvalidArgument)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Context{
		loop:     loop,
		handler:  handler,
		cfg:      cfg,
		listenFd: -1,
		log:      logrus.WithField("component", "facade"),
	}, nil
}

// Loop returns the loop driving the context.
func (c *Context) Loop() *reactor.Loop { return c.loop }

// Stats returns a snapshot of the context counters.
func (c *Context) Stats() map[string]int64 { return c.stats.Snapshot() }

// Fd returns the master descriptor of the loop for nesting into an
// external readiness loop.
func (c *Context) Fd() (int, error) { return c.loop.Fd() }

// WaitAndProcess waits for events of the context and dispatches them.
func (c *Context) WaitAndProcess(timeoutMs int) error {
	return c.loop.WaitAndProcess(timeoutMs)
}

// ProcessFd dispatches pending events without waiting.
func (c *Context) ProcessFd() error { return c.loop.ProcessFd() }

// Wakeup interrupts a concurrent WaitAndProcess. Safe from any thread and
// from signal handlers.
func (c *Context) Wakeup() { c.loop.Wakeup() }

func (c *Context) deliver(ev api.Event, conn *transport.Conn, msg *protocol.Message) {
	c.handler(c, ev, conn, msg)
}

// Listen starts a server on the given address string.
func (c *Context) Listen(address string) error {
	if c.kind != kindNone {
		return fmt.Errorf("context already started: %w", api.ErrBusy)
	}
	sa, err := addr.Parse(address)
	if err != nil {
		return err
	}
	fd, err := transport.NewSocket(sa, unix.SOCK_STREAM)
	if err != nil {
		return err
	}
	if ua, ok := sa.(*unix.SockaddrUnix); ok {
		// Stale socket files keep bind from succeeding; abstract names
		// need no cleanup.
		if !strings.HasPrefix(ua.Name, "@") {
			_ = unix.Unlink(ua.Name)
		}
	} else {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return api.NewIOError("bind", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return api.NewIOError("listen", err)
	}
	if err := c.loop.Add(fd, reactor.FdEventIn, c.onAcceptable); err != nil {
		_ = unix.Close(fd)
		return err
	}
	c.listenFd = fd
	c.kind = kindServer
	c.running = true
	c.log.WithField("address", address).Info("listening")
	return nil
}

// onAcceptable accepts connections up to the nonblocking limit.
func (c *Context) onAcceptable(fd int, revents reactor.FdEvent) {
	for {
		nfd, _, err := unix.Accept4(c.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.log.WithError(err).Warn("accept")
			return
		}
		c.addAccepted(nfd)
	}
}

func (c *Context) addAccepted(nfd int) {
	sa, _ := unix.Getsockname(nfd)
	transport.SetupStream(nfd, addr.IsUnix(sa))
	_, err := transport.NewConn(nfd, c.loop, transport.Handlers{
		Connected: func(conn *transport.Conn) {
			c.conns = append(c.conns, conn)
			c.stats.ConnAccepted.Add(1)
			c.deliver(api.EventConnected, conn, nil)
		},
		Disconnected: func(conn *transport.Conn) {
			c.removeConn(conn)
			c.deliver(api.EventDisconnected, conn, nil)
		},
		Msg: func(conn *transport.Conn, msg *protocol.Message) {
			c.deliver(api.EventMsg, conn, msg)
		},
	}, &c.stats)
	if err != nil {
		c.log.WithError(err).Warn("register accepted connection")
		_ = unix.Close(nfd)
		return
	}
}

func (c *Context) removeConn(conn *transport.Conn) {
	for i, cc := range c.conns {
		if cc == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			return
		}
	}
}

// Connect starts a client towards the given address string. If the
// connection cannot be completed it is retried silently every
// ReconnectDelayMs until Stop.
func (c *Context) Connect(address string) error {
	if c.kind != kindNone {
		return fmt.Errorf("context already started: %w", api.ErrBusy)
	}
	sa, err := addr.Parse(address)
	if err != nil {
		return err
	}
	c.clientSA = sa
	c.kind = kindClient
	c.running = true
	c.reconnect = c.loop.NewTimer(func(t *reactor.Timer) {
		c.tryConnect()
	})
	c.tryConnect()
	return nil
}

// tryConnect issues one nonblocking connect attempt. Failures arm the
// reconnection timer instead of surfacing.
func (c *Context) tryConnect() {
	if !c.running || c.kind != kindClient || c.client != nil {
		return
	}
	fd, err := transport.NewSocket(c.clientSA, unix.SOCK_STREAM)
	if err != nil {
		c.armReconnect()
		return
	}
	transport.SetupStream(fd, addr.IsUnix(c.clientSA))
	err = unix.Connect(fd, c.clientSA)
	handlers := transport.Handlers{
		Connected: func(conn *transport.Conn) {
			// Assign before delivery so the callback can send right away.
			c.client = conn
			c.deliver(api.EventConnected, conn, nil)
		},
		Disconnected: func(conn *transport.Conn) {
			established := conn.EverEstablished()
			c.client = nil
			if established {
				c.deliver(api.EventDisconnected, conn, nil)
			}
			if c.running {
				c.armReconnect()
			}
		},
		Msg: func(conn *transport.Conn, msg *protocol.Message) {
			c.deliver(api.EventMsg, conn, msg)
		},
	}
	switch err {
	case nil:
		conn, cerr := transport.NewConn(fd, c.loop, handlers, &c.stats)
		if cerr != nil {
			_ = unix.Close(fd)
			c.armReconnect()
			return
		}
		c.client = conn
	case unix.EINPROGRESS:
		conn, cerr := transport.NewConnecting(fd, c.loop, handlers, &c.stats)
		if cerr != nil {
			_ = unix.Close(fd)
			c.armReconnect()
			return
		}
		c.client = conn
	default:
		_ = unix.Close(fd)
		c.armReconnect()
	}
}

func (c *Context) armReconnect() {
	if c.reconnect != nil && c.running {
		c.reconnect.Set(c.cfg.ReconnectDelayMs)
	}
}

// Bind opens a connection-less datagram endpoint on the given address.
func (c *Context) Bind(address string) error {
	if c.kind != kindNone {
		return fmt.Errorf("context already started: %w", api.ErrBusy)
	}
	sa, err := addr.Parse(address)
	if err != nil {
		return err
	}
	fd, err := transport.NewSocket(sa, unix.SOCK_DGRAM)
	if err != nil {
		return err
	}
	if ua, ok := sa.(*unix.SockaddrUnix); ok {
		if !strings.HasPrefix(ua.Name, "@") {
			_ = unix.Unlink(ua.Name)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return api.NewIOError("bind", err)
	}
	dg, err := transport.NewDgram(fd, c.loop, transport.DgramHandlers{
		Msg: func(_ *transport.Dgram, from unix.Sockaddr, msg *protocol.Message) {
			c.deliver(api.EventMsg, nil, msg)
		},
	}, &c.stats)
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	c.dgram = dg
	c.kind = kindDgram
	c.running = true
	return nil
}

// SendMsg sends a finished message. A server broadcasts to every
// connected peer (sharing payload bytes by reference, duplicating
// descriptors per peer); a client without a live connection returns
// ErrNotConnected.
func (c *Context) SendMsg(msg *protocol.Message) error {
	switch c.kind {
	case kindServer:
		return c.broadcast(msg)
	case kindClient:
		if c.client == nil || c.client.State() != transport.StateEstablished {
			return api.ErrNotConnected
		}
		return c.client.SendMsg(msg)
	case kindDgram:
		return fmt.Errorf("datagram context needs SendMsgTo: %w", api.ErrInvalidArgument)
	default:
		return fmt.Errorf("context not started: %w", api.ErrInvalidArgument)
	}
}

func (c *Context) broadcast(msg *protocol.Message) error {
	if msg == nil || msg.State() != protocol.StateFinished {
		return fmt.Errorf("message not finished: %w", api.ErrInvalidArgument)
	}
	hasFds := len(msg.Buffer().Fds()) > 0
	for _, conn := range append([]*transport.Conn(nil), c.conns...) {
		if hasFds {
			// Ancillary descriptors are consumed by the kernel at send
			// time, so each peer gets its own duplicates.
			cp, err := msg.Copy()
			if err != nil {
				return err
			}
			err = conn.SendMsg(cp)
			cp.Clear()
			if err != nil {
				c.log.WithError(err).Debug("broadcast send")
			}
			continue
		}
		if err := conn.SendMsg(msg); err != nil {
			c.log.WithError(err).Debug("broadcast send")
		}
	}
	return nil
}

// Send encodes and sends a message in one call.
func (c *Context) Send(msgid uint32, format string, args ...any) error {
	msg := protocol.NewMessage()
	if err := msg.Write(msgid, format, args...); err != nil {
		return err
	}
	defer msg.Clear()
	return c.SendMsg(msg)
}

// SendMsgTo sends a finished message as one datagram to the destination
// address. Only valid on a datagram context.
func (c *Context) SendMsgTo(msg *protocol.Message, address string) error {
	if c.kind != kindDgram {
		return fmt.Errorf("not a datagram context: %w", api.ErrInvalidArgument)
	}
	sa, err := addr.Parse(address)
	if err != nil {
		return err
	}
	return c.dgram.SendTo(msg, sa)
}

// SendTo encodes and sends a datagram message in one call.
func (c *Context) SendTo(address string, msgid uint32, format string, args ...any) error {
	msg := protocol.NewMessage()
	if err := msg.Write(msgid, format, args...); err != nil {
		return err
	}
	defer msg.Clear()
	return c.SendMsgTo(msg, address)
}

// BoundAddr returns the actual local address of the listening or bound
// socket, resolving a port chosen by the kernel.
func (c *Context) BoundAddr() (string, error) {
	var fd int
	switch c.kind {
	case kindServer:
		fd = c.listenFd
	case kindDgram:
		fd = c.dgram.Fd()
	default:
		return "", fmt.Errorf("context not listening: %w", api.ErrInvalidArgument)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", api.NewIOError("getsockname", err)
	}
	return addr.Format(sa)
}

// Conn returns the client connection, or nil when disconnected.
func (c *Context) Conn() *transport.Conn {
	if c.kind != kindClient {
		return nil
	}
	return c.client
}

// Conns returns the live server connections.
func (c *Context) Conns() []*transport.Conn {
	return append([]*transport.Conn(nil), c.conns...)
}

// Stop disconnects all peers with notification and releases the sockets.
// The context itself stays usable: Listen, Connect or Bind may be called
// again. Stop is idempotent.
func (c *Context) Stop() error {
	if !c.running && c.kind == kindNone {
		return nil
	}
	c.running = false
	switch c.kind {
	case kindServer:
		if c.listenFd >= 0 {
			if c.loop.HasFd(c.listenFd) {
				_ = c.loop.Remove(c.listenFd)
			}
			_ = unix.Close(c.listenFd)
			c.listenFd = -1
		}
		for _, conn := range append([]*transport.Conn(nil), c.conns...) {
			conn.Disconnect()
		}
		c.conns = nil
	case kindClient:
		if c.reconnect != nil {
			c.reconnect.Clear()
			c.reconnect = nil
		}
		if c.client != nil {
			c.client.Disconnect()
			c.client = nil
		}
	case kindDgram:
		if c.dgram != nil {
			c.dgram.Close()
			c.dgram = nil
		}
	}
	c.kind = kindNone
	return nil
}

// Close destroys the context. A running context must be stopped first;
// otherwise ErrBusy is returned. The loop is closed only when the context
// created it.
func (c *Context) Close() error {
	if c.running {
		return api.ErrBusy
	}
	if c.ownLoop {
		return c.loop.Close()
	}
	return nil
}
