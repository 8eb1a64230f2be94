// File: cmd/pomp-ping/main.go
// pomp-ping measures request/response latency over a pompio link.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Usage:
//
//	pomp-ping server ADDR
//	pomp-ping client ADDR
//
// The client sends msgid 1 ("%u%s" seq "PING") once a second; the server
// answers msgid 2 with the same sequence number and "PONG".

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/pompio/api"
	"github.com/momentics/pompio/facade"
	"github.com/momentics/pompio/protocol"
	"github.com/momentics/pompio/reactor"
	"github.com/momentics/pompio/transport"
)

const (
	msgPing = 1
	msgPong = 2
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pomp-ping server|client ADDR")
		os.Exit(2)
	}
	var err error
	switch args[0] {
	case "server":
		err = runServer(args[1])
	case "client":
		err = runClient(args[1])
	default:
		fmt.Fprintln(os.Stderr, "usage: pomp-ping server|client ADDR")
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Fatal(args[0])
	}
}

func runServer(address string) error {
	ctx, err := facade.New(func(c *facade.Context, ev api.Event, conn *transport.Conn, msg *protocol.Message) {
		if ev != api.EventMsg || msg.ID() != msgPing {
			return
		}
		var seq uint32
		var payload string
		if err := msg.Read("%u%s", &seq, &payload); err != nil {
			logrus.WithError(err).Warn("decode ping")
			return
		}
		reply := protocol.NewMessage()
		if err := reply.Write(msgPong, "%u%s", seq, "PONG"); err != nil {
			return
		}
		defer reply.Clear()
		_ = conn.SendMsg(reply)
	}, nil)
	if err != nil {
		return err
	}
	if err := ctx.Listen(address); err != nil {
		return err
	}
	for {
		if err := ctx.WaitAndProcess(-1); err != nil {
			return err
		}
	}
}

func runClient(address string) error {
	var seq uint32
	sentAt := map[uint32]time.Time{}
	ctx, err := facade.New(func(c *facade.Context, ev api.Event, conn *transport.Conn, msg *protocol.Message) {
		switch ev {
		case api.EventConnected:
			fmt.Println("connected")
		case api.EventDisconnected:
			fmt.Println("disconnected")
		case api.EventMsg:
			if msg.ID() != msgPong {
				return
			}
			var ackSeq uint32
			var payload string
			if err := msg.Read("%u%s", &ackSeq, &payload); err != nil {
				return
			}
			if t0, ok := sentAt[ackSeq]; ok {
				fmt.Printf("seq=%d rtt=%v\n", ackSeq, time.Since(t0).Round(time.Microsecond))
				delete(sentAt, ackSeq)
			}
		}
	}, nil)
	if err != nil {
		return err
	}
	if err := ctx.Connect(address); err != nil {
		return err
	}
	tick := ctx.Loop().NewTimer(func(t *reactor.Timer) {
		seq++
		sentAt[seq] = time.Now()
		if err := ctx.Send(msgPing, "%u%s", seq, "PING"); err != nil {
			delete(sentAt, seq)
		}
	})
	tick.SetPeriodic(1000, 1000)
	for {
		if err := ctx.WaitAndProcess(-1); err != nil {
			return err
		}
	}
}
