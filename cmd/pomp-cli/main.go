// File: cmd/pomp-cli/main.go
// pomp-cli sends and receives typed messages from the command line.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Usage:
//
//	pomp-cli [-config FILE] listen ADDR
//	pomp-cli [-config FILE] dial ADDR
//	pomp-cli [-config FILE] send ADDR MSGID FORMAT [ARG...]
//
// listen and dial print every decoded message; send connects, delivers one
// message built from string arguments and exits.

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/momentics/pompio/api"
	"github.com/momentics/pompio/facade"
	"github.com/momentics/pompio/protocol"
	"github.com/momentics/pompio/transport"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	cfg := facade.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = facade.LoadConfig(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("configuration")
		}
	}

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}
	var err error
	switch args[0] {
	case "listen":
		err = runPrinter(cfg, args[1], true)
	case "dial":
		err = runPrinter(cfg, args[1], false)
	case "send":
		if len(args) < 4 {
			usage()
		}
		err = runSend(cfg, args[1], args[2], args[3], args[4:])
	default:
		usage()
	}
	if err != nil {
		logrus.WithError(err).Fatal(args[0])
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  pomp-cli [-config FILE] listen ADDR
  pomp-cli [-config FILE] dial ADDR
  pomp-cli [-config FILE] send ADDR MSGID FORMAT [ARG...]
`)
	os.Exit(2)
}

// runPrinter runs a server or client endpoint printing every event.
func runPrinter(cfg *facade.Config, address string, server bool) error {
	ctx, err := facade.New(func(_ *facade.Context, ev api.Event, conn *transport.Conn, msg *protocol.Message) {
		switch ev {
		case api.EventMsg:
			fmt.Println(msg.Dump())
		default:
			fmt.Printf("%s\n", ev)
		}
	}, cfg)
	if err != nil {
		return err
	}
	if server {
		err = ctx.Listen(address)
	} else {
		err = ctx.Connect(address)
	}
	if err != nil {
		return err
	}
	for {
		if err := ctx.WaitAndProcess(-1); err != nil {
			return err
		}
	}
}

// runSend connects, sends one message built from argv and exits.
func runSend(cfg *facade.Config, address, msgidStr, format string, argv []string) error {
	msgid, err := strconv.ParseUint(msgidStr, 0, 32)
	if err != nil {
		return fmt.Errorf("message id %q: %w", msgidStr, api.ErrInvalidArgument)
	}
	msg := protocol.NewMessage()
	if err := msg.WriteArgv(uint32(msgid), format, argv); err != nil {
		return err
	}
	defer msg.Clear()

	sent := false
	ctx, err := facade.New(func(c *facade.Context, ev api.Event, conn *transport.Conn, _ *protocol.Message) {
		if ev == api.EventConnected {
			if err := conn.SendMsg(msg); err != nil {
				logrus.WithError(err).Error("send")
			}
			sent = true
		}
	}, cfg)
	if err != nil {
		return err
	}
	if err := ctx.Connect(address); err != nil {
		return err
	}
	for !sent {
		if err := ctx.WaitAndProcess(5000); err != nil {
			ctx.Stop()
			return err
		}
	}
	// One more pass lets the write queue drain before teardown.
	_ = ctx.ProcessFd()
	fmt.Println(msg.Dump())
	return ctx.Stop()
}
