// Command msgserver is a thin demo binary around the reusable server core:
// flag/env parsing, signal handling, and registration of a couple of
// example handlers (echo, and the ordering-test counter from spec §8
// scenario 2). Application teams embedding the core would replace main.go
// entirely; none of this file is part of the core's public surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	msgserver "github.com/steelcore/msgserver"
	"github.com/steelcore/msgserver/internal/config"
	"github.com/steelcore/msgserver/internal/logx"
)

const (
	idEcho  = 1001
	idEcho2 = 7
)

func main() {
	port := flag.Int("port", 0, "listen port (overrides MSGSERVER_SELF_SERVER_PORT)")
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *port != 0 {
		_ = os.Setenv("MSGSERVER_SELF_SERVER_PORT", strconv.Itoa(*port))
	}

	log := logx.New()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Errorf("msgserver: startup failed: %v", err)
		os.Exit(1)
	}

	srv := msgserver.New(cfg, log)
	registerDemoHandlers(srv, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Errorf("msgserver: exited with error: %v", err)
		os.Exit(1)
	}
}

// registerDemoHandlers wires up the two worked scenarios from spec §8: a
// ping/pong echo on id 1001, and an ASCII-integer echo on id 7 used to
// exercise the per-session FIFO ordering guarantee.
func registerDemoHandlers(srv *msgserver.Server, log logx.Logger) {
	srv.Register(idEcho, func(s *msgserver.Session, id uint16, payload []byte) {
		if err := s.Send(id, []byte("pong")); err != nil {
			log.Warnf("demo echo handler: send failed for session %s: %v", s.ID(), err)
		}
	})

	srv.Register(idEcho2, func(s *msgserver.Session, id uint16, payload []byte) {
		if err := s.Send(id, payload); err != nil {
			log.Warnf("demo ordering handler: send failed for session %s: %v", s.ID(), err)
		}
	})
}
