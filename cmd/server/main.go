package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"stepsync/config"
	"stepsync/network"
	"stepsync/server"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg := config.Load()

	tr, err := network.Listen(cfg.BindHost, cfg.BindPort, log)
	if err != nil {
		log.Fatal().Err(err).Msgf("cannot bind %s:%d, is another server running there?", cfg.BindHost, cfg.BindPort)
	}

	ecfg := server.DefaultConfig()
	ecfg.TickRate = cfg.TickRate
	ecfg.PeerTimeout = cfg.PeerTimeout
	if cfg.ConnectorHost != "" && cfg.RegisterName != "" {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ConnectorHost, cfg.ConnectorPort))
		if err != nil {
			log.Fatal().Err(err).Msg("bad connector address")
		}
		ecfg.ConnectorAddr = addr
		ecfg.RegisterName = cfg.RegisterName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := server.New(tr, ecfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := e.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine failed")
	}
}
