package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"stepsync/config"
	"stepsync/connector"
	"stepsync/network"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg := config.Load()

	tr, err := network.Listen(cfg.BindHost, cfg.ConnectorPort, log)
	if err != nil {
		log.Fatal().Err(err).Msgf("cannot bind %s:%d", cfg.BindHost, cfg.ConnectorPort)
	}

	bcfg := connector.DefaultConfig()
	bcfg.Expiry = cfg.ConnectorExpiry

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := connector.New(tr, bcfg, log).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("connector failed")
	}
}
