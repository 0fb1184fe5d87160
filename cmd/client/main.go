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

	"stepsync/client"
	"stepsync/config"
	"stepsync/game"
	"stepsync/network"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg := config.Load()

	// Ephemeral local port; only the server needs a well-known one.
	tr, err := network.Listen("0.0.0.0", 0, log)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot bind local socket")
	}

	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort))
	if err != nil {
		log.Fatal().Err(err).Msg("bad server address")
	}
	if cfg.ConnectorHost != "" && cfg.RegisterName != "" {
		connAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.ConnectorHost, cfg.ConnectorPort))
		if err != nil {
			log.Fatal().Err(err).Msg("bad connector address")
		}
		serverAddr, err = client.Resolve(tr, connAddr, cfg.RegisterName, 10*time.Second, log)
		if err != nil {
			log.Fatal().Err(err).Str("name", cfg.RegisterName).Msg("cannot resolve server name")
		}
	}

	ccfg := client.DefaultConfig()
	ccfg.TickRate = cfg.TickRate
	ccfg.ServerTimeout = cfg.PeerTimeout
	c, err := client.New(tr, serverAddr, ccfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := c.Join(cfg.PlayerName, 10*time.Second); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stand-in render collaborator: dump the mirror once a second. A real
	// game hangs its renderer off the same hook.
	var lastPrint time.Time
	c.OnTick = func(w *game.State) {
		if time.Since(lastPrint) < time.Second {
			return
		}
		lastPrint = time.Now()
		fmt.Printf("tick %d, %d entities, rtt %s\n", w.Tick, len(w.Entities), c.ServerRTT())
	}

	if err := c.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("client failed")
	}
}
