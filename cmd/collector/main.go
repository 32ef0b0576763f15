package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/marketpulse/internal/config"
	"github.com/quantfeed/marketpulse/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	config.InitLogger(cfg.Logging)

	log.Info().
		Str("environment", cfg.App.Environment).
		Strs("exchanges", cfg.Exchanges).
		Msg("Starting marketpulse collector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := orchestrator.New(cfg)
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start orchestrator")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	orch.Stop()
}
