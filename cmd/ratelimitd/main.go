package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrymomot/tokenbucket/core/config"
	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/internal/daemon"
)

func main() {
	var cfg daemon.Config
	config.MustLoad(&cfg)

	log, err := daemon.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg, log); err != nil {
		log.Error("ratelimitd stopped", logger.Error(err))
		os.Exit(1)
	}
}
