package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowgate/flowgate/config"
	"github.com/flowgate/flowgate/gatewayserver"
	"github.com/flowgate/flowgate/kvps"
	"github.com/flowgate/flowgate/util/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.SetDefaultLevel(cfg.LogLevel)

	store := kvps.NewRedisStore(kvps.Options{Addr: cfg.KVPSAddr()})
	defer store.Close()

	srv := gatewayserver.New(cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}
