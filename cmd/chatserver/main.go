// Package main provides the chat relay server binary: a WebSocket frontend
// over the room presence registry and event router.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/chat/presence"
	"github.com/cory-johannsen/relay/internal/chat/relay"
	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/frontend/ws"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; empty uses built-in defaults")
	flag.Parse()

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat relay",
		zap.String("addr", cfg.Server.Addr()),
	)

	registry := presence.NewRegistry()
	broadcaster := relay.NewBroadcaster(registry, logger)
	router := relay.NewRouter(registry, broadcaster, relay.SystemClock(), logger)
	acceptor := ws.NewAcceptor(cfg.Server, cfg.WebSocket, registry, router, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Shutdown,
	})

	logger.Info("chat relay initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
