package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/omochice/realtime-chat-client/internal/broker"
	"github.com/omochice/realtime-chat-client/internal/config"
	"github.com/omochice/realtime-chat-client/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("broker", pflag.ExitOnError)
	configPath := flags.String("config", "", "Path to a YAML config file")
	flags.String("listen", ":8080", "Address to listen on")
	flags.String("path", "/api/ws", "WebSocket endpoint path")
	flags.Bool("require-token", false, "Reject CONNECT without a token")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	srv := broker.New(broker.OptionsFromConfig(cfg), log)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting broker", "address", cfg.Server.Address, "path", cfg.Server.Path, "require_token", cfg.Server.RequireToken)
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, broker.ErrServerStopped) {
			log.Error("Broker error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", "signal", sig.String())
		srv.Stop()
	}

	log.Info("Broker stopped")
}
