// Package main is the entry point for the bid gateway
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	gwconfig "github.com/thenexusengine/tne_bidgate/internal/config"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

func main() {
	// A missing .env is normal outside local development
	envErr := godotenv.Load()

	// Parse configuration from flags and environment
	cfg := ParseConfig()

	// Initialize structured logger
	logger.Init(logger.DefaultConfig())
	log := logger.Log
	if envErr != nil && !os.IsNotExist(envErr) {
		log.Warn().Err(envErr).Msg("Failed to load .env file")
	}

	server, err := NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), gwconfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
}
