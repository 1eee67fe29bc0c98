// Package main runs a local scoring engine that speaks the gateway's wire
// protocol, for development without the real engine
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thenexusengine/tne_bidgate/internal/engine/enginetest"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("ENGINE_LISTEN_ADDR", ":5000"), "Listen address")
	delay := flag.Duration("delay", 0, "Artificial scoring latency")
	flag.Parse()

	logger.Init(logger.DefaultConfig())
	log := logger.Engine()

	srv, err := enginetest.Listen(*addr, enginetest.Options{Delay: *delay})
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to listen")
	}
	log.Info().Str("addr", srv.Addr()).Dur("delay", *delay).Msg("Engine simulator listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	start := time.Now()
	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("Engine simulator did not close cleanly")
	}
	log.Info().
		Str("signal", sig.String()).
		Int64("accepted", srv.Accepted()).
		Int64("received", srv.Received()).
		Dur("close_duration", time.Since(start)).
		Msg("Engine simulator stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
