package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/internal/agent"
	"github.com/3cpo-dev/nodewarden/internal/telemetry"
)

var version = "dev"

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	level, err := zerolog.ParseLevel(getenv("NODEWARDEN_AGENT_LOG", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	addr := getenv("NODEWARDEN_AGENT_ADDR", ":8443")
	token := os.Getenv(agent.TokenEnv)
	if token == "" {
		log.Warn().Msg(agent.TokenEnv + " not set; agent accepts unauthenticated requests")
	}

	collector := telemetry.NewCollector(true, 5*time.Minute)
	defer collector.Shutdown()

	srv, err := agent.New(agent.Options{
		Version:   version,
		Token:     token,
		DataDir:   getenv("NODEWARDEN_AGENT_DATA", "/var/lib/nodewarden"),
		Collector: collector,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("agent init failed")
	}

	tlsCfg := agent.LoadTLSConfig()
	errc := make(chan error, 1)
	go func() {
		if tlsCfg.Enabled() {
			errc <- srv.ListenAndServeTLS(addr, tlsCfg)
			return
		}
		errc <- srv.ListenAndServe(addr)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("agent stopped")
		}
	case <-sigc:
		log.Info().Msg("nodewarden-agent shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
