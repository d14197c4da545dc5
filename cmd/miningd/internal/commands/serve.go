package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wolfeidau/miningd/internal/broadcast"
	"github.com/wolfeidau/miningd/internal/broadcast/natsrelay"
	"github.com/wolfeidau/miningd/internal/scheduler"
	"github.com/wolfeidau/miningd/internal/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"127.0.0.1:8080" env:"MININGD_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"MININGD_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"MININGD_TLS_KEY"`

	// CORS and websocket configuration
	CORSOrigins  []string      `help:"allowed origins for API and websocket requests" default:"*" env:"MININGD_CORS_ORIGINS"`
	PingInterval time.Duration `help:"websocket ping interval" default:"30s"`
	EventBuffer  int           `help:"events buffered per websocket before the oldest is dropped" default:"64"`

	// Sessions resumed at startup
	Resume     []string `help:"user ids whose sessions are started (or resumed) at startup" env:"MININGD_RESUME_USERS"`
	RetainIdle int      `help:"schedulers kept before those of idle users are evicted" default:"1024"`

	ShutdownTimeout time.Duration `help:"time allowed for draining requests and checkpoints" default:"15s"`

	Store     StoreFlags     `embed:""`
	Accrual   ProfileFlags   `embed:""`
	NATS      NATSFlags      `embed:"" prefix:"nats-"`
	Telemetry TelemetryFlags `embed:"" prefix:"telemetry-"`
}

type NATSFlags struct {
	URL           string        `help:"NATS server URL, events are relayed when set" default:"" env:"MININGD_NATS_URL"`
	SubjectPrefix string        `help:"subject prefix for relayed events" default:"miningd.sessions" env:"MININGD_NATS_SUBJECT_PREFIX"`
	ReconnectWait time.Duration `help:"delay between NATS reconnect attempts" default:"2s"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := setupLogger(globals)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	defer c.Telemetry.setup(ctx, "miningd", globals.Version)()

	cfg, err := c.Accrual.accrualConfig()
	if err != nil {
		return err
	}

	checkpoints, closeStore, err := c.Store.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	events := broadcast.New()

	if c.NATS.URL != "" {
		natsCfg := natsrelay.DefaultConfig()
		natsCfg.URL = c.NATS.URL
		natsCfg.SubjectPrefix = c.NATS.SubjectPrefix
		natsCfg.ReconnectWait = c.NATS.ReconnectWait

		nc, err := natsrelay.Connect(natsCfg)
		if err != nil {
			return err
		}
		defer nc.Close()

		relay := natsrelay.New(nc, natsCfg.SubjectPrefix)
		go relay.Run(ctx, events.Subscribe("", c.EventBuffer))

		log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", natsCfg.SubjectPrefix).Msg("Relaying session events to NATS")
	}

	manager, err := scheduler.NewManager(cfg, checkpoints, clockwork.NewRealClock(), events,
		scheduler.WithRetainIdle(c.RetainIdle))
	if err != nil {
		return err
	}

	log.Info().
		Dur("tick_interval", cfg.TickInterval).
		Float64("increment_per_tick", cfg.IncrementPerTick).
		Dur("session_duration", cfg.SessionDuration).
		Str("device_id", cfg.DeviceID).
		Str("store", c.Store.StoreType).
		Msg("Accrual configured")

	for _, userID := range c.Resume {
		snap, err := manager.Start(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to resume session")
			continue
		}
		log.Info().Str("user_id", userID).Str("session_id", snap.SessionID).Float64("accrued", snap.AccruedValue).Msg("Session resumed")
	}

	srv := server.NewServer(manager, events, server.Config{
		AllowedOrigins: c.CORSOrigins,
		PingInterval:   c.PingInterval,
		EventBuffer:    c.EventBuffer,
	})
	handler := srv.Handler(log)
	if c.Telemetry.active() {
		handler = otelhttp.NewHandler(handler, "miningd")
	}
	httpServer := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Listening")
		if c.Cert != "" && c.Key != "" {
			errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down HTTP server")
	}

	// sessions keep an active checkpoint so the next process resumes them
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush sessions")
		if serveErr == nil {
			serveErr = err
		}
	}

	log.Info().Msg("Server stopped")

	return serveErr
}
