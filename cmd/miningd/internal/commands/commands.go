package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/miningd/internal/logger"
	"github.com/wolfeidau/miningd/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

// setupLogger configures the global logger used by the library packages.
func setupLogger(globals *Globals) zerolog.Logger {
	l := logger.Setup(globals.Debug)
	log.Logger = l
	return l
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	// Create HTTP server
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// TelemetryFlags enables OTLP export of metrics and traces.
type TelemetryFlags struct {
	Enabled     bool    `help:"enable OpenTelemetry export (also enabled by OTEL_EXPORTER_OTLP_ENDPOINT)" default:"false" env:"MININGD_TELEMETRY"`
	SampleRatio float64 `help:"fraction of traces to keep" default:"1" env:"MININGD_TRACE_SAMPLE_RATIO"`
}

func (f *TelemetryFlags) active() bool {
	return f.Enabled || telemetry.Enabled()
}

// setup starts telemetry when requested and returns a shutdown func that is always safe to call.
func (f *TelemetryFlags) setup(ctx context.Context, name, version string) func() {
	if !f.active() {
		return func() {}
	}

	log.Info().Msg("Telemetry is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: name,
		Version:     version,
		SampleRatio: f.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}
