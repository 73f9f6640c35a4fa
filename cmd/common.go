package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pilonas/console/internal/config"
	"github.com/pilonas/console/internal/console"
	apperrors "github.com/pilonas/console/internal/errors"
	"github.com/pilonas/console/internal/telemetry"
)

// globalFlags are accepted by every command that talks to the service.
type globalFlags struct {
	ConfigPath  string
	ServerURL   string
	StorePath   string
	LogLevel    string
	MetricsAddr string
	CAFile      string
	Fingerprint string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.ConfigPath, "config", "", "Path to config file (default: ~/.pilonas/config.toml)")
	fs.StringVar(&g.ServerURL, "server", "", "Device Control Service origin, e.g. https://pilonas.example.com")
	fs.StringVar(&g.StorePath, "store", "", "Path to the session store (default: ~/.pilonas/console.db)")
	fs.StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&g.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&g.CAFile, "ca-file", "", "Trust this PEM CA or certificate for https origins")
	fs.StringVar(&g.Fingerprint, "fingerprint", "", "Pin the service certificate's SHA-256 fingerprint")
}

// loadConfig reads the config file, lets flags override it, then applies
// defaults and validates.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.ServerURL != "" {
		cfg.ServerURL = g.ServerURL
	}
	if g.StorePath != "" {
		cfg.StorePath = g.StorePath
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.MetricsAddr != "" {
		cfg.MetricsAddr = g.MetricsAddr
	}
	if g.CAFile != "" {
		cfg.TLSCAFile = g.CAFile
	}
	if g.Fingerprint != "" {
		cfg.TLSFingerprint = g.Fingerprint
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes human-readable logs to w.
func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// openApp builds the console core for a command and starts the metrics
// endpoint when configured. The returned cleanup closes both.
func openApp(g *globalFlags, stderr io.Writer) (*console.App, zerolog.Logger, func(), error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log := newLogger(cfg.LogLevel, stderr)

	metrics := telemetry.New()
	app, err := console.New(cfg, console.Options{Logger: log, Metrics: metrics})
	if err != nil {
		return nil, log, nil, err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	cleanup := func() {
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			metricsSrv.Shutdown(ctx)
			cancel()
		}
		app.Close()
	}
	return app, log, cleanup, nil
}

// printError renders err with its stable code.
func printError(w io.Writer, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	fmt.Fprintf(w, "Error: %s (%s)\n", msg, code)
}

// parseFlags parses args. ok is false when the command should return exit
// immediately: 0 for --help, 1 for a bad flag.
func parseFlags(fs *flag.FlagSet, args []string) (exit int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}

// formatDuration formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
