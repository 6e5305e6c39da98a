// Command livevoice is the entry point for the livevoice duplex audio server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/server"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
	"github.com/MrWong99/livevoice/pkg/transport"
	"github.com/MrWong99/livevoice/pkg/transport/gemini"
	"github.com/MrWong99/livevoice/pkg/transport/genailive"
	"github.com/MrWong99/livevoice/pkg/transport/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livevoice.yaml", "path to the YAML configuration file")
	autostart := flag.Bool("autostart", false, "start a session immediately and exit when it ends")
	language := flag.String("language", "", "reply language for -autostart, overrides transport.language")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livevoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.Level(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("livevoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"transport", cfg.Transport.Name,
		"audio_backend", cfg.Audio.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transport registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTransports(reg)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(tel.Metrics()),
		app.WithConfigWatch(*configPath, 0),
	}
	if cfg.Audio.Backend == config.BackendPortAudio {
		host, err := portaudio.New()
		if err != nil {
			slog.Error("failed to initialise audio backend", "backend", cfg.Audio.Backend, "err", err)
			return 1
		}
		opts = append(opts, app.WithHost(host), app.WithCloser(host.Close))
	} else {
		slog.Warn("no audio backend configured; sessions will fail to start", "backend", cfg.Audio.Backend)
	}

	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := server.New(application.Sessions(),
		server.WithHealth(application.Health()),
		server.WithMetrics(tel.Metrics()),
		server.WithScrapeHandler(tel.Handler()),
		server.WithLogger(logger),
	)
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Server.ListenAddr, "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return srv.Run(gctx, ln, cfg.Server.TLS)
	})
	if *autostart {
		g.Go(func() error {
			defer cancelRun()
			return application.RunHeadless(gctx, app.StartOptions{Language: *language})
		})
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Transport wiring ──────────────────────────────────────────────────────────

// registerBuiltinTransports wires every transport that ships with livevoice
// into reg. Model, voice and instructions travel per session through
// [config.TransportEntry.SessionConfig]; the factories only see connection
// settings.
func registerBuiltinTransports(reg *config.Registry) {
	reg.RegisterTransport("gemini-live", func(entry config.TransportEntry) (transport.Dialer, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if s := optString(entry.Options, "keepalive"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("gemini-live: options.keepalive: %w", err)
			}
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("genai-live", func(entry config.TransportEntry) (transport.Dialer, error) {
		var opts []genailive.Option
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		switch b := optString(entry.Options, "backend"); b {
		case "", "gemini":
		case "vertex":
			opts = append(opts, genailive.WithBackend(genai.BackendVertexAI))
		default:
			return nil, fmt.Errorf("genai-live: options.backend %q: want gemini or vertex", b)
		}
		return genailive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTransport("openai-realtime", func(entry config.TransportEntry) (transport.Dialer, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Transports() {
		slog.Debug("registered transport", "name", name)
	}
}

// optString extracts a string value from a transport Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
