// Package app wires the livevoice subsystems into a running application.
//
// The App struct owns the process-wide pieces: the current configuration
// (hot-reloaded through [config.Watcher]), the audio host, the transport
// registry and the [SessionManager]. The HTTP surface lives in
// internal/server and is composed with an App in main.
//
// For testing, inject doubles via functional options (WithHost, WithMetrics,
// etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      atomic.Pointer[config.Config]
	level    *slog.LevelVar
	log      *slog.Logger
	host     audio.Host
	registry *config.Registry
	metrics  *observe.Metrics
	sessions *SessionManager

	watchPath     string
	watchInterval time.Duration
	watcher       *config.Watcher

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHost sets the audio host. Without one, every session fails to start
// with [audio.ErrDevice].
func WithHost(h audio.Host) Option {
	return func(a *App) { a.host = h }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of a handler built
// on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch polls path and applies changes through [App.ApplyConfig].
// A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithCloser registers fn to run during Shutdown, after the session manager
// has stopped. Used for the audio host.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the transport registry. The transport named
// in cfg must be registered.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{registry: reg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.host == nil {
		a.host = unavailableHost{}
	}
	a.level.Set(Level(cfg.Server.LogLevel))
	a.cfg.Store(cfg)

	registered := reg.Transports()
	if !slices.Contains(registered, cfg.Transport.Name) {
		return nil, fmt.Errorf("app: transport %q: %w", cfg.Transport.Name, config.ErrProviderNotRegistered)
	}
	for _, fb := range cfg.Fallbacks {
		if !slices.Contains(registered, fb.Name) {
			return nil, fmt.Errorf("app: fallback transport %q: %w", fb.Name, config.ErrProviderNotRegistered)
		}
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Host:     a.host,
		Registry: reg,
		Config:   a.Config,
		Metrics:  a.metrics,
		Logger:   a.log,
	})

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig,
			config.WithInterval(a.watchInterval),
			config.WithWatcherLogger(a.log),
		)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the readiness checks: the audio host's own probe when it
// has one, and a configured transport API key.
func (a *App) Health() *health.Handler {
	checks := []health.Checker{
		health.Configured("transport", func() string { return a.Config().Transport.APIKey }),
	}
	if p, ok := a.host.(health.Probe); ok {
		checks = append(checks, health.FromProbe("audio", p))
	} else if _, none := a.host.(unavailableHost); none {
		checks = append(checks, health.FromProbe("audio", nil))
	}
	return health.New(checks...)
}

// ApplyConfig installs new as the current config. The log level changes
// immediately; conversation settings apply from the next session on.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	a.cfg.Store(new)

	if d.LogLevelChanged {
		a.level.Set(Level(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TransportChanged {
		a.log.Info("conversation settings changed; applies to the next session",
			"instructions", d.InstructionsChanged,
			"voice", d.VoiceChanged,
			"language", d.LanguageChanged,
			"model", d.ModelChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "settings", d.RestartRequired)
	}
}

// ─── Headless ────────────────────────────────────────────────────────────────

// RunHeadless starts one session and logs its status transitions until it
// returns to idle or ctx is done. It backs the -autostart flag.
func (a *App) RunHeadless(ctx context.Context, opts StartOptions) error {
	updates, cancel := a.sessions.Subscribe()
	defer cancel()

	info, err := a.sessions.Start(ctx, opts)
	if err != nil {
		return fmt.Errorf("app: headless start: %w", err)
	}
	log := a.log.With("session_id", info.SessionID)

	done := a.sessions.sessionDone(info.SessionID)
	if done == nil {
		return nil
	}
	last := session.StatusIdle
	report := func(snap session.Snapshot) {
		if snap.ID != info.SessionID || snap.Status == last {
			return
		}
		last = snap.Status
		if snap.Err != nil {
			log.Error("session status", "status", snap.Status, "err", snap.Err)
			return
		}
		log.Info("session status", "status", snap.Status)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			report(a.sessions.Snapshot())
			log.Info("session finished")
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			report(snap)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the config watcher and the active session, then runs the
// registered closers in reverse order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		var errs []error
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if e := a.sessions.Shutdown(ctx); e != nil {
			errs = append(errs, e)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if e := a.closers[i](); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Level maps a config log level to its slog level.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// unavailableHost stands in when no audio backend is configured.
type unavailableHost struct{}

var _ audio.Host = unavailableHost{}

func (unavailableHost) RequestMicrophone(context.Context) (audio.MediaSource, error) {
	return nil, fmt.Errorf("app: no audio backend configured: %w", audio.ErrDevice)
}

func (unavailableHost) NewInputContext(int) (audio.InputContext, error) {
	return nil, fmt.Errorf("app: no audio backend configured: %w", audio.ErrDevice)
}

func (unavailableHost) NewOutputContext(int) (audio.OutputContext, error) {
	return nil, fmt.Errorf("app: no audio backend configured: %w", audio.ErrDevice)
}
