package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/meter"
	"github.com/MrWong99/livevoice/pkg/transport"
)

// Breaker settings for each dialer of a fallback chain.
const (
	fallbackMaxFailures  = 3
	fallbackResetTimeout = time.Minute
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while another
	// session occupies the slot, including during its error display delay.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by [SessionManager.Stop] when nothing runs.
	ErrNoSession = errors.New("app: no active session")

	// ErrShutdown is returned by [SessionManager.Start] after Shutdown.
	ErrShutdown = errors.New("app: session manager is shut down")
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"id"`

	// Transport is the registry name of the transport in use.
	Transport string `json:"transport"`

	// Language is the effective reply language hint, if any.
	Language string `json:"language,omitempty"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// StartOptions are per-start overrides of the configured conversation.
type StartOptions struct {
	// Language replaces transport.language for this session only.
	Language string `json:"language,omitempty"`
}

// SessionManager manages the lifecycle of voice sessions.
// Only one session can be active at a time. All exported methods are safe
// for concurrent use.
//
// Observers subscribe to the manager rather than to a single session, so a
// status stream survives across sessions.
type SessionManager struct {
	host     audio.Host
	registry *config.Registry
	current  func() *config.Config
	metrics  *observe.Metrics
	log      *slog.Logger

	mu     sync.Mutex
	active *session.Session

	// starting is closed when the active session's Start call returns. Until
	// then the slot stays reserved and a Stop only sets stopPending.
	starting    chan struct{}
	stopPending bool

	// dialer is built from dialerFor and reused until the config changes, so
	// fallback breakers remember failures across sessions.
	dialer    transport.Dialer
	dialerFor *config.Config

	info   SessionInfo
	last   session.Snapshot
	subs   map[chan session.Snapshot]struct{}
	closed bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Host provides microphone and audio contexts for every session.
	Host audio.Host

	// Registry builds the transport dialer named in the current config.
	Registry *config.Registry

	// Config returns the config to use for the next session. It is called on
	// every Start so reloaded settings apply without a restart.
	Config func() *config.Config

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		host:     cfg.Host,
		registry: cfg.Registry,
		current:  cfg.Config,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		last:     session.Snapshot{Status: session.StatusIdle},
		subs:     make(map[chan session.Snapshot]struct{}),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	return sm
}

// Start creates a session from the current config and starts it. It blocks
// until the microphone is granted and the transport is dialled, or until
// either fails. A failed session keeps the slot through its error display
// delay; the returned error carries the cause.
func (sm *SessionManager) Start(ctx context.Context, opts StartOptions) (SessionInfo, error) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return SessionInfo{}, ErrShutdown
	}
	if sm.active != nil {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}

	cfg := sm.current()
	dialer, err := sm.dialerLocked(cfg)
	if err != nil {
		sm.mu.Unlock()
		return SessionInfo{}, err
	}

	tcfg := cfg.Transport.SessionConfig()
	if opts.Language != "" {
		tcfg.Language = opts.Language
	}
	info := SessionInfo{
		SessionID: uuid.NewString(),
		Transport: cfg.Transport.Name,
		Language:  tcfg.Language,
		StartedAt: time.Now().UTC(),
	}

	sess := session.New(session.Config{
		ID:                   info.SessionID,
		Host:                 sm.host,
		Dialer:               dialer,
		Transport:            tcfg,
		TransportName:        cfg.Transport.Name,
		InputSampleRate:      cfg.Audio.InputSampleRate,
		OutputSampleRate:     cfg.Audio.OutputSampleRate,
		BlockSize:            cfg.Audio.BlockSize,
		ErrorDisplayDelay:    cfg.Session.ErrorDisplayDelay,
		TickInterval:         cfg.Session.TickInterval,
		SendQueueSize:        cfg.Session.SendQueueSize,
		SendFailureThreshold: cfg.Session.SendFailureThreshold,
		AnalyserOptions:      analyserOptions(cfg.Audio),
		Metrics:              sm.metrics,
		Logger:               sm.log,
	})
	updates, _ := sess.Subscribe()
	starting := make(chan struct{})
	sm.active = sess
	sm.info = info
	sm.starting = starting
	sm.stopPending = false
	sm.mu.Unlock()

	go sm.follow(sess, updates)

	sm.log.Info("session starting",
		"session_id", info.SessionID,
		"transport", info.Transport,
		"language", info.Language,
	)
	err = sess.Start(ctx)

	// A Stop that arrived before sess.Start found nothing to stop yet.
	sm.mu.Lock()
	stop := sm.stopPending
	sm.starting = nil
	sm.stopPending = false
	sm.mu.Unlock()
	if stop {
		sess.Stop()
	}
	close(starting)
	return info, err
}

// dialerLocked returns the dialer for cfg, building it when cfg differs from
// the one the cached dialer was built for. sm.mu must be held.
func (sm *SessionManager) dialerLocked(cfg *config.Config) (transport.Dialer, error) {
	if sm.dialer != nil && sm.dialerFor == cfg {
		return sm.dialer, nil
	}
	primary, err := sm.registry.CreateTransport(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("app: create transport %q: %w", cfg.Transport.Name, err)
	}
	var d transport.Dialer = primary
	if len(cfg.Fallbacks) > 0 {
		fd := resilience.NewFallbackDialer(primary, cfg.Transport.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  fallbackMaxFailures,
				ResetTimeout: fallbackResetTimeout,
			},
			Logger: sm.log,
		})
		for i, entry := range cfg.Fallbacks {
			fb, err := sm.registry.CreateTransport(entry)
			if err != nil {
				return nil, fmt.Errorf("app: create fallback transport %d %q: %w", i, entry.Name, err)
			}
			fd.Add(entry.Name, transport.DialerFunc(func(ctx context.Context, c transport.Config) (transport.Conn, error) {
				return fb.Open(ctx, entry.Inherit(c))
			}))
		}
		sm.log.Debug("transport fallback chain", "order", fd.Names())
		d = fd
	}
	sm.dialer, sm.dialerFor = d, cfg
	return d, nil
}

// follow relays one session's snapshots to the manager's subscribers and
// frees the slot once the session is done.
func (sm *SessionManager) follow(sess *session.Session, updates <-chan session.Snapshot) {
	for snap := range updates {
		sm.publish(snap)
	}

	sm.mu.Lock()
	if sm.active == sess {
		sm.active = nil
		sm.info = SessionInfo{}
	}
	sm.mu.Unlock()
	sm.log.Info("session ended", "session_id", sess.ID())
}

func (sm *SessionManager) publish(snap session.Snapshot) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.last = snap
	for ch := range sm.subs {
		offer(ch, snap)
	}
}

// offer replaces any unread snapshot in ch with snap.
func offer(ch chan session.Snapshot, snap session.Snapshot) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// Stop ends the active session and waits for its teardown, or for ctx. A
// session whose Start is still in flight is stopped once Start returns, and
// the slot stays taken until then.
//
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	sess := sm.active
	starting := sm.starting
	if starting != nil {
		sm.stopPending = true
	}
	sm.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	done := make(chan struct{})
	go func() {
		sess.Stop()
		if starting != nil {
			<-starting
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("app: stop session %s: %w", sess.ID(), ctx.Err())
	}

	sm.mu.Lock()
	if sm.active == sess {
		sm.active = nil
		sm.info = SessionInfo{}
	}
	sm.mu.Unlock()
	sm.log.Info("session stopped", "session_id", sess.ID())
	return nil
}

// sessionDone returns the Done channel of the active session if its id
// matches, or nil.
func (sm *SessionManager) sessionDone(id string) <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil || sm.active.ID() != id {
		return nil
	}
	return sm.active.Done()
}

// IsActive reports whether a session occupies the slot.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session and whether there is one.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active != nil
}

// Snapshot returns the active session's state, or an idle snapshot.
func (sm *SessionManager) Snapshot() session.Snapshot {
	sm.mu.Lock()
	sess := sm.active
	sm.mu.Unlock()
	if sess != nil {
		return sess.Snapshot()
	}
	return session.Snapshot{Status: session.StatusIdle}
}

// Subscribe returns a channel of snapshots across all sessions, starting with
// the latest one. Slow readers miss intermediate updates. The channel closes
// on [SessionManager.Shutdown] or when cancel is called.
func (sm *SessionManager) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 1)
	sm.mu.Lock()
	ch <- sm.last
	if sm.closed {
		close(ch)
		sm.mu.Unlock()
		return ch, func() {}
	}
	sm.subs[ch] = struct{}{}
	sm.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sm.mu.Lock()
			if _, ok := sm.subs[ch]; ok {
				delete(sm.subs, ch)
				close(ch)
			}
			sm.mu.Unlock()
		})
	}
}

// Shutdown stops the active session, refuses further starts and closes all
// subscriptions.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()

	err := sm.Stop(ctx)
	if errors.Is(err, ErrNoSession) {
		err = nil
	}

	sm.mu.Lock()
	for ch := range sm.subs {
		close(ch)
	}
	clear(sm.subs)
	sm.mu.Unlock()
	return err
}

func analyserOptions(a config.AudioConfig) []meter.Option {
	var opts []meter.Option
	if a.FFTSize > 0 {
		opts = append(opts, meter.WithFFTSize(a.FFTSize))
	}
	if a.Smoothing != nil {
		opts = append(opts, meter.WithSmoothing(*a.Smoothing))
	}
	if a.MinDecibels < a.MaxDecibels {
		opts = append(opts, meter.WithDecibelRange(a.MinDecibels, a.MaxDecibels))
	}
	return opts
}
