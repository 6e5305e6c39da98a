// Package session runs one real-time duplex voice session: microphone audio
// streams to a transport while synthesized replies are scheduled for gapless
// playback, with barge-in interruption and a live volume level.
//
// A [Session] is a single actor. After [Session.Start] has acquired the
// microphone and the transport, one goroutine owns every resource handle and
// performs every status transition, driven by transport events,
// playback-drained notifications, send-failure escalation, the volume ticker
// and stop requests. Observers read [Snapshot]s and never touch resources.
//
// Every exit path (stop, transport close, transport error, start failure)
// ends in the same total cleanup and returns the session to [StatusIdle].
// A Session is single-use; start a new one to talk again.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/capture"
	"github.com/MrWong99/livevoice/pkg/audio/meter"
	"github.com/MrWong99/livevoice/pkg/audio/playback"
	"github.com/MrWong99/livevoice/pkg/transport"
)

// ErrAlreadyStarted is returned by [Session.Start] on every call after the first.
var ErrAlreadyStarted = errors.New("session: already started")

// Default tuning.
const (
	DefaultBlockSize            = 4096
	DefaultErrorDisplayDelay    = 2 * time.Second
	DefaultTickInterval         = time.Second / 60
	DefaultSendQueueSize        = 32
	DefaultSendFailureThreshold = 5
)

// Config wires a [Session] to its capabilities. Zero numeric fields get the
// package defaults.
type Config struct {
	// ID identifies the session in logs and snapshots. Default: a new UUID.
	ID string

	// Host provides the microphone and both audio contexts. Required.
	Host audio.Host

	// Dialer opens the transport. Required.
	Dialer transport.Dialer

	// Transport is passed to Dialer.Open.
	Transport transport.Config

	// TransportName labels metrics. Default: "default".
	TransportName string

	InputSampleRate  int // Default: 16000.
	OutputSampleRate int // Default: 24000.
	BlockSize        int // Capture samples per block. Default: 4096.

	// ErrorDisplayDelay is how long the error status stays visible before
	// cleanup. Default: 2s.
	ErrorDisplayDelay time.Duration

	// TickInterval is the volume sampling period. Default: 1/60 s.
	TickInterval time.Duration

	// SendQueueSize bounds the capture send queue in chunks. Default: 32.
	SendQueueSize int

	// SendFailureThreshold is the number of consecutive failed sends that
	// ends the session with a transport error. Default: 5.
	SendFailureThreshold int

	// AnalyserOptions tune the level meter.
	AnalyserOptions []meter.Option

	// Metrics records session telemetry. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Default: [slog.Default].
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.TransportName == "" {
		c.TransportName = "default"
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = audio.InputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = audio.OutputSampleRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.ErrorDisplayDelay <= 0 {
		c.ErrorDisplayDelay = DefaultErrorDisplayDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.SendFailureThreshold <= 0 {
		c.SendFailureThreshold = DefaultSendFailureThreshold
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// resources is everything a session owns. Only the actor goroutine touches
// it once Start has returned.
type resources struct {
	in       audio.InputContext
	out      audio.OutputContext
	mic      audio.MediaSource
	conn     transport.Conn
	sched    *playback.Scheduler
	capture  *capture.Pipeline
	analyser *meter.Analyser
	meter    *meter.Meter
	ticker   *time.Ticker

	dialStart time.Time
}

// Session is one voice conversation. Create it with [New].
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	drained    chan struct{}
	sendFailed chan error

	mu          sync.Mutex
	snap        Snapshot
	started     bool
	cancelStart context.CancelFunc
	subs        map[chan Snapshot]struct{}
}

// New returns an idle session. Nothing is acquired until [Session.Start].
func New(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:        cfg,
		log:        cfg.Logger.With("session_id", cfg.ID),
		metrics:    cfg.Metrics,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		drained:    make(chan struct{}, 1),
		sendFailed: make(chan error, 1),
		snap:       Snapshot{ID: cfg.ID, Status: StatusIdle},
		subs:       make(map[chan Snapshot]struct{}),
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Start moves the session from idle to connecting, creates both audio
// contexts and then acquires the microphone and opens the transport
// concurrently. ctx bounds only this acquisition.
//
// On failure the session enters [StatusError], Start returns the error, and
// cleanup runs after the error display delay. The session reaches
// [StatusListening] later, when the transport confirms it is open.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "session.start",
		observe.Attr("session_id", s.cfg.ID),
		observe.Attr("transport", s.cfg.TransportName),
	)

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.transition(StatusConnecting, nil)

	r := &resources{}
	if err := s.acquire(ctx, r); err != nil {
		observe.EndSpan(span, err)
		s.metrics.RecordSessionStart(ctx, s.cfg.TransportName, "error")
		if !s.stopRequested() {
			observe.WithTrace(ctx, s.log).Warn("session start failed", "err", err)
			s.transition(StatusError, err)
		}
		go s.run(r, true)
		return fmt.Errorf("session: start: %w", err)
	}

	observe.EndSpan(span, nil)
	s.metrics.RecordSessionStart(ctx, s.cfg.TransportName, "ok")
	go s.run(r, false)
	return nil
}

// acquire fills r. Whatever was acquired before a failure stays in r so
// cleanup can release it.
func (s *Session) acquire(ctx context.Context, r *resources) error {
	in, err := s.cfg.Host.NewInputContext(s.cfg.InputSampleRate)
	if err != nil {
		return fmt.Errorf("input context: %w", err)
	}
	r.in = in

	out, err := s.cfg.Host.NewOutputContext(s.cfg.OutputSampleRate)
	if err != nil {
		return fmt.Errorf("output context: %w", err)
	}
	r.out = out
	r.sched = playback.New(out,
		playback.WithOnDrained(s.notifyDrained),
		playback.WithOnScheduled(s.recordLead),
	)

	analyser, err := meter.NewAnalyser(s.cfg.AnalyserOptions...)
	if err != nil {
		return fmt.Errorf("level meter: %w", err)
	}
	r.analyser = analyser
	r.meter = meter.New(analyser)

	var (
		mic  audio.MediaSource
		conn transport.Conn
	)
	r.dialStart = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.cfg.Host.RequestMicrophone(gctx)
		if err != nil {
			return fmt.Errorf("microphone: %w", err)
		}
		mic = m
		return nil
	})
	g.Go(func() error {
		c, err := s.cfg.Dialer.Open(gctx, s.cfg.Transport)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		conn = c
		return nil
	})
	err = g.Wait()
	r.mic, r.conn = mic, conn
	return err
}

// Stop tears the session down and blocks until cleanup has finished. It is
// safe to call from any goroutine, any number of times, before Start (no-op)
// and after the session ended on its own. Stop during the error display
// delay cleans up immediately.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	cancel := s.cancelStart
	s.mu.Unlock()
	if !started {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	cancel()
	<-s.done
}

// Done is closed once a started session has returned to [StatusIdle].
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// ── Actor ──────────────────────────────────────────────────────────────────────

// run is the session's single actor. It owns r until it returns.
func (s *Session) run(r *resources, failed bool) {
	defer close(s.done)

	var (
		events   <-chan transport.Event
		errTimer <-chan time.Time
	)
	if failed {
		errTimer = time.After(s.cfg.ErrorDisplayDelay)
	} else {
		events = r.conn.Events()
	}

	fail := func(err error) {
		events = nil
		errTimer = time.After(s.cfg.ErrorDisplayDelay)
		s.log.Warn("session failed", "err", err)
		s.transition(StatusError, err)
	}

	for {
		if s.stopRequested() {
			s.finish(r)
			return
		}

		var tick <-chan time.Time
		if r.ticker != nil {
			tick = r.ticker.C
		}

		select {
		case <-s.stopCh:
			s.finish(r)
			return

		case <-errTimer:
			s.finish(r)
			return

		case ev, ok := <-events:
			if !ok {
				s.log.Info("transport event stream ended")
				s.finish(r)
				return
			}
			switch ev.Type {
			case transport.EventOpen:
				if err := s.opened(r); err != nil {
					fail(err)
				}
			case transport.EventMessage:
				s.handleMessage(r, ev.Message)
			case transport.EventClose:
				s.log.Info("transport closed")
				s.finish(r)
				return
			case transport.EventError:
				s.metrics.RecordTransportError(context.Background(), s.cfg.TransportName)
				fail(ev.Err)
			}

		case <-s.drained:
			if s.Status() == StatusSpeaking && r.sched != nil && r.sched.Active() == 0 {
				s.transition(StatusListening, nil)
			}

		case err := <-s.sendFailed:
			if s.Status() != StatusError {
				s.metrics.RecordTransportError(context.Background(), s.cfg.TransportName)
				fail(&transport.Error{Op: "send", Err: err})
			}

		case <-tick:
			s.sampleVolume(r)
		}
	}
}

// opened starts capture and the volume ticker once the transport is open.
func (s *Session) opened(r *resources) error {
	if s.Status() != StatusConnecting {
		return nil
	}
	s.metrics.RecordTransportOpen(context.Background(), s.cfg.TransportName, time.Since(r.dialStart))

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "transport-send",
		MaxFailures: s.cfg.SendFailureThreshold,
		// The session ends as soon as the breaker trips.
		ResetTimeout: time.Hour,
	})
	pipe, err := capture.Start(r.in, r.mic, s.cfg.BlockSize, r.conn,
		capture.WithQueueSize(s.cfg.SendQueueSize),
		capture.WithTap(r.analyser),
		capture.WithBreaker(breaker),
		capture.WithOnSendFailure(s.notifySendFailure),
	)
	if err != nil {
		return fmt.Errorf("session: start capture: %w", err)
	}
	r.capture = pipe
	r.ticker = time.NewTicker(s.cfg.TickInterval)
	s.transition(StatusListening, nil)
	return nil
}

// handleMessage plays any fragment before honouring the message's flags.
func (s *Session) handleMessage(r *resources, msg transport.Message) {
	st := s.Status()
	if st != StatusListening && st != StatusSpeaking {
		return
	}
	ctx := context.Background()

	if msg.AudioFragment != "" {
		s.metrics.FragmentsReceived.Add(ctx, 1)
		if err := s.play(r, msg.AudioFragment); err != nil {
			if errors.Is(err, audio.ErrCodec) {
				s.metrics.CodecErrors.Add(ctx, 1)
				s.log.Warn("dropping malformed audio fragment", "err", err)
			} else {
				s.log.Warn("failed to schedule audio fragment", "err", err)
			}
		} else if st == StatusListening {
			s.transition(StatusSpeaking, nil)
		}
	}

	if msg.Interrupted {
		r.sched.Interrupt()
		s.metrics.Interruptions.Add(ctx, 1)
		s.log.Debug("playback interrupted")
		s.transition(StatusListening, nil)
	}
}

func (s *Session) play(r *resources, fragment string) error {
	pcm, err := audio.FromTransportText(fragment)
	if err != nil {
		return err
	}
	buf, err := audio.DecodePCM16(pcm, s.cfg.OutputSampleRate, 1)
	if err != nil {
		return err
	}
	return r.sched.Enqueue(buf)
}

func (s *Session) sampleVolume(r *resources) {
	if r.meter == nil {
		return
	}
	v := r.meter.Sample()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == s.snap.Volume {
		return
	}
	s.snap.Volume = v
	s.publishLocked()
}

// notifyDrained runs on the output context's goroutine.
func (s *Session) notifyDrained() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// notifySendFailure runs on the capture sender goroutine.
func (s *Session) notifySendFailure(err error) {
	select {
	case s.sendFailed <- err:
	default:
	}
}

func (s *Session) recordLead(lead time.Duration) {
	s.metrics.PlaybackLead.Record(context.Background(), lead.Seconds())
}

// ── Cleanup ────────────────────────────────────────────────────────────────────

// finish releases everything and returns the session to idle.
func (s *Session) finish(r *resources) {
	s.cleanup(r)
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.transition(StatusIdle, nil)

	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
}

// cleanup releases every handle in r and nils it. It tolerates any subset
// of handles, never fails, and is a no-op on an already cleaned r. Release
// errors are logged and swallowed.
func (s *Session) cleanup(r *resources) {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}

	pipe := r.capture
	if pipe != nil {
		if err := pipe.Stop(); err != nil {
			s.log.Debug("cleanup: stop capture", "err", err)
		}
		st := pipe.Stats()
		ctx := context.Background()
		s.metrics.RecordCaptureChunks(ctx, "captured", st.Captured)
		s.metrics.RecordCaptureChunks(ctx, "sent", st.Sent)
		s.metrics.RecordCaptureChunks(ctx, "dropped", st.Dropped)
		s.metrics.RecordCaptureChunks(ctx, "failed", st.Failed)
		r.capture = nil
	}

	if r.mic != nil {
		for _, tr := range r.mic.Tracks() {
			if err := tr.Stop(); err != nil {
				s.log.Debug("cleanup: stop track", "err", err)
			}
		}
		r.mic = nil
	}

	if r.in != nil {
		if err := r.in.Close(); err != nil {
			s.log.Debug("cleanup: close input context", "err", err)
		}
		r.in = nil
	}

	if r.sched != nil {
		r.sched.DrainAndStop()
		r.sched = nil
	}

	if r.out != nil {
		if err := r.out.Close(); err != nil {
			s.log.Debug("cleanup: close output context", "err", err)
		}
		r.out = nil
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			s.log.Debug("cleanup: close transport", "err", err)
		}
		audio.Drain(r.conn.Events())
		r.conn = nil
	}

	// The sender goroutine may have been blocked in a send until the
	// transport closed.
	if pipe != nil {
		pipe.Wait()
	}

	r.analyser = nil
	r.meter = nil
}

// ── Observation ────────────────────────────────────────────────────────────────

// transition records a status change and publishes the new snapshot.
// Entering connecting marks the session active; entering idle clears the
// active flag, the volume and any error.
func (s *Session) transition(to Status, err error) {
	s.mu.Lock()
	from := s.snap.Status
	s.snap.Status = to
	switch to {
	case StatusConnecting:
		s.snap.Active = true
		s.snap.Err = nil
	case StatusError:
		s.snap.Err = err
	case StatusIdle:
		s.snap.Active = false
		s.snap.Volume = 0
		s.snap.Err = nil
	}
	s.publishLocked()
	s.mu.Unlock()

	if from != to {
		s.metrics.RecordStatusTransition(context.Background(), from.String(), to.String())
		s.log.Info("session status changed", "from", from.String(), "status", to.String())
	}
}

// publishLocked offers the current snapshot to every subscriber, replacing
// an unread older snapshot rather than blocking.
func (s *Session) publishLocked() {
	snap := s.snap
	for ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. Slow readers miss intermediate snapshots but always see the
// latest one. The channel is closed after the session returns to idle.
// cancel stops delivery; it is safe to call more than once.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	ch <- s.snap
	if s.subs == nil {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Status
}

// IsActive reports whether the session holds, or is acquiring, resources.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Active
}

// VolumeLevel returns the latest microphone level in [0, 255].
func (s *Session) VolumeLevel() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Volume
}
