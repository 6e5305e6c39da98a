package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/transport"
	transportmock "github.com/MrWong99/livevoice/pkg/transport/mock"
)

const testYAML = `
transport:
  name: mock
  api_key: k
  language: English
  instructions: Be brief.
audio:
  block_size: 256
session:
  error_display_delay: 50ms
  tick_interval: 5ms
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mockRegistry(d *transportmock.Dialer) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterTransport("mock", func(config.TransportEntry) (transport.Dialer, error) { return d, nil })
	return reg
}

type managerHarness struct {
	sm     *app.SessionManager
	host   *audiomock.Host
	dialer *transportmock.Dialer
	cfg    atomic.Pointer[config.Config]
}

func newTestSessionManager(t *testing.T) *managerHarness {
	t.Helper()
	h := &managerHarness{host: &audiomock.Host{}, dialer: &transportmock.Dialer{}}
	h.cfg.Store(testConfig(t))
	h.sm = app.NewSessionManager(app.SessionManagerConfig{
		Host:     h.host,
		Registry: mockRegistry(h.dialer),
		Config:   h.cfg.Load,
		Metrics:  testMetrics(t),
		Logger:   discardLogger(),
	})
	t.Cleanup(func() { _ = h.sm.Shutdown(context.Background()) })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, sm *app.SessionManager, want session.Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return sm.Snapshot().Status == want })
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	info, err := h.sm.Start(context.Background(), app.StartOptions{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if info.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if info.Transport != "mock" {
		t.Errorf("Transport = %q, want mock", info.Transport)
	}
	if !h.sm.IsActive() {
		t.Fatal("expected session to be active after Start")
	}
	if got, ok := h.sm.Info(); !ok || got.SessionID != info.SessionID {
		t.Errorf("Info() = %+v, %v", got, ok)
	}

	conn := h.dialer.LastConn()
	conn.Push(transport.Event{Type: transport.EventOpen})
	waitStatus(t, h.sm, session.StatusListening)

	if err := h.sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if h.sm.IsActive() {
		t.Fatal("expected session to be inactive after Stop")
	}
	if s := h.sm.Snapshot(); s.Status != session.StatusIdle || s.Active {
		t.Errorf("Snapshot after Stop = %+v", s)
	}
	if !conn.Closed() {
		t.Error("transport should be closed after Stop")
	}
	if _, ok := h.sm.Info(); ok {
		t.Error("Info() should report no session after Stop")
	}
}

func TestSessionManager_StartWhileActive(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	_, err := h.sm.Start(context.Background(), app.StartOptions{})
	if !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("second Start() = %v, want ErrSessionActive", err)
	}
	if h.dialer.CallCountOpen != 1 {
		t.Errorf("Open calls = %d, want 1", h.dialer.CallCountOpen)
	}
}

func TestSessionManager_StopWithoutSession(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	if err := h.sm.Stop(context.Background()); !errors.Is(err, app.ErrNoSession) {
		t.Fatalf("Stop() = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_LanguageOverride(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	info, err := h.sm.Start(context.Background(), app.StartOptions{Language: "hi-IN"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if info.Language != "hi-IN" {
		t.Errorf("info.Language = %q, want hi-IN", info.Language)
	}
	if err := h.sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	if len(h.dialer.Configs) != 2 {
		t.Fatalf("Open calls = %d, want 2", len(h.dialer.Configs))
	}
	if got := h.dialer.Configs[0].Language; got != "hi-IN" {
		t.Errorf("override language = %q, want hi-IN", got)
	}
	if got := h.dialer.Configs[1].Language; got != "English" {
		t.Errorf("configured language = %q, want English", got)
	}
	if got := h.dialer.Configs[1].Instructions; got != "Be brief." {
		t.Errorf("instructions = %q", got)
	}
}

func TestSessionManager_ReloadedConfigAppliesToNextSession(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	next := *h.cfg.Load()
	next.Transport.Voice = "Puck"
	h.cfg.Store(&next)

	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := h.dialer.Configs[0].Voice; got != "Puck" {
		t.Errorf("voice = %q, want Puck", got)
	}
}

func TestSessionManager_SlotFreedWhenSessionEnds(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	conn := h.dialer.LastConn()
	conn.Push(transport.Event{Type: transport.EventOpen})
	conn.Push(transport.Event{Type: transport.EventClose})
	conn.End()

	waitFor(t, "slot to free", func() bool { return !h.sm.IsActive() })
	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() after session ended: %v", err)
	}
}

func TestSessionManager_StartFailureHoldsSlotThroughErrorDelay(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)
	h.host.MicError = audio.ErrPermission

	_, err := h.sm.Start(context.Background(), app.StartOptions{})
	if !errors.Is(err, audio.ErrPermission) {
		t.Fatalf("Start() = %v, want ErrPermission", err)
	}
	snap := h.sm.Snapshot()
	if snap.Status != session.StatusError || !errors.Is(snap.Err, audio.ErrPermission) {
		t.Errorf("Snapshot = %+v, want error status with permission error", snap)
	}
	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); !errors.Is(err, app.ErrSessionActive) {
		t.Errorf("Start() during error delay = %v, want ErrSessionActive", err)
	}

	waitFor(t, "slot to free", func() bool { return !h.sm.IsActive() })
	if s := h.sm.Snapshot(); s.Status != session.StatusIdle {
		t.Errorf("status after delay = %v, want idle", s.Status)
	}
}

func TestSessionManager_StartCancelledByStop(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)
	h.host.MicGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.sm.Start(context.Background(), app.StartOptions{})
		errCh <- err
	}()
	waitStatus(t, h.sm, session.StatusConnecting)

	if err := h.sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Start() should fail when stopped while connecting")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after Stop")
	}
	if h.sm.IsActive() {
		t.Error("slot should be free")
	}
}

// gateHandler blocks the goroutine that logs msg until open is called.
type gateHandler struct {
	msg     string
	reached chan struct{}
	release chan struct{}
	hit     sync.Once
	opened  sync.Once
}

func newGateHandler(msg string) *gateHandler {
	return &gateHandler{msg: msg, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (g *gateHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == g.msg {
		g.hit.Do(func() {
			close(g.reached)
			<-g.release
		})
	}
	return nil
}

func (g *gateHandler) WithAttrs([]slog.Attr) slog.Handler { return g }
func (g *gateHandler) WithGroup(string) slog.Handler      { return g }

func (g *gateHandler) open() { g.opened.Do(func() { close(g.release) }) }

func TestSessionManager_StopBeforeSessionStartHoldsSlot(t *testing.T) {
	t.Parallel()
	host := &audiomock.Host{}
	dialer := &transportmock.Dialer{}
	cfg := testConfig(t)
	gate := newGateHandler("session starting")
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Host:     host,
		Registry: mockRegistry(dialer),
		Config:   func() *config.Config { return cfg },
		Metrics:  testMetrics(t),
		Logger:   slog.New(gate),
	})
	t.Cleanup(func() { _ = sm.Shutdown(context.Background()) })
	t.Cleanup(gate.open)

	startErr := make(chan error, 1)
	go func() {
		_, err := sm.Start(context.Background(), app.StartOptions{})
		startErr <- err
	}()
	select {
	case <-gate.reached:
	case <-time.After(3 * time.Second):
		t.Fatal("Start never reserved the slot")
	}

	// The slot is reserved but the session has not begun acquiring yet.
	stopErr := make(chan error, 1)
	go func() { stopErr <- sm.Stop(context.Background()) }()
	select {
	case err := <-stopErr:
		t.Fatalf("Stop() = %v before the pending Start returned", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := sm.Start(context.Background(), app.StartOptions{}); !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("concurrent Start() = %v, want ErrSessionActive", err)
	}

	gate.open()
	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return after Start finished")
	}
	select {
	case <-startErr:
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return")
	}

	if sm.IsActive() {
		t.Fatal("slot should be free once Stop returns")
	}
	if host.CallCountRequestMicrophone != 1 {
		t.Errorf("microphone requests = %d, want 1", host.CallCountRequestMicrophone)
	}
	for i, tr := range host.LastMic().TrackList {
		if !tr.Stopped() {
			t.Errorf("track %d still live after Stop", i)
		}
	}
	if conn := dialer.LastConn(); conn == nil || !conn.Closed() {
		t.Error("transport should be closed after Stop")
	}

	if _, err := sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() after Stop: %v", err)
	}
}

func TestSessionManager_UnknownTransport(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)
	next := *h.cfg.Load()
	next.Transport.Name = "missing"
	h.cfg.Store(&next)

	_, err := h.sm.Start(context.Background(), app.StartOptions{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("Start() = %v, want ErrProviderNotRegistered", err)
	}
	if h.sm.IsActive() {
		t.Error("no session should occupy the slot")
	}
}

func TestSessionManager_FallbackTransport(t *testing.T) {
	t.Parallel()
	primary := &transportmock.Dialer{OpenError: &transport.Error{Provider: "mock", Op: "open", Err: errors.New("refused")}}
	backup := &transportmock.Dialer{AutoOpen: true}
	reg := mockRegistry(primary)
	reg.RegisterTransport("backup", func(config.TransportEntry) (transport.Dialer, error) { return backup, nil })

	cfg := testConfig(t)
	cfg.Fallbacks = []config.TransportEntry{{Name: "backup", Voice: "alloy"}}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Host:     &audiomock.Host{},
		Registry: reg,
		Config:   func() *config.Config { return cfg },
		Metrics:  testMetrics(t),
		Logger:   discardLogger(),
	})
	t.Cleanup(func() { _ = sm.Shutdown(context.Background()) })

	for i := range 2 {
		if _, err := sm.Start(context.Background(), app.StartOptions{}); err != nil {
			t.Fatalf("Start() #%d error: %v", i, err)
		}
		waitStatus(t, sm, session.StatusListening)
		if err := sm.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() #%d error: %v", i, err)
		}
	}

	if backup.CallCountOpen != 2 {
		t.Fatalf("backup opens = %d, want 2", backup.CallCountOpen)
	}
	got := backup.Configs[0]
	if got.Voice != "alloy" {
		t.Errorf("backup voice = %q, want alloy", got.Voice)
	}
	if got.Language != "English" || got.Instructions != "Be brief." {
		t.Errorf("backup config = %+v, want language and instructions inherited", got)
	}
	if primary.CallCountOpen != 2 {
		t.Errorf("primary opens = %d, want 2 (breaker still closed)", primary.CallCountOpen)
	}
}

func TestSessionManager_UnknownFallbackTransport(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)
	next := *h.cfg.Load()
	next.Fallbacks = []config.TransportEntry{{Name: "missing"}}
	h.cfg.Store(&next)

	_, err := h.sm.Start(context.Background(), app.StartOptions{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("Start() = %v, want ErrProviderNotRegistered", err)
	}
	if h.sm.IsActive() {
		t.Error("no session should occupy the slot")
	}
}

func TestSessionManager_SubscribeSpansSessions(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	updates, cancel := h.sm.Subscribe()
	defer cancel()
	if first := <-updates; first.Status != session.StatusIdle {
		t.Fatalf("first snapshot = %v, want idle", first.Status)
	}

	seen := make(map[string]map[session.Status]bool)
	collect := func(until func() bool) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for !until() {
			select {
			case snap := <-updates:
				if seen[snap.ID] == nil {
					seen[snap.ID] = make(map[session.Status]bool)
				}
				seen[snap.ID][snap.Status] = true
			case <-deadline:
				t.Fatalf("timeout; seen %v", seen)
			}
		}
	}

	var ids []string
	for range 2 {
		info, err := h.sm.Start(context.Background(), app.StartOptions{})
		if err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		ids = append(ids, info.SessionID)
		h.dialer.LastConn().Push(transport.Event{Type: transport.EventOpen})
		collect(func() bool { return seen[info.SessionID][session.StatusListening] })
		if err := h.sm.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
		collect(func() bool { return seen[info.SessionID][session.StatusIdle] && !h.sm.IsActive() })
	}
	if ids[0] == ids[1] {
		t.Error("sessions should get distinct ids")
	}
}

func TestSessionManager_Shutdown(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)

	updates, _ := h.sm.Subscribe()
	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	conn := h.dialer.LastConn()

	if err := h.sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !conn.Closed() {
		t.Error("transport should be closed after Shutdown")
	}
	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); !errors.Is(err, app.ErrShutdown) {
		t.Errorf("Start() after Shutdown = %v, want ErrShutdown", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription not closed by Shutdown")
		}
	}
}

func TestSessionManager_StopHonoursContext(t *testing.T) {
	t.Parallel()
	h := newTestSessionManager(t)
	if _, err := h.sm.Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Teardown may already be complete; either outcome must leave no session
	// behind once Stop is retried without a deadline.
	_ = h.sm.Stop(ctx)
	if err := h.sm.Stop(context.Background()); err != nil && !errors.Is(err, app.ErrNoSession) {
		t.Fatalf("Stop() error: %v", err)
	}
	if h.sm.IsActive() {
		t.Error("session should be gone")
	}
}
