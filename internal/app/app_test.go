package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/transport"
	transportmock "github.com/MrWong99/livevoice/pkg/transport/mock"
)

// probingHost is a mock host that also reports device health.
type probingHost struct {
	*audiomock.Host
	err error
}

func (p probingHost) Check(context.Context) error { return p.err }

func newTestApp(t *testing.T, d *transportmock.Dialer, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithHost(&audiomock.Host{}),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(discardLogger()),
	}
	a, err := app.New(testConfig(t), mockRegistry(d), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func readyChecks(t *testing.T, a *app.App) (int, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Health().Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body.Checks
}

func TestNew_UnknownTransport(t *testing.T) {
	t.Parallel()
	_, err := app.New(testConfig(t), config.NewRegistry(), app.WithLogger(discardLogger()))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_WithoutHostFailsSessionsWithDeviceError(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig(t), mockRegistry(&transportmock.Dialer{}),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	_, err = a.Sessions().Start(context.Background(), app.StartOptions{})
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("Start() = %v, want ErrDevice", err)
	}

	code, checks := readyChecks(t, a)
	if code != http.StatusServiceUnavailable || checks["audio"] == "ok" {
		t.Errorf("readyz = %d %v, want audio failing", code, checks)
	}
}

func TestHealth_UsesHostProbe(t *testing.T) {
	t.Parallel()
	host := probingHost{Host: &audiomock.Host{}, err: errors.New("no input device")}
	a := newTestApp(t, &transportmock.Dialer{}, app.WithHost(host))

	code, checks := readyChecks(t, a)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if checks["audio"] != "fail: no input device" {
		t.Errorf("audio check = %q", checks["audio"])
	}
	if checks["transport"] != "ok" {
		t.Errorf("transport check = %q", checks["transport"])
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	a := newTestApp(t, &transportmock.Dialer{}, app.WithLevelVar(level))
	if level.Level() != slog.LevelInfo {
		t.Fatalf("initial level = %v, want info", level.Level())
	}

	old := a.Config()
	next := *old
	next.Server.LogLevel = config.LogDebug
	next.Transport.APIKey = ""
	a.ApplyConfig(old, &next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if a.Config() != &next {
		t.Error("Config() should return the applied config")
	}
	if code, checks := readyChecks(t, a); code != http.StatusServiceUnavailable || checks["transport"] == "ok" {
		t.Errorf("readyz after clearing api key = %d %v", code, checks)
	}
}

func TestConfigWatch_ReloadsLanguage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "livevoice.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	d := &transportmock.Dialer{}
	a := newTestApp(t, d, app.WithConfigWatch(path, 20*time.Millisecond))

	updated := testYAML + "server:\n  log_level: debug\n"
	updated = strings.Replace(updated, "language: English", "language: Hindi", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Add(time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "reload", func() bool { return a.Config().Transport.Language == "Hindi" })
	if _, err := a.Sessions().Start(context.Background(), app.StartOptions{}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := d.Configs[0].Language; got != "Hindi" {
		t.Errorf("session language = %q, want Hindi", got)
	}
}

func TestShutdown_RunsClosersInReverseOnce(t *testing.T) {
	t.Parallel()
	var order []int
	a := newTestApp(t, &transportmock.Dialer{},
		app.WithCloser(func() error { order = append(order, 1); return nil }),
		app.WithCloser(func() error { order = append(order, 2); return errors.New("close 2") }),
	)

	err := a.Shutdown(context.Background())
	if err == nil || err.Error() != "close 2" {
		t.Errorf("Shutdown() = %v, want close 2", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v, want nil", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("closer order = %v, want [2 1]", order)
	}
}

func TestRunHeadless_ReturnsWhenSessionEnds(t *testing.T) {
	t.Parallel()
	d := &transportmock.Dialer{AutoOpen: true}
	a := newTestApp(t, d)

	errCh := make(chan error, 1)
	go func() { errCh <- a.RunHeadless(context.Background(), app.StartOptions{}) }()

	waitFor(t, "listening", func() bool { return a.Sessions().Snapshot().Status == session.StatusListening })
	conn := d.LastConn()
	conn.Push(transport.Event{Type: transport.EventClose})
	conn.End()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunHeadless() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunHeadless did not return after the session ended")
	}
	waitFor(t, "slot to free", func() bool { return !a.Sessions().IsActive() })
}

func TestRunHeadless_StartFailure(t *testing.T) {
	t.Parallel()
	d := &transportmock.Dialer{OpenError: &transport.Error{Provider: "mock", Op: "dial", Err: errors.New("refused")}}
	a := newTestApp(t, d)

	err := a.RunHeadless(context.Background(), app.StartOptions{})
	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("RunHeadless() = %v, want transport error", err)
	}
}

func TestRunHeadless_ContextCancel(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &transportmock.Dialer{AutoOpen: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.RunHeadless(ctx, app.StartOptions{}) }()
	waitFor(t, "listening", func() bool { return a.Sessions().Snapshot().Status == session.StatusListening })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("RunHeadless() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunHeadless did not return on cancel")
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.Level(in); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}
