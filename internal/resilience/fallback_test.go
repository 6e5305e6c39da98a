package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/transport"
	transportmock "github.com/MrWong99/livevoice/pkg/transport/mock"
)

func quietConfig(maxFailures int) FallbackConfig {
	return FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", quietConfig(3))
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", quietConfig(3))
	fg.AddFallback("secondary", "secondary")

	var called string
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFailKeepsLastError(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", quietConfig(3))
	fg.AddFallback("secondary", "secondary")

	last := &transport.Error{Provider: "secondary", Op: "open", Err: errTest}
	err := fg.Execute(func(v string) error {
		if v == "secondary" {
			return last
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var terr *transport.Error
	if !errors.As(err, &terr) || terr != last {
		t.Fatalf("err = %v, want the last transport error wrapped", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenEntry(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", quietConfig(2))
	fg.AddFallback("secondary", "secondary")

	// Fail the primary enough to open its breaker.
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want only secondary (primary circuit should be open)", called)
	}
}

func TestFallbackGroup_StopOn(t *testing.T) {
	cfg := quietConfig(3)
	cfg.StopOn = func(err error) bool { return errors.Is(err, context.Canceled) }
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")

	var calls int
	err := fg.Execute(func(string) error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := NewFallbackGroup(1, "one", quietConfig(3))
	fg.AddFallback("two", 2)
	fg.AddFallback("three", 3)

	got := fg.Names()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", quietConfig(3))
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

// ── FallbackDialer ───────────────────────────────────────────────────────────

func TestFallbackDialer_FailsOver(t *testing.T) {
	primary := &transportmock.Dialer{OpenError: &transport.Error{Provider: "primary", Op: "open", Err: errTest}}
	secondary := &transportmock.Dialer{AutoOpen: true}

	d := NewFallbackDialer(primary, "primary", quietConfig(3))
	d.Add("secondary", secondary)

	conn, err := d.Open(context.Background(), transport.Config{Voice: "Kore"})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if conn != secondary.LastConn() {
		t.Error("Open() should return the secondary's connection")
	}
	if primary.CallCountOpen != 1 || secondary.CallCountOpen != 1 {
		t.Errorf("open calls = %d/%d, want 1/1", primary.CallCountOpen, secondary.CallCountOpen)
	}
	if secondary.Configs[0].Voice != "Kore" {
		t.Errorf("secondary voice = %q, want Kore", secondary.Configs[0].Voice)
	}
}

func TestFallbackDialer_StopsOnCancel(t *testing.T) {
	primary := &transportmock.Dialer{Gate: make(chan struct{})}
	secondary := &transportmock.Dialer{AutoOpen: true}

	d := NewFallbackDialer(primary, "primary", quietConfig(3))
	d.Add("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Open(ctx, transport.Config{})
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Open() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after cancel")
	}
	if secondary.CallCountOpen != 0 {
		t.Errorf("secondary open calls = %d, want 0", secondary.CallCountOpen)
	}
}

func TestFallbackDialer_Names(t *testing.T) {
	d := NewFallbackDialer(&transportmock.Dialer{}, "gemini-live", quietConfig(3))
	d.Add("openai-realtime", &transportmock.Dialer{})
	if got := d.Names(); len(got) != 2 || got[1] != "openai-realtime" {
		t.Errorf("Names() = %v", got)
	}
}
