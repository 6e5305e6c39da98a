package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livevoice/pkg/transport"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all entries failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// entry in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// StopOn reports errors that end the attempt without trying further
	// entries. They are returned unwrapped. Default: none.
	StopOn func(error) bool

	// Logger receives skip and failover lines. Default: [slog.Default].
	Logger *slog.Logger
}

// fallbackEntry pairs a value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// type. When the primary fails (or its circuit breaker is open), the next
// healthy fallback is tried in registration order.
//
// Entries must be added before the group is shared; Execute is then safe for
// concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] joined with
// the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			if i > 0 {
				fg.cfg.Logger.Info("fallback succeeded", "name", entry.name)
			}
			return result, nil
		}
		if fg.cfg.StopOn != nil && fg.cfg.StopOn(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.cfg.Logger.Debug("skipping entry (circuit open)", "name", entry.name)
		} else {
			fg.cfg.Logger.Warn("entry failed, trying next", "name", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// ── Transport ────────────────────────────────────────────────────────────────

// FallbackDialer opens a connection through the first healthy dialer of a
// group. Context cancellation stops the attempt at once.
type FallbackDialer struct {
	group *FallbackGroup[transport.Dialer]
}

var _ transport.Dialer = (*FallbackDialer)(nil)

// NewFallbackDialer returns a dialer that tries primary, then each dialer
// added with [FallbackDialer.Add]. A nil cfg.StopOn stops on context errors.
func NewFallbackDialer(primary transport.Dialer, primaryName string, cfg FallbackConfig) *FallbackDialer {
	if cfg.StopOn == nil {
		cfg.StopOn = isContextErr
	}
	return &FallbackDialer{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// Add appends a fallback dialer.
func (d *FallbackDialer) Add(name string, dialer transport.Dialer) {
	d.group.AddFallback(name, dialer)
}

// Names returns the dialer names in the order they are tried.
func (d *FallbackDialer) Names() []string { return d.group.Names() }

// Open implements [transport.Dialer].
func (d *FallbackDialer) Open(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	return ExecuteWithResult(d.group, func(dl transport.Dialer) (transport.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return dl.Open(ctx, cfg)
	})
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
