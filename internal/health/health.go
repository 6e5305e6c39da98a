// Package health serves the liveness and readiness endpoints.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// answers 200 only while every [Checker] passes; for livevoice that is the
// audio host and the transport credentials. Both reply with JSON:
//
//	{"status": "fail", "checks": {"audio": "ok", "transport": "fail: not configured"}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// ErrNotConfigured is reported by [Configured] for an empty value and by
// [FromProbe] for a nil probe.
var ErrNotConfigured = errors.New("not configured")

// Checker is one named readiness check. Check returns nil when healthy and
// must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Probe is a component that reports its own health, such as the PortAudio
// host.
type Probe interface {
	Check(ctx context.Context) error
}

// FromProbe adapts p to a [Checker]. A nil p always fails.
func FromProbe(name string, p Probe) Checker {
	check := func(context.Context) error { return ErrNotConfigured }
	if p != nil {
		check = p.Check
	}
	return Checker{Name: name, Check: check}
}

// Configured fails while value returns "". value is read on every check, so
// a reloaded API key is picked up.
func Configured(name string, value func() string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if value() == "" {
			return ErrNotConfigured
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler running checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each bounded by [checkTimeout],
// and answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: h.run(r.Context())}
	status := http.StatusOK
	for _, outcome := range res.Checks {
		if outcome != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

// run maps each checker name to "ok" or "fail: <reason>".
func (h *Handler) run(ctx context.Context) map[string]string {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]string, len(h.checkers))
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			outcome := "ok"
			if err := c.Check(cctx); err != nil {
				outcome = "fail: " + err.Error()
			}
			mu.Lock()
			out[c.Name] = outcome
			mu.Unlock()
		})
	}
	wg.Wait()
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
