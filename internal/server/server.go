// Package server exposes the livevoice control surface over HTTP.
//
// Routes:
//
//	POST   /v1/session         start a session; optional body {"language": "..."}
//	DELETE /v1/session         stop the active session
//	GET    /v1/session         current session info and status
//	GET    /v1/session/events  websocket stream of status snapshots (JSON)
//	GET    /healthz, /readyz   liveness and readiness
//	GET    /metrics            Prometheus scrape endpoint
//
// Every route is wrapped in [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/transport"
)

const (
	// maxBodyBytes bounds the start request body.
	maxBodyBytes = 4 << 10

	// writeTimeout bounds a single websocket snapshot write.
	writeTimeout = 5 * time.Second

	// shutdownTimeout bounds graceful HTTP shutdown in [Server.Run].
	shutdownTimeout = 10 * time.Second
)

// Sessions is the session control the server drives. *app.SessionManager
// satisfies it.
type Sessions interface {
	Start(ctx context.Context, opts app.StartOptions) (app.SessionInfo, error)
	Stop(ctx context.Context) error
	Info() (app.SessionInfo, bool)
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
}

var _ Sessions = (*app.SessionManager)(nil)

// Server is the HTTP front end. Create it with [New].
type Server struct {
	sessions Sessions
	health   *health.Handler
	metrics  *observe.Metrics
	scrape   http.Handler
	log      *slog.Logger

	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithScrapeHandler replaces the /metrics handler, normally with
// [observe.Telemetry.Handler]. Default: promhttp.Handler on the default
// Prometheus registry.
func WithScrapeHandler(h http.Handler) Option {
	return func(s *Server) { s.scrape = h }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds the server and its routes.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		scrape:   promhttp.Handler(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", s.handleStart)
	mux.HandleFunc("DELETE /v1/session", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleGet)
	mux.HandleFunc("GET /v1/session/events", s.handleEvents)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on ln until ctx is cancelled, then shuts down gracefully. A nil
// tls serves plain HTTP.
func (s *Server) Run(ctx context.Context, ln net.Listener, tls *config.TLSConfig) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	s.log.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// sessionView is the JSON body of session responses.
type sessionView struct {
	Session *app.SessionInfo `json:"session"`
	State   session.Snapshot `json:"state"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) view() sessionView {
	v := sessionView{State: s.sessions.Snapshot()}
	if info, ok := s.sessions.Info(); ok {
		v.Session = &info
	}
	return v
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts app.StartOptions
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, sessionView{Error: "invalid request body: " + err.Error()})
		return
	}

	info, err := s.sessions.Start(r.Context(), opts)
	if err != nil {
		observe.WithTrace(r.Context(), s.log).Warn("session start rejected", "err", err)
		v := s.view()
		v.Error = err.Error()
		writeJSON(w, startStatus(err), v)
		return
	}

	v := s.view()
	if v.Session == nil {
		// Ended between Start and now.
		v.Session = &info
	}
	writeJSON(w, http.StatusCreated, v)
}

// startStatus maps a start failure to an HTTP status.
func startStatus(err error) int {
	var terr *transport.Error
	switch {
	case errors.Is(err, app.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, app.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDevice):
		return http.StatusServiceUnavailable
	case errors.As(err, &terr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Stop(r.Context())
	switch {
	case errors.Is(err, app.ErrNoSession):
		writeJSON(w, http.StatusNotFound, sessionView{State: s.sessions.Snapshot(), Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusGatewayTimeout, sessionView{State: s.sessions.Snapshot(), Error: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.view())
}

// handleEvents streams snapshots until the client goes away or the
// subscription closes on shutdown.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("events: websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	updates, cancel := s.sessions.Subscribe()
	defer cancel()

	// The client never sends; CloseRead surfaces its close frame as ctx.Done.
	ctx := c.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				c.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, snap)
			wcancel()
			if err != nil {
				s.log.Debug("events: write failed", "err", err)
				return
			}
		}
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
