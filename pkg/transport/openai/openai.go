// Package openai implements [transport.Dialer] for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime protocol. The endpoint
// speaks 24 kHz PCM16 in both directions: microphone chunks are resampled from
// 16 kHz before sending, and response audio deltas are passed to the session
// still base64-encoded.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/transport"
)

// Compile-time assertions that Dialer and conn satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	providerName   = "openai"
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeSampleRate is the only PCM16 rate the endpoint accepts.
	realtimeSampleRate = 24000

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens OpenAI Realtime connections.
type Dialer struct {
	apiKey  string
	baseURL string
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open dials the endpoint and configures the session. The server's
// session.created acknowledgement arrives as [transport.EventOpen].
func (d *Dialer) Open(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &transport.Error{Provider: providerName, Op: "dial", Err: err}
	}
	ws.SetReadLimit(4 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:        ws,
		events:    make(chan transport.Event, eventBuffer),
		ctx:       connCtx,
		cancel:    cancel,
		resampler: audio.RateConverter{Target: realtimeSampleRate},
	}

	if err := c.writeJSON(buildSessionUpdate(cfg)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, &transport.Error{Provider: providerName, Op: "setup", Err: err}
	}

	go c.receiveLoop()
	return c, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string `json:"modalities"`
	Voice             string   `json:"voice,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildSessionUpdate(cfg transport.Config) sessionUpdateMessage {
	// The Realtime API always pairs audio with a transcript.
	mods := []string{"text"}
	if cfg.Modality() == transport.ModalityAudio {
		mods = []string{"audio", "text"}
	}
	return sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        mods,
			Voice:             cfg.Voice,
			Instructions:      cfg.SystemInstruction(),
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws        *websocket.Conn
	events    chan transport.Event
	resampler audio.RateConverter

	mu     sync.Mutex
	closed bool
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// receiveLoop reads events from the WebSocket and translates them. It owns the
// events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.emit(transport.Event{Type: transport.EventClose})
			default:
				c.emit(transport.ErrorEvent(providerName, "receive", err))
			}
			c.shutdown(websocket.StatusNormalClosure, "")
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent reports false once the stream has ended.
func (c *conn) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		c.mu.Lock()
		first := !c.opened
		c.opened = true
		c.mu.Unlock()
		if first {
			return c.emit(transport.Event{Type: transport.EventOpen})
		}

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(transport.Event{
			Type:    transport.EventMessage,
			Message: transport.Message{AudioFragment: evt.Delta},
		})

	case "input_audio_buffer.speech_started":
		return c.emit(transport.Event{
			Type:    transport.EventMessage,
			Message: transport.Message{Interrupted: true},
		})

	case "response.done":
		return c.emit(transport.Event{
			Type:    transport.EventMessage,
			Message: transport.Message{TurnComplete: true},
		})

	case "error":
		detail := evt.Error
		if detail == nil {
			detail = &serverErrorDetail{}
		}
		c.emit(transport.ErrorEvent(providerName, "server", detail))
		c.shutdown(websocket.StatusNormalClosure, "server error")
		return false
	}
	return true
}

// shutdown marks the connection closed and releases the socket. Idempotent.
// The close handshake waits for the peer's close frame, so it runs in the
// background and never holds up the receive loop closing the event stream.
func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	go func() { _ = c.ws.Close(code, reason) }()
}

// ── transport.Conn methods ─────────────────────────────────────────────────────

// SendRealtimeAudio resamples a 16 kHz PCM16 chunk to 24 kHz and appends it to
// the server's input buffer.
func (c *conn) SendRealtimeAudio(pcm []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	converted := c.resampler.Convert(pcm, audio.InputSampleRate)
	if len(converted) == 0 {
		return nil
	}
	err := c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.ToTransportText(converted),
	})
	if err != nil {
		if c.ctx.Err() != nil {
			return transport.ErrClosed
		}
		return &transport.Error{Provider: providerName, Op: "send", Err: err}
	}
	return nil
}

// Events returns the connection's event stream.
func (c *conn) Events() <-chan transport.Event { return c.events }

// Close terminates the connection. Idempotent.
func (c *conn) Close() error {
	c.shutdown(websocket.StatusNormalClosure, "session closed")
	return nil
}
