// Package gemini implements [transport.Dialer] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is sent as base64-encoded PCM chunks; model audio
// arrives as base64 inline data and is passed through to the session
// untouched, still in transport text form.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/transport"
)

// Compile-time assertions that Dialer and conn satisfy the transport interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	providerName   = "gemini"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	inputMIMEType  = "audio/pcm;rate=16000"

	defaultKeepalive = 20 * time.Second
	keepaliveTimeout = 5 * time.Second

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

// WithKeepalive sets the websocket ping interval. Zero disables pings.
func WithKeepalive(interval time.Duration) Option {
	return func(d *Dialer) { d.keepalive = interval }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Gemini Live connections.
type Dialer struct {
	apiKey    string
	baseURL   string
	keepalive time.Duration
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		keepalive: defaultKeepalive,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open dials the endpoint and sends the setup message. It returns as soon as
// the setup is written; the server's setupComplete acknowledgement arrives as
// [transport.EventOpen].
func (d *Dialer) Open(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &transport.Error{Provider: providerName, Op: "dial", Err: err}
	}
	// Model audio chunks can exceed the library's 32 KiB default.
	ws.SetReadLimit(4 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan transport.Event, eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.writeJSON(buildSetup(cfg)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, &transport.Error{Provider: providerName, Op: "setup", Err: err}
	}

	go c.receiveLoop()
	if d.keepalive > 0 {
		go c.keepaliveLoop(d.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("%d: %s", e.Code, msg)
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// buildSetup accepts the model with or without its "models/" resource prefix.
func buildSetup(cfg transport.Config) setupMessage {
	model := strings.TrimPrefix(cfg.Model, "models/")
	if model == "" {
		model = transport.DefaultModel
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{cfg.Modality()},
			},
		},
	}

	if text := cfg.SystemInstruction(); text != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: text}},
		}
	}

	var sc speechConfig
	if cfg.Voice != "" {
		sc.VoiceConfig = &voiceConfig{
			PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
		}
	}
	sc.LanguageCode = cfg.LanguageTag()
	if sc.VoiceConfig != nil || sc.LanguageCode != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &sc
	}
	return msg
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan transport.Event

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
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// emit delivers ev unless the connection is being torn down.
func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			// Local Close: no terminal event.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage reports false once the stream has ended.
func (c *conn) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		c.emit(transport.ErrorEvent(providerName, "server", msg.Error))
		c.shutdown(websocket.StatusNormalClosure, "server error")
		return false
	}

	if msg.SetupComplete != nil {
		c.mu.Lock()
		first := !c.opened
		c.opened = true
		c.mu.Unlock()
		if first && !c.emit(transport.Event{Type: transport.EventOpen}) {
			return false
		}
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				ev := transport.Event{
					Type:    transport.EventMessage,
					Message: transport.Message{AudioFragment: p.InlineData.Data},
				}
				if !c.emit(ev) {
					return false
				}
			}
		}
		// Flags follow the audio of the same message.
		if sc.Interrupted || sc.TurnComplete {
			ev := transport.Event{
				Type: transport.EventMessage,
				Message: transport.Message{
					Interrupted:  sc.Interrupted,
					TurnComplete: sc.TurnComplete,
				},
			}
			if !c.emit(ev) {
				return false
			}
		}
	}

	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect")
	}
	return true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
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

// SendRealtimeAudio delivers a raw PCM chunk (16 kHz, s16le, mono) to the model.
func (c *conn) SendRealtimeAudio(pcm []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: inputMIMEType, Data: audio.ToTransportText(pcm)},
			},
		},
	}
	if err := c.writeJSON(msg); err != nil {
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
