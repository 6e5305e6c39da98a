// Package genailive implements [transport.Dialer] on top of the official
// Google Gen AI SDK Live client.
//
// The SDK owns the websocket and the setup handshake; this package only maps
// [transport.Config] onto a [genai.LiveConnectConfig] and translates
// [genai.LiveServerMessage]s into transport events. Model audio arrives as raw
// bytes and is re-encoded to transport text so every adapter hands the session
// the same representation.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/transport"
)

// Compile-time assertions.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Conn = (*conn)(nil)

const (
	providerName  = "genai"
	inputMIMEType = "audio/pcm;rate=16000"
	eventBuffer   = 64
)

// liveSession is the subset of [*genai.Session] the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Dialer].
type Option func(*Dialer)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithBackend selects the Gemini API or Vertex AI backend.
// Default: [genai.BackendGeminiAPI].
func WithBackend(b genai.Backend) Option {
	return func(d *Dialer) { d.backend = b }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Live sessions through a shared [genai.Client].
type Dialer struct {
	apiKey  string
	baseURL string
	backend genai.Backend

	once    sync.Once
	initErr error
	connect connectFunc
}

// New returns a Dialer. The SDK client is created lazily on the first Open.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{apiKey: apiKey, backend: genai.BackendGeminiAPI}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dialer) init(ctx context.Context) error {
	d.once.Do(func() {
		if d.connect != nil {
			return
		}
		cc := &genai.ClientConfig{APIKey: d.apiKey, Backend: d.backend}
		if d.baseURL != "" {
			cc.HTTPOptions.BaseURL = d.baseURL
		}
		client, err := genai.NewClient(ctx, cc)
		if err != nil {
			d.initErr = fmt.Errorf("genailive: create client: %w", err)
			return
		}
		d.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, cfg)
		}
	})
	return d.initErr
}

// Open connects a Live session. The server's setup acknowledgement arrives as
// [transport.EventOpen].
func (d *Dialer) Open(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	if err := d.init(ctx); err != nil {
		return nil, &transport.Error{Provider: providerName, Op: "dial", Err: err}
	}
	model := cfg.Model
	if model == "" {
		model = transport.DefaultModel
	}
	sess, err := d.connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, &transport.Error{Provider: providerName, Op: "dial", Err: err}
	}

	c := &conn{
		sess:   sess,
		events: make(chan transport.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c, nil
}

// connectConfig maps a transport config onto the SDK's connect config.
func connectConfig(cfg transport.Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality(cfg.Modality())},
	}
	if text := cfg.SystemInstruction(); text != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}

	var sc genai.SpeechConfig
	if cfg.Voice != "" {
		sc.VoiceConfig = &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
		}
	}
	sc.LanguageCode = cfg.LanguageTag()
	if sc.VoiceConfig != nil || sc.LanguageCode != "" {
		lc.SpeechConfig = &sc
	}
	return lc
}

func modality(m string) genai.Modality {
	switch m {
	case "text":
		return genai.ModalityText
	default:
		return genai.ModalityAudio
	}
}

// translate maps one server message onto zero or more events, audio first.
// opened tracks whether EventOpen was already produced.
func translate(msg *genai.LiveServerMessage, opened *bool) []transport.Event {
	var out []transport.Event
	if msg.SetupComplete != nil && !*opened {
		*opened = true
		out = append(out, transport.Event{Type: transport.EventOpen})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out = append(out, transport.Event{
				Type:    transport.EventMessage,
				Message: transport.Message{AudioFragment: audio.ToTransportText(p.InlineData.Data)},
			})
		}
	}
	if sc.Interrupted || sc.TurnComplete {
		out = append(out, transport.Event{
			Type:    transport.EventMessage,
			Message: transport.Message{Interrupted: sc.Interrupted, TurnComplete: sc.TurnComplete},
		})
	}
	return out
}

// classify maps a Receive error onto the terminal event.
func classify(err error) transport.Event {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return transport.Event{Type: transport.EventClose}
	}
	return transport.ErrorEvent(providerName, "receive", err)
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	sess   liveSession
	events chan transport.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) receiveLoop() {
	defer close(c.events)

	opened := false
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.emit(classify(err))
			c.shutdown()
			return
		}
		for _, ev := range translate(msg, &opened) {
			if !c.emit(ev) {
				return
			}
		}
		if msg.GoAway != nil {
			slog.Info("genailive: server announced disconnect")
		}
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	if err := c.sess.Close(); err != nil {
		slog.Debug("genailive: close session", "err", err)
	}
}

// SendRealtimeAudio streams one 16 kHz PCM16 chunk.
func (c *conn) SendRealtimeAudio(pcm []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: pcm, MIMEType: inputMIMEType},
	})
	if err != nil {
		if c.isClosed() {
			return transport.ErrClosed
		}
		if errors.Is(err, websocket.ErrCloseSent) {
			return transport.ErrClosed
		}
		return &transport.Error{Provider: providerName, Op: "send", Err: err}
	}
	return nil
}

// Events returns the connection's event stream.
func (c *conn) Events() <-chan transport.Event { return c.events }

// Close ends the Live session. Idempotent.
func (c *conn) Close() error {
	c.shutdown()
	return nil
}
