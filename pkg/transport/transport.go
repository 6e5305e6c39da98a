// Package transport defines the bidirectional streaming contract between a
// live audio session and a remote speech-to-speech service.
//
// A [Dialer] opens a [Conn]. Outgoing audio is pushed with
// [Conn.SendRealtimeAudio]; everything the service reports comes back as one
// ordered stream of [Event]s on [Conn.Events]. The stream starts with
// [EventOpen], carries any number of [EventMessage]s, and ends with exactly one
// terminal [EventClose] or [EventError] before the channel is closed. A
// connection torn down locally with [Conn.Close] may end without a terminal
// event.
//
// Implementations live in sub-packages: gemini (raw Gemini Live websocket),
// genai (official Google Gen AI SDK), openai (OpenAI Realtime) and mock.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// DefaultModel is the Gemini native-audio model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// ModalityAudio is the only supported response modality.
const ModalityAudio = "audio"

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Config carries per-session connection parameters.
type Config struct {
	// Model is the provider model identifier.
	Model string

	// Instructions is the base system instruction.
	Instructions string

	// Voice selects a prebuilt provider voice. Empty uses the provider default.
	Voice string

	// Language is a human language name or BCP-47 tag the assistant should
	// speak in. Empty adds no hint.
	Language string

	// ResponseModality is the requested output modality. Default: "audio".
	ResponseModality string
}

// SystemInstruction returns the instruction text sent to the service: the
// configured instructions followed by the language hint.
func (c Config) SystemInstruction() string {
	base := strings.TrimSpace(c.Instructions)
	if c.Language == "" {
		return base
	}
	hint := fmt.Sprintf("Speak in %s. Keep answers concise and spoken-friendly.", c.Language)
	if base == "" {
		return hint
	}
	return base + "\n\n" + hint
}

// Modality returns ResponseModality, defaulting to [ModalityAudio].
func (c Config) Modality() string {
	if c.ResponseModality == "" {
		return ModalityAudio
	}
	return c.ResponseModality
}

// LanguageTag returns Language in canonical BCP-47 form when it is a valid
// tag ("hi-IN", "en"), and "" when it is a free-form name such as "English".
func (c Config) LanguageTag() string {
	if c.Language == "" {
		return ""
	}
	tag, err := language.Parse(c.Language)
	if err != nil {
		return ""
	}
	return tag.String()
}

// Message is one server message relevant to the audio session.
type Message struct {
	// AudioFragment is base64-encoded PCM16 output audio, or empty.
	AudioFragment string

	// Interrupted reports that the user started speaking over the assistant.
	Interrupted bool

	// TurnComplete reports that the assistant finished its turn.
	TurnComplete bool
}

// EventType discriminates [Event].
type EventType int

const (
	// EventOpen reports that the service accepted the session.
	EventOpen EventType = iota + 1

	// EventMessage carries a [Message].
	EventMessage

	// EventClose reports an orderly remote close.
	EventClose

	// EventError reports a fatal transport failure. Err is set.
	EventError
)

// String returns the lowercase event name.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one entry of a connection's event stream.
type Event struct {
	Type    EventType
	Message Message
	Err     error
}

// Conn is an open streaming connection.
type Conn interface {
	// SendRealtimeAudio delivers one chunk of 16 kHz mono PCM16 audio. It may
	// block on network backpressure; callers on a real-time thread must queue.
	SendRealtimeAudio(pcm []byte) error

	// Events returns the connection's ordered event stream. The channel is
	// closed after the terminal event or after Close.
	Events() <-chan Event

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Open(ctx context.Context, cfg Config) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, cfg Config) (Conn, error)

// Open implements [Dialer].
func (f DialerFunc) Open(ctx context.Context, cfg Config) (Conn, error) { return f(ctx, cfg) }

// Error is a transport failure. Op names the failed step ("open", "send",
// "receive", "server").
type Error struct {
	Provider string
	Op       string
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// ErrorEvent builds an [EventError] wrapping err in an [*Error].
func ErrorEvent(provider, op string, err error) Event {
	return Event{Type: EventError, Err: &Error{Provider: provider, Op: op, Err: err}}
}
