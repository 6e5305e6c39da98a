package genailive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livevoice/pkg/transport"
)

// fakeSession replays scripted server messages and records sent input.
type fakeSession struct {
	mu      sync.Mutex
	sent    []genai.LiveRealtimeInput
	sendErr error
	closed  bool

	incoming chan *genai.LiveServerMessage
	recvErr  chan error
	closeCh  chan struct{}

	CallCountClose int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		incoming: make(chan *genai.LiveServerMessage, 16),
		recvErr:  make(chan error, 1),
		closeCh:  make(chan struct{}),
	}
}

func (f *fakeSession) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return f.sendErr
}

func (f *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.incoming:
		return m, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.closeCh:
		return nil, io.EOF
	}
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallCountClose++
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func openFake(t *testing.T, cfg transport.Config) (transport.Conn, *fakeSession, *genai.LiveConnectConfig, string) {
	t.Helper()
	sess := newFakeSession()
	var gotCfg *genai.LiveConnectConfig
	var gotModel string
	d := New("key")
	d.connect = func(_ context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		gotModel, gotCfg = model, lc
		return sess, nil
	}
	c, err := d.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, sess, gotCfg, gotModel
}

func next(t *testing.T, c transport.Conn) (transport.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return transport.Event{}, false
	}
}

func TestConnectConfig(t *testing.T) {
	t.Parallel()

	lc := connectConfig(transport.Config{Instructions: "Be brief.", Voice: "Kore", Language: "ta-IN"})

	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("ResponseModalities = %v, want [AUDIO]", lc.ResponseModalities)
	}
	if lc.SystemInstruction == nil || len(lc.SystemInstruction.Parts) != 1 {
		t.Fatalf("SystemInstruction = %+v", lc.SystemInstruction)
	}
	want := "Be brief.\n\nSpeak in ta-IN. Keep answers concise and spoken-friendly."
	if got := lc.SystemInstruction.Parts[0].Text; got != want {
		t.Errorf("instruction = %q, want %q", got, want)
	}
	if lc.SpeechConfig == nil || lc.SpeechConfig.LanguageCode != "ta-IN" {
		t.Fatalf("SpeechConfig = %+v, want languageCode ta-IN", lc.SpeechConfig)
	}
	if v := lc.SpeechConfig.VoiceConfig; v == nil || v.PrebuiltVoiceConfig == nil || v.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("VoiceConfig = %+v, want Kore", v)
	}

	if bare := connectConfig(transport.Config{}); bare.SpeechConfig != nil || bare.SystemInstruction != nil {
		t.Errorf("empty config produced %+v", bare)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	opened := false
	evs := translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}, &opened)
	if len(evs) != 1 || evs[0].Type != transport.EventOpen {
		t.Fatalf("setup events = %+v", evs)
	}
	if evs := translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}, &opened); len(evs) != 0 {
		t.Errorf("second setupComplete produced %+v", evs)
	}

	msg := &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: []byte{0x01, 0x00}, MIMEType: "audio/pcm;rate=24000"}},
			{Text: "ignored"},
			nil,
			{InlineData: &genai.Blob{Data: []byte{0xff, 0x7f}}},
		}},
		Interrupted: true,
	}}
	evs = translate(msg, &opened)
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(evs), evs)
	}
	if evs[0].Message.AudioFragment != "AQA=" || evs[1].Message.AudioFragment != "/38=" {
		t.Errorf("fragments = %q, %q", evs[0].Message.AudioFragment, evs[1].Message.AudioFragment)
	}
	if !evs[2].Message.Interrupted || evs[2].Message.AudioFragment != "" {
		t.Errorf("last event = %+v, want bare interruption", evs[2])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want transport.EventType
	}{
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, transport.EventClose},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, transport.EventClose},
		{"policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "quota"}, transport.EventError},
		{"network", errors.New("read tcp: connection reset"), transport.EventError},
	}
	for _, tt := range tests {
		if got := classify(tt.err).Type; got != tt.want {
			t.Errorf("%s: classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConn_StreamAndSend(t *testing.T) {
	t.Parallel()

	c, sess, _, model := openFake(t, transport.Config{})
	if model != transport.DefaultModel {
		t.Errorf("model = %q, want default", model)
	}

	sess.incoming <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	if ev, _ := next(t, c); ev.Type != transport.EventOpen {
		t.Fatalf("first event = %v, want open", ev.Type)
	}

	if err := c.SendRealtimeAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendRealtimeAudio: %v", err)
	}
	sess.mu.Lock()
	sent := sess.sent
	sess.mu.Unlock()
	if len(sent) != 1 || sent[0].Audio == nil || sent[0].Audio.MIMEType != "audio/pcm;rate=16000" {
		t.Fatalf("sent = %+v", sent)
	}

	sess.recvErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if ev, _ := next(t, c); ev.Type != transport.EventClose {
		t.Fatalf("terminal event = %v, want close", ev.Type)
	}
	if _, ok := next(t, c); ok {
		t.Fatal("stream not closed after terminal event")
	}
	if err := c.SendRealtimeAudio([]byte{0, 0}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", err)
	}
}

func TestConn_SendErrorIsTransportError(t *testing.T) {
	t.Parallel()
	c, sess, _, _ := openFake(t, transport.Config{})
	sess.mu.Lock()
	sess.sendErr = errors.New("broken pipe")
	sess.mu.Unlock()

	err := c.SendRealtimeAudio([]byte{0, 0})
	var terr *transport.Error
	if !errors.As(err, &terr) || terr.Op != "send" {
		t.Fatalf("err = %v, want *transport.Error with Op send", err)
	}
}

func TestConn_LocalCloseEndsQuietly(t *testing.T) {
	t.Parallel()
	c, sess, _, _ := openFake(t, transport.Config{})

	_ = c.Close()
	_ = c.Close()
	if _, ok := next(t, c); ok {
		t.Fatal("local close produced an event")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.CallCountClose != 1 {
		t.Errorf("session closed %d times, want 1", sess.CallCountClose)
	}
}

func TestOpen_ConnectFailure(t *testing.T) {
	t.Parallel()
	d := New("key")
	d.connect = func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) {
		return nil, errors.New("401 unauthorized")
	}
	_, err := d.Open(context.Background(), transport.Config{})
	var terr *transport.Error
	if !errors.As(err, &terr) || terr.Op != "dial" {
		t.Fatalf("err = %v, want *transport.Error with Op dial", err)
	}
}
