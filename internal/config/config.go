// Package config provides the configuration schema, loader, and transport
// registry for the livevoice server.
package config

import "time"

// LogLevel controls log verbosity for the livevoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AudioBackend selects the host audio implementation.
type AudioBackend string

const (
	// BackendPortAudio uses the system's default devices through PortAudio.
	BackendPortAudio AudioBackend = "portaudio"

	// BackendNone runs without audio hardware. Sessions fail to start with a
	// device error; useful for exercising the control surface.
	BackendNone AudioBackend = "none"
)

// IsValid reports whether b is a recognised audio backend.
func (b AudioBackend) IsValid() bool {
	return b == BackendPortAudio || b == BackendNone
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr           = ":8080"
	DefaultTransport            = "gemini-live"
	DefaultVoice                = "Kore"
	DefaultInputSampleRate      = 16000
	DefaultOutputSampleRate     = 24000
	DefaultBlockSize            = 4096
	DefaultFFTSize              = 2048
	DefaultSmoothing            = 0.8
	DefaultMinDecibels          = -100.0
	DefaultMaxDecibels          = -30.0
	DefaultErrorDisplayDelay    = 2 * time.Second
	DefaultTickInterval         = 16 * time.Millisecond
	DefaultSendQueueSize        = 32
	DefaultSendFailureThreshold = 5
)

// Config is the root configuration structure for livevoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Transport TransportEntry `yaml:"transport"`
	Audio     AudioConfig    `yaml:"audio"`
	Session   SessionConfig  `yaml:"session"`

	// Fallbacks are tried in order when the primary transport fails to open.
	// Empty conversation fields inherit from Transport.
	Fallbacks []TransportEntry `yaml:"fallback_transports"`
}

// ServerConfig holds network and logging settings for the livevoice server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TransportEntry selects and configures the realtime transport. The Name
// field is used to look up the constructor in the [Registry]; the remaining
// conversation fields become the transport config of every new session.
type TransportEntry struct {
	// Name selects the registered transport (e.g., "gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the service.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service's default endpoint.
	// Leave empty to use the transport's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. Empty uses the transport's default.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name (e.g., "Kore", "alloy").
	Voice string `yaml:"voice"`

	// Language is the reply language hint, a name ("Hindi") or a BCP-47
	// tag ("hi-IN").
	Language string `yaml:"language"`

	// Instructions is the base system instruction.
	Instructions string `yaml:"instructions"`

	// Options holds transport-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig fixes the audio formats and the level meter.
type AudioConfig struct {
	// Backend selects the host audio implementation. Default: portaudio.
	Backend AudioBackend `yaml:"backend"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// BlockSize is the number of samples per capture callback.
	BlockSize int `yaml:"block_size"`

	// Channels must be 1.
	Channels int `yaml:"channels"`

	// FFTSize is the analyser window; a power of two in [32, 32768].
	FFTSize int `yaml:"fft_size"`

	// Smoothing is the analyser time constant in [0, 1). Nil means default.
	Smoothing *float64 `yaml:"smoothing"`

	MinDecibels float64 `yaml:"min_decibels"`
	MaxDecibels float64 `yaml:"max_decibels"`
}

// SessionConfig tunes session timing and send backpressure.
type SessionConfig struct {
	// ErrorDisplayDelay is how long a failed session shows its error before
	// cleaning up.
	ErrorDisplayDelay time.Duration `yaml:"error_display_delay"`

	// TickInterval is the volume sampling period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// SendQueueSize bounds the capture send queue in chunks.
	SendQueueSize int `yaml:"send_queue_size"`

	// SendFailureThreshold is the number of consecutive failed sends that
	// ends a session.
	SendFailureThreshold int `yaml:"send_failure_threshold"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	if c.Transport.Name == "" {
		c.Transport.Name = DefaultTransport
	}
	if c.Transport.Voice == "" {
		c.Transport.Voice = DefaultVoice
	}

	a := &c.Audio
	if a.Backend == "" {
		a.Backend = BackendPortAudio
	}
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.BlockSize == 0 {
		a.BlockSize = DefaultBlockSize
	}
	if a.Channels == 0 {
		a.Channels = 1
	}
	if a.FFTSize == 0 {
		a.FFTSize = DefaultFFTSize
	}
	if a.Smoothing == nil {
		v := DefaultSmoothing
		a.Smoothing = &v
	}
	if a.MinDecibels == 0 && a.MaxDecibels == 0 {
		a.MinDecibels, a.MaxDecibels = DefaultMinDecibels, DefaultMaxDecibels
	}

	s := &c.Session
	if s.ErrorDisplayDelay == 0 {
		s.ErrorDisplayDelay = DefaultErrorDisplayDelay
	}
	if s.TickInterval == 0 {
		s.TickInterval = DefaultTickInterval
	}
	if s.SendQueueSize == 0 {
		s.SendQueueSize = DefaultSendQueueSize
	}
	if s.SendFailureThreshold == 0 {
		s.SendFailureThreshold = DefaultSendFailureThreshold
	}
}
