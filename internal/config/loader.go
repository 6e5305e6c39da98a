package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidTransportNames lists the transports shipped with livevoice.
// Used by [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini-live", "genai-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else {
		validateTransportName(cfg.Transport.Name)
	}
	if cfg.Transport.APIKey == "" {
		slog.Warn("transport.api_key is empty; sessions will fail to authenticate", "transport", cfg.Transport.Name)
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallback_transports[%d].name is required", i))
			continue
		}
		validateTransportName(fb.Name)
	}

	// Audio
	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, none", a.Backend))
	}
	if a.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", a.InputSampleRate))
	}
	if a.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", a.OutputSampleRate))
	}
	if a.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", a.BlockSize))
	}
	if a.Channels != 0 && a.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; only mono (1) is supported", a.Channels))
	}
	if a.FFTSize != 0 && (a.FFTSize < 32 || a.FFTSize > 32768 || bits.OnesCount(uint(a.FFTSize)) != 1) {
		errs = append(errs, fmt.Errorf("audio.fft_size %d must be a power of two in [32, 32768]", a.FFTSize))
	}
	if a.Smoothing != nil && (*a.Smoothing < 0 || *a.Smoothing >= 1) {
		errs = append(errs, fmt.Errorf("audio.smoothing %.2f is out of range [0, 1)", *a.Smoothing))
	}
	if (a.MinDecibels != 0 || a.MaxDecibels != 0) && a.MinDecibels >= a.MaxDecibels {
		errs = append(errs, fmt.Errorf("audio.min_decibels %.1f must be below audio.max_decibels %.1f", a.MinDecibels, a.MaxDecibels))
	}

	// Session
	s := cfg.Session
	if s.ErrorDisplayDelay < 0 {
		errs = append(errs, fmt.Errorf("session.error_display_delay %v must not be negative", s.ErrorDisplayDelay))
	}
	if s.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("session.tick_interval %v must not be negative", s.TickInterval))
	}
	if s.SendQueueSize < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue_size %d must not be negative", s.SendQueueSize))
	}
	if s.SendFailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("session.send_failure_threshold %d must not be negative", s.SendFailureThreshold))
	}

	return errors.Join(errs...)
}

// validateTransportName logs a warning if name is not one of
// [ValidTransportNames].
func validateTransportName(name string) {
	if slices.Contains(ValidTransportNames, name) {
		return
	}
	slog.Warn("unknown transport name; may be a typo or a third-party transport",
		"name", name,
		"known", ValidTransportNames,
	)
}
