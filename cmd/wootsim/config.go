package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"wootsim/internal/analog"
)

// Config is the top-level YAML configuration for the wootsim daemon.
//
// Defaults live in DefaultConfig and invariants in Validate, so the rest of
// the code can assume a well-formed config.
type Config struct {
	// Simulated analog device and polling
	Analog AnalogConfig `yaml:"analog"`

	// Control socket
	IPC IPCConfig `yaml:"ipc"`

	// HTTP API and WebSocket feed
	HTTP HTTPConfig `yaml:"http"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type AnalogConfig struct {
	Device           uint32   `yaml:"device"`
	KeyMode          string   `yaml:"key_mode"` // hid | scancode1 | virtualkey
	ScanCodes        []uint16 `yaml:"scan_codes"`
	PollIntervalMS   int      `yaml:"poll_interval_ms"`
	PressThreshold   float32  `yaml:"press_threshold"`
	ReleaseThreshold float32  `yaml:"release_threshold"`
	EventBuffer      int      `yaml:"event_buffer,omitempty"`
}

type IPCConfig struct {
	SocketPath string   `yaml:"socket_path"`
	AllowUIDs  []uint32 `yaml:"allow_uids,omitempty"` // empty allows any local user
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	WSPath     string `yaml:"ws_path"`
	// CoalesceMS bounds how often key_value updates for one key reach WS clients.
	CoalesceMS int `yaml:"coalesce_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Analog: AnalogConfig{
			Device:           0,
			KeyMode:          analog.KeyCodeHID.String(),
			ScanCodes:        append([]uint16(nil), defaultScanCodes...),
			PollIntervalMS:   int(analog.DefaultPollInterval / time.Millisecond),
			PressThreshold:   analog.DefaultPressThreshold,
			ReleaseThreshold: analog.DefaultReleaseThreshold,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		HTTP: HTTPConfig{
			ListenAddr: defaultListenAddr,
			WSPath:     "/ws",
			CoalesceMS: defaultCoalesceMS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(new(yaml.Node)); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries flag values that were explicitly set. A nil pointer
// means the flag was not given; a non-nil pointer is applied even when it
// holds a zero value.
type FlagOverrides struct {
	Device           *uint32
	KeyMode          *string
	ScanCodes        []uint16
	PollIntervalMS   *int
	PressThreshold   *float32
	ReleaseThreshold *float32

	IPCSocketPath *string

	HTTPListenAddr *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.Device != nil {
		cfg.Analog.Device = *o.Device
	}
	if o.KeyMode != nil {
		cfg.Analog.KeyMode = *o.KeyMode
	}
	if o.ScanCodes != nil {
		cfg.Analog.ScanCodes = append([]uint16(nil), o.ScanCodes...)
	}
	if o.PollIntervalMS != nil {
		cfg.Analog.PollIntervalMS = *o.PollIntervalMS
	}
	if o.PressThreshold != nil {
		cfg.Analog.PressThreshold = *o.PressThreshold
	}
	if o.ReleaseThreshold != nil {
		cfg.Analog.ReleaseThreshold = *o.ReleaseThreshold
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPListenAddr != nil {
		cfg.HTTP.ListenAddr = *o.HTTPListenAddr
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Analog
	if _, err := analog.ParseKeyCodeMode(c.Analog.KeyMode); err != nil {
		return fmt.Errorf("analog.key_mode: %w", err)
	}
	if len(c.Analog.ScanCodes) == 0 {
		return errors.New("analog.scan_codes must not be empty")
	}
	seen := make(map[uint16]int, len(c.Analog.ScanCodes))
	for i, sc := range c.Analog.ScanCodes {
		if int(sc) >= analog.NumScanCodes {
			return fmt.Errorf("analog.scan_codes[%d] = %d must be < %d", i, sc, analog.NumScanCodes)
		}
		if j, dup := seen[sc]; dup {
			return fmt.Errorf("analog.scan_codes[%d] = %d duplicates analog.scan_codes[%d]", i, sc, j)
		}
		seen[sc] = i
	}
	if c.Analog.PollIntervalMS <= 0 || c.Analog.PollIntervalMS > 1000 {
		return errors.New("analog.poll_interval_ms must be between 1 and 1000")
	}
	if c.Analog.PressThreshold <= 0 || c.Analog.PressThreshold > 1 {
		return errors.New("analog.press_threshold must be in (0, 1]")
	}
	if c.Analog.ReleaseThreshold < 0 || c.Analog.ReleaseThreshold >= c.Analog.PressThreshold {
		return errors.New("analog.release_threshold must be >= 0 and < analog.press_threshold")
	}
	if c.Analog.EventBuffer < 0 {
		return errors.New("analog.event_buffer must be >= 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// HTTP (empty listen address disables the HTTP server)
	if c.HTTP.ListenAddr != "" {
		if c.HTTP.WSPath == "" || c.HTTP.WSPath[0] != '/' {
			return errors.New("http.ws_path must start with /")
		}
		if c.HTTP.CoalesceMS < 0 {
			return errors.New("http.coalesce_ms must be >= 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// ToHandlerConfig converts the analog section into the handler config.
// Validate must have passed.
func (c *Config) ToHandlerConfig() analog.HandlerConfig {
	mode, _ := analog.ParseKeyCodeMode(c.Analog.KeyMode)
	return analog.HandlerConfig{
		Device:           c.Analog.Device,
		ScanCodes:        append([]uint16(nil), c.Analog.ScanCodes...),
		Mode:             mode,
		PollInterval:     time.Duration(c.Analog.PollIntervalMS) * time.Millisecond,
		PressThreshold:   c.Analog.PressThreshold,
		ReleaseThreshold: c.Analog.ReleaseThreshold,
		EventBuf:         c.Analog.EventBuffer,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
