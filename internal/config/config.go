// Package config loads framewatch settings from TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framewatch/internal/observability"
	"gopkg.in/yaml.v3"
)

const (
	ModeLoopback = "loopback"
	ModeDial     = "dial"
	ModeListen   = "listen"
)

type Config struct {
	Name     string `toml:"name" yaml:"name"`
	// LogLevel is empty unless set; FRAMEWATCH_LOG_LEVEL outranks it.
	LogLevel string `toml:"log_level" yaml:"log_level"`
	Mode     string `toml:"mode" yaml:"mode"`
	Addr     string `toml:"addr" yaml:"addr"`
	// LoopbackInterval paces the built-in traffic of loopback mode.
	LoopbackInterval time.Duration             `toml:"loopback_interval" yaml:"loopback_interval"`
	Monitor          MonitorConfig             `toml:"monitor" yaml:"monitor"`
	Capture          CaptureConfig             `toml:"capture" yaml:"capture"`
	Diagnostics      DiagnosticsConfig         `toml:"diagnostics" yaml:"diagnostics"`
	Telemetry        observability.TraceConfig `toml:"telemetry" yaml:"telemetry"`
	Session          SessionConfig             `toml:"session" yaml:"session"`
}

// MonitorConfig describes the monitor's initial filter. Empty lists accept
// everything; Directions limits which re-emitted points get subscribers.
type MonitorConfig struct {
	Name       string   `toml:"name" yaml:"name"`
	Types      []string `toml:"types" yaml:"types"`
	Streams    []uint32 `toml:"streams" yaml:"streams"`
	Directions []string `toml:"directions" yaml:"directions"`
	LogFrames  bool     `toml:"log_frames" yaml:"log_frames"`
}

type CaptureConfig struct {
	Size    int `toml:"size" yaml:"size"`
	Preview int `toml:"preview" yaml:"preview"`
}

type DiagnosticsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
	// Token, when set, is required as a bearer token on mutating routes.
	Token string `toml:"token" yaml:"token"`
	// AllowedOrigins turns on CORS for these browser origins.
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

type SessionConfig struct {
	ConnectTimeout     time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout        time.Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration `toml:"write_timeout" yaml:"write_timeout"`
	MaxConnectAttempts int           `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	MaxPayloadBytes    uint32        `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
	SecurityMode       string        `toml:"security_mode" yaml:"security_mode"`
	TLS                TLSConfig     `toml:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
}

func Default() Config {
	return Config{
		Name:             "framewatch",
		Mode:             ModeLoopback,
		LoopbackInterval: time.Second,
		Monitor: MonitorConfig{
			Directions: []string{"sent", "received"},
		},
		Capture: CaptureConfig{Size: 256, Preview: 16},
		Diagnostics: DiagnosticsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9470",
		},
		Telemetry: observability.TraceConfig{Exporter: "none"},
	}
}

// Load reads path as TOML or YAML by extension, fills defaults, and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := decodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func decodeFile(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, out)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		return fmt.Errorf("config load failed (%s): unsupported extension", path)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := Default()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = d.Mode
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.LoopbackInterval <= 0 {
		c.LoopbackInterval = d.LoopbackInterval
	}
	if len(c.Monitor.Directions) == 0 {
		c.Monitor.Directions = d.Monitor.Directions
	}
	if c.Capture.Size <= 0 {
		c.Capture.Size = d.Capture.Size
	}
	if c.Diagnostics.Enabled && strings.TrimSpace(c.Diagnostics.Addr) == "" {
		c.Diagnostics.Addr = d.Diagnostics.Addr
	}
	return c
}

func Validate(cfg Config) error {
	switch cfg.Mode {
	case ModeLoopback:
	case ModeDial, ModeListen:
		if strings.TrimSpace(cfg.Addr) == "" {
			return fmt.Errorf("addr is required for mode %q", cfg.Mode)
		}
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if _, err := cfg.Monitor.Filter(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	for _, d := range cfg.Monitor.Directions {
		if _, err := parseDirection(d); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}
	for _, origin := range cfg.Diagnostics.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return fmt.Errorf("diagnostics: %w", err)
		}
	}
	if cfg.Capture.Preview < 0 {
		return fmt.Errorf("capture preview must be >= 0")
	}
	if cfg.Session.MaxPayloadBytes != 0 {
		if err := cfg.SessionConfig().Limits.Validate(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	switch cfg.Mode {
	case ModeDial:
		if err := cfg.SessionConfig().ValidateClientTransport(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	case ModeListen:
		if err := cfg.SessionConfig().ValidateServerTransport(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	return nil
}

func validateOrigin(origin string) error {
	o := strings.TrimSpace(origin)
	if o == "*" || strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://") {
		return nil
	}
	return fmt.Errorf("bad origin %q: want \"*\" or an http(s) origin", origin)
}
