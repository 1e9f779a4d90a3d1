package main

import (
	"os"
	"strings"

	"github.com/danmuck/framewatch/internal/config"
	"github.com/danmuck/framewatch/internal/logging"
)

// overrides are command-line values layered over the config file.
type overrides struct {
	mode     string
	addr     string
	types    string
	diag     string
	logLevel string
}

func loadServiceConfig(path string, o overrides) (config.Config, error) {
	cfg := config.Default()
	if strings.TrimSpace(path) != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if v := strings.TrimSpace(o.mode); v != "" {
		cfg.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(o.addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(o.types); v != "" {
		cfg.Monitor.Types = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(o.diag); v != "" {
		cfg.Diagnostics.Enabled = true
		cfg.Diagnostics.Addr = v
	}
	cfg.LogLevel = resolveLogLevel(cfg.LogLevel, o.logLevel)
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// resolveLogLevel ranks the -log-level flag over FRAMEWATCH_LOG_LEVEL over the
// file. An empty result keeps whatever logging.Configure already applied.
func resolveLogLevel(fileLevel, flagLevel string) string {
	if v := strings.TrimSpace(flagLevel); v != "" {
		return v
	}
	if _, ok := logging.ParseLevel(os.Getenv(logging.EnvLogLevel)); ok {
		return ""
	}
	return strings.TrimSpace(fileLevel)
}

// applyLogLevel sets the global level from cfg; false means the value was not
// a known level and nothing changed.
func applyLogLevel(cfg config.Config) bool {
	if cfg.LogLevel == "" {
		return true
	}
	return logging.SetLevel(cfg.LogLevel)
}
