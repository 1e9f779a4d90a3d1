package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter config in the given format.
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `name = "framewatch"
log_level = "info"
# loopback | dial | listen
mode = "loopback"
addr = ""
loopback_interval = "1s"

[monitor]
name = "frames"
types = ["HEADERS", "DATA", "PING"]
streams = []
directions = ["sent", "received"]
log_frames = true

[capture]
size = 256
preview = 16

[diagnostics]
enabled = true
addr = "127.0.0.1:9470"
token = ""
allowed_origins = ["http://localhost:3000"]

[telemetry]
enabled = false
exporter = "none"
endpoint = "localhost:4317"
insecure = true

[session]
connect_timeout = "5s"
write_timeout = "15s"
max_connect_attempts = 5
max_payload_bytes = 16384
security_mode = "development"

[session.tls]
enabled = false
`

const yamlTemplate = `name: framewatch
log_level: info
# loopback | dial | listen
mode: loopback
addr: ""
loopback_interval: 1s
monitor:
  name: frames
  types: [HEADERS, DATA, PING]
  directions: [sent, received]
  log_frames: true
capture:
  size: 256
  preview: 16
diagnostics:
  enabled: true
  addr: 127.0.0.1:9470
  allowed_origins: ["http://localhost:3000"]
telemetry:
  enabled: false
  exporter: none
session:
  connect_timeout: 5s
  write_timeout: 15s
  max_connect_attempts: 5
  max_payload_bytes: 16384
  security_mode: development
  tls:
    enabled: false
`
