package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/framewatch/internal/monitor"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/danmuck/framewatch/internal/protocol/session"
)

// SessionConfig maps the file section onto session.Config. Zero values are
// left for session defaults.
func (c Config) SessionConfig() session.Config {
	s := c.Session
	return session.Config{
		ConnectTimeout:     s.ConnectTimeout,
		ReadTimeout:        s.ReadTimeout,
		WriteTimeout:       s.WriteTimeout,
		MaxConnectAttempts: s.MaxConnectAttempts,
		Limits:             frame.Limits{MaxPayloadBytes: s.MaxPayloadBytes},
		SecurityMode:       session.SecurityMode(s.SecurityMode),
		TLS: session.TLSConfig{
			Enabled:            s.TLS.Enabled,
			Mutual:             s.TLS.Mutual,
			InsecureSkipVerify: s.TLS.InsecureSkipVerify,
			ServerName:         s.TLS.ServerName,
			CAFile:             s.TLS.CAFile,
			CertFile:           s.TLS.CertFile,
			KeyFile:            s.TLS.KeyFile,
		},
	}
}

// Filter builds the monitor filter. A nil filter means accept-all.
func (m MonitorConfig) Filter() (monitor.Filter, error) {
	var parts []monitor.Filter
	byType, err := monitor.ParseTypes(m.Types)
	if err != nil {
		return nil, err
	}
	if byType != nil {
		parts = append(parts, byType)
	}
	if len(m.Streams) > 0 {
		parts = append(parts, monitor.ByStream(m.Streams...))
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return monitor.All(parts...), nil
	}
}

// Wants reports whether d is listed in Directions.
func (m MonitorConfig) Wants(d frame.Direction) bool {
	for _, raw := range m.Directions {
		if got, err := parseDirection(raw); err == nil && got == d {
			return true
		}
	}
	return false
}

func parseDirection(raw string) (frame.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "send", "out":
		return frame.Sent, nil
	case "received", "recv", "in":
		return frame.Received, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", raw)
	}
}
