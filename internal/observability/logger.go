package observability

import (
	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// FrameLogger returns a subscriber that writes one log line per frame event.
func FrameLogger(logger zerolog.Logger, level zerolog.Level) notify.Handler[frame.Event] {
	return func(ev frame.Event) error {
		f := ev.Frame
		logger.WithLevel(level).
			Str("session", ev.SessionID).
			Str("direction", ev.Direction.String()).
			Str("type", f.Type().String()).
			Uint32("stream", f.StreamID()).
			Str("flags", f.Header.Flags.Format(f.Type())).
			Int("length", len(f.Payload)).
			Msg("frame")
		return nil
	}
}
