package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/danmuck/framewatch/internal/protocol/headers"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionClosed = errors.New("session: closed")
	ErrObserver      = errors.New("session: frame observer failed")
)

// Session is one framed connection. Writes and reads are each serialized;
// a write and a read may proceed concurrently.
type Session struct {
	id   string
	cfg  Config
	conn io.ReadWriteCloser

	wmu      sync.Mutex
	rmu      sync.Mutex
	sent     notify.Point[frame.Event]
	received notify.Point[frame.Event]

	enc *headers.Encoder
	dec *headers.Decoder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func New(conn io.ReadWriteCloser, cfg Config) *Session {
	s := &Session{
		id:   uuid.NewString(),
		cfg:  cfg.WithDefaults(),
		conn: conn,
		enc:  headers.NewEncoder(),
		dec:  headers.NewDecoder(),
	}
	log.Debug().Str("session", s.id).Msg("session.New")
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() Config {
	return s.cfg
}

// FramesSent is notified after each frame is written to the connection.
// A nil session reports no registrar.
func (s *Session) FramesSent() notify.Registrar[frame.Event] {
	if s == nil {
		return nil
	}
	return &s.sent
}

// FramesReceived is notified after each frame is read from the connection.
func (s *Session) FramesReceived() notify.Registrar[frame.Event] {
	if s == nil {
		return nil
	}
	return &s.received
}

// WriteFrame writes f, then notifies FramesSent while still holding the write
// lock so observers see frames in write order. Sent observers must not write
// to the same session.
func (s *Session) WriteFrame(f *frame.Frame) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.writeFrameLocked(f)
	return err
}

// writeFrameLocked reports whether f reached the connection, which callers
// need when the frame carries encoder state.
func (s *Session) writeFrameLocked(f *frame.Frame) (bool, error) {
	if s.closed.Load() {
		return false, ErrSessionClosed
	}
	if s.cfg.WriteTimeout > 0 {
		if dc, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = dc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
	}
	if err := frame.WriteFrame(s.conn, f, s.cfg.Limits); err != nil {
		return false, err
	}
	if err := s.sent.Emit(frame.Event{SessionID: s.id, Direction: frame.Sent, Frame: f}); err != nil {
		return true, fmt.Errorf("%w: %w", ErrObserver, err)
	}
	return true, nil
}

// ReadFrame reads one frame, then notifies FramesReceived. On observer failure
// the frame is still returned alongside the wrapped error.
func (s *Session) ReadFrame() (*frame.Frame, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.cfg.ReadTimeout > 0 {
		if dc, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = dc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
	}
	f, err := frame.ReadFrame(s.conn, s.cfg.Limits)
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSessionClosed
		}
		return nil, err
	}
	if err := s.received.Emit(frame.Event{SessionID: s.id, Direction: frame.Received, Frame: f}); err != nil {
		return f, fmt.Errorf("%w: %w", ErrObserver, err)
	}
	return f, nil
}

func (s *Session) SendData(streamID uint32, data []byte, endStream bool) error {
	return s.WriteFrame(frame.NewData(streamID, data, endStream))
}

// SendHeaders HPACK-encodes fields into a single HEADERS frame. Encoding and
// writing share the write lock so blocks reach the wire in table order.
func (s *Session) SendHeaders(streamID uint32, fields []headers.Field, endStream bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeHeadersLocked(streamID, fields, endStream)
}

func (s *Session) writeHeadersLocked(streamID uint32, fields []headers.Field, endStream bool) error {
	block, err := s.enc.Encode(fields)
	if err != nil {
		return err
	}
	written, err := s.writeFrameLocked(frame.NewHeaders(streamID, block, endStream, true))
	if !written {
		s.enc.Reset()
	}
	return err
}

// DecodeHeaders decodes a received HEADERS block with this session's table.
func (s *Session) DecodeHeaders(f *frame.Frame) ([]headers.Field, error) {
	if f.Type() != frame.TypeHeaders {
		return nil, fmt.Errorf("%w: %s is not HEADERS", frame.ErrMalformedPayload, f.Type())
	}
	return s.dec.Decode(f.Payload)
}

func (s *Session) SendSettings(settings ...frame.Setting) error {
	return s.WriteFrame(frame.NewSettings(false, settings...))
}

func (s *Session) SendPing(ack bool, data [8]byte) error {
	return s.WriteFrame(frame.NewPing(ack, data))
}

func (s *Session) SendWindowUpdate(streamID, increment uint32) error {
	return s.WriteFrame(frame.NewWindowUpdate(streamID, increment))
}

func (s *Session) SendRSTStream(streamID, code uint32) error {
	return s.WriteFrame(frame.NewRSTStream(streamID, code))
}

func (s *Session) SendGoAway(lastStreamID, code uint32, debug []byte) error {
	return s.WriteFrame(frame.NewGoAway(lastStreamID, code, debug))
}

// Serve reads frames until EOF, ctx cancellation, or an error. Non-ACK PINGs
// are answered before fn sees them. A clean EOF returns nil.
func (s *Session) Serve(ctx context.Context, fn func(*frame.Frame) error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-done:
		}
	}()

	for {
		f, err := s.ReadFrame()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}
		if f.Type() == frame.TypePing && !f.Has(frame.FlagPingAck) {
			data, err := f.PingData()
			if err != nil {
				return err
			}
			if err := s.SendPing(true, data); err != nil {
				return err
			}
		}
		if fn != nil {
			if err := fn(f); err != nil {
				return err
			}
		}
	}
}

// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
		log.Debug().Str("session", s.id).Msg("session.Close")
	})
	return s.closeErr
}
