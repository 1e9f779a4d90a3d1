package watch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/danmuck/framewatch/internal/protocol/headers"
	"github.com/danmuck/framewatch/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

func (s *Service) runDial(ctx context.Context, cfg session.Config) error {
	sess, err := session.Dial(ctx, s.cfg.Addr, cfg)
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- s.watchSession(ctx, sess, nil) }()
	if err := sess.SendSettings(frame.Setting{ID: frame.SettingMaxFrameSize, Value: cfg.WithDefaults().Limits.MaxPayloadBytes}); err != nil {
		log.Warn().Err(err).Msg("initial settings")
	}
	return <-serveErr
}

func (s *Service) runListen(ctx context.Context, cfg session.Config) error {
	ln, err := session.Listen(s.cfg.Addr, cfg)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("listening for sessions")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		sess, err := session.Accept(ln, cfg)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("accept")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.watchSession(ctx, sess, acknowledgeSettings(sess)); err != nil {
				log.Warn().Str("session", sess.ID()).Err(err).Msg("session ended")
			}
		}()
	}
}

// runLoopback drives a client session against an in-process peer over
// net.Pipe. Only the client session is monitored.
func (s *Service) runLoopback(ctx context.Context, cfg session.Config) error {
	a, b := net.Pipe()
	client := session.New(a, cfg)
	peer := session.New(b, cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer peer.Close()
		if err := peer.Serve(ctx, respond(peer)); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("loopback peer")
		}
	}()
	defer wg.Wait()

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.watchSession(ctx, client, nil) }()

	if err := client.SendSettings(
		frame.Setting{ID: frame.SettingMaxConcurrentStreams, Value: 100},
		frame.Setting{ID: frame.SettingInitialWindowSize, Value: 65535},
	); err != nil {
		return s.stopLoopback(ctx, client, serveErr, err)
	}

	ticker := time.NewTicker(s.cfg.LoopbackInterval)
	defer ticker.Stop()
	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return s.stopLoopback(ctx, client, serveErr, nil)
		case err := <-serveErr:
			return err
		case <-ticker.C:
		}
		tick++
		if err := exchange(client, tick); err != nil {
			return s.stopLoopback(ctx, client, serveErr, err)
		}
	}
}

func (s *Service) stopLoopback(ctx context.Context, client *session.Session, serveErr <-chan error, cause error) error {
	_ = client.Close()
	err := <-serveErr
	if ctx.Err() != nil {
		return nil
	}
	if cause != nil {
		return cause
	}
	return err
}

// exchange sends one request on a fresh client stream plus a PING.
func exchange(client *session.Session, tick uint64) error {
	streamID := uint32(2*tick - 1)
	req := []headers.Field{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/tick"},
		{Name: ":scheme", Value: "http"},
	}
	if err := client.SendHeaders(streamID, req, false); err != nil {
		return err
	}
	if err := client.SendData(streamID, fmt.Appendf(nil, "tick %d", tick), true); err != nil {
		return err
	}
	var ping [8]byte
	binary.BigEndian.PutUint64(ping[:], tick)
	return client.SendPing(false, ping)
}

// respond answers each request stream with a 200 and echoes its body.
func respond(peer *session.Session) func(*frame.Frame) error {
	ack := acknowledgeSettings(peer)
	return func(f *frame.Frame) error {
		switch f.Type() {
		case frame.TypeSettings:
			return ack(f)
		case frame.TypeHeaders:
			if _, err := peer.DecodeHeaders(f); err != nil {
				return err
			}
			return peer.SendHeaders(f.StreamID(), []headers.Field{{Name: ":status", Value: "200"}}, false)
		case frame.TypeData:
			return peer.SendData(f.StreamID(), f.Payload, f.Has(frame.FlagDataEndStream))
		}
		return nil
	}
}

func acknowledgeSettings(sess *session.Session) func(*frame.Frame) error {
	return func(f *frame.Frame) error {
		if f.Type() == frame.TypeSettings && !f.Has(frame.FlagSettingsAck) {
			return sess.WriteFrame(frame.NewSettings(true))
		}
		return nil
	}
}
