package watch

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/framewatch/internal/auth"
	"github.com/danmuck/framewatch/internal/capture"
	"github.com/danmuck/framewatch/internal/config"
	"github.com/danmuck/framewatch/internal/monitor"
	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/observability"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/danmuck/framewatch/internal/protocol/session"
	"github.com/danmuck/framewatch/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Service struct {
	cfg  config.Config
	hub  *monitor.Hub
	mon  *monitor.Monitor
	rec  *capture.Recorder
	diag *server.Diagnostics

	ready chan struct{}
}

func NewService() (*Service, error) {
	return NewServiceWithConfig(config.Default())
}

// NewServiceWithConfig validates cfg and builds the monitor graph without
// starting anything.
func NewServiceWithConfig(cfg config.Config) (*Service, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	filter, err := cfg.Monitor.Filter()
	if err != nil {
		return nil, err
	}

	hub := monitor.NewHub()
	name := cfg.Monitor.Name
	if name == "" {
		name = cfg.Name
	}
	mon := monitor.New(hub, monitor.WithName(name))
	rec := capture.New(cfg.Capture.Size, capture.WithPreview(cfg.Capture.Preview))

	diagOpts := []server.Option{server.WithAllowedOrigins(cfg.Diagnostics.AllowedOrigins)}
	if token := strings.TrimSpace(cfg.Diagnostics.Token); token != "" {
		diagOpts = append(diagOpts, server.WithAuth(auth.StaticToken{Token: token}))
	}

	s := &Service{
		cfg:   cfg,
		hub:   hub,
		mon:   mon,
		rec:   rec,
		diag:  server.New(cfg.Name, cfg.Diagnostics.Addr, mon, rec, diagOpts...),
		ready: make(chan struct{}),
	}
	if filter != nil {
		mon.SetFilter(filter)
		s.diag.SetFilterSpec(&server.FilterSpec{Types: cfg.Monitor.Types, Streams: cfg.Monitor.Streams})
	}
	return s, nil
}

func (s *Service) Monitor() *monitor.Monitor {
	return s.mon
}

func (s *Service) Capture() *capture.Recorder {
	return s.rec
}

func (s *Service) Diagnostics() *server.Diagnostics {
	return s.diag
}

// Ready is closed once the monitor is attached and sessions may start.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	tracing, err := observability.NewTracing(s.cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	unsubscribe := s.subscribe(tracing)
	defer unsubscribe()

	if err := s.mon.Attach(); err != nil {
		return err
	}
	defer s.mon.Detach()
	close(s.ready)
	log.Info().Str("monitor", s.mon.Name()).Str("mode", s.cfg.Mode).Msg("monitor attached")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	diagErr := make(chan error, 1)
	if s.cfg.Diagnostics.Enabled {
		go func() { diagErr <- s.diag.Serve(ctx) }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.runMode(ctx) }()

	select {
	case err := <-runErr:
		cancel()
		if s.cfg.Diagnostics.Enabled {
			if derr := <-diagErr; derr != nil && err == nil {
				err = derr
			}
		}
		return err
	case err := <-diagErr:
		cancel()
		return errors.Join(err, <-runErr)
	}
}

func (s *Service) runMode(ctx context.Context) error {
	scfg := s.cfg.SessionConfig()
	switch s.cfg.Mode {
	case config.ModeDial:
		return s.runDial(ctx, scfg)
	case config.ModeListen:
		return s.runListen(ctx, scfg)
	default:
		return s.runLoopback(ctx, scfg)
	}
}

// subscribe hangs the runtime's consumers off the monitor points selected by
// the configured directions.
func (s *Service) subscribe(tracing *observability.Tracing) func() {
	handlers := []notify.Handler[frame.Event]{
		s.rec.Observe,
		observability.FrameMetrics(s.mon.Name()),
	}
	if tracing.Enabled() {
		handlers = append(handlers, tracing.FrameSpans(s.mon.Name()))
	}
	if s.cfg.Monitor.LogFrames {
		handlers = append(handlers, observability.FrameLogger(log.Logger, zerolog.InfoLevel))
	}

	type sub struct {
		point notify.Registrar[frame.Event]
		token notify.Token
	}
	var subs []sub
	for _, dir := range []frame.Direction{frame.Sent, frame.Received} {
		if !s.cfg.Monitor.Wants(dir) {
			continue
		}
		point := s.mon.FramesSent()
		if dir == frame.Received {
			point = s.mon.FramesReceived()
		}
		for _, h := range handlers {
			subs = append(subs, sub{point: point, token: point.Add(h)})
		}
	}
	return func() {
		for _, sb := range subs {
			sb.point.Remove(sb.token)
		}
	}
}

// watchSession joins sess to the hub and serves it until it ends.
func (s *Service) watchSession(ctx context.Context, sess *session.Session, fn func(*frame.Frame) error) error {
	leave := s.hub.Join(sess)
	defer leave()
	defer sess.Close()
	log.Info().Str("session", sess.ID()).Msg("session joined")
	err := sess.Serve(ctx, fn)
	log.Info().Str("session", sess.ID()).Err(err).Msg("session left")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
