package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/danmuck/framewatch/internal/protocol/headers"
	"github.com/danmuck/framewatch/internal/testutil/testlog"
	"github.com/danmuck/framewatch/internal/testutil/tlstest"
)

func newPipePair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	client := New(a, DefaultConfig())
	server := New(b, DefaultConfig())
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// readN drains n frames from s in the background.
func readN(s *Session, n int) <-chan error {
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if _, err := s.ReadFrame(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 125*time.Millisecond || got >= 375*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestWriteFrameNotifiesSentAfterWrite(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)
	done := readN(server, 1)

	var got []frame.Event
	client.FramesSent().Add(func(ev frame.Event) error {
		got = append(got, ev)
		return nil
	})
	if err := client.SendData(1, []byte("abc"), true); err != nil {
		t.Fatalf("send data: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one sent event, got %d", len(got))
	}
	ev := got[0]
	if ev.SessionID != client.ID() || ev.Direction != frame.Sent || ev.Frame.Type() != frame.TypeData {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestReadFrameNotifiesReceivedInOrder(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)

	var types []frame.Type
	server.FramesReceived().Add(func(ev frame.Event) error {
		if ev.Direction != frame.Received || ev.SessionID != server.ID() {
			t.Errorf("unexpected event: %+v", ev)
		}
		types = append(types, ev.Frame.Type())
		return nil
	})

	done := readN(server, 3)
	if err := client.SendHeaders(1, []headers.Field{{Name: ":path", Value: "/"}}, false); err != nil {
		t.Fatalf("send headers: %v", err)
	}
	if err := client.SendData(1, []byte("x"), false); err != nil {
		t.Fatalf("send data: %v", err)
	}
	if err := client.SendRSTStream(1, 8); err != nil {
		t.Fatalf("send rst: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server read: %v", err)
	}
	want := []frame.Type{frame.TypeHeaders, frame.TypeData, frame.TypeRSTStream}
	if len(types) != len(want) {
		t.Fatalf("unexpected types: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("order mismatch at %d: got=%v want=%v", i, types, want)
		}
	}
}

func TestObserverFailureSurfacesAfterWrite(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)
	done := readN(server, 1)

	boom := errors.New("observer boom")
	later := 0
	client.FramesSent().Add(func(frame.Event) error { return boom })
	client.FramesSent().Add(func(frame.Event) error { later++; return nil })

	err := client.SendWindowUpdate(0, 1024)
	if !errors.Is(err, ErrObserver) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped observer error, got %v", err)
	}
	if later != 1 {
		t.Fatalf("later observer starved: %d", later)
	}
	if err := <-done; err != nil {
		t.Fatalf("frame should still reach the peer: %v", err)
	}
}

// decodeHeadersN reads n frames from s and HPACK-decodes every HEADERS block.
func decodeHeadersN(s *Session, n int) <-chan error {
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			f, err := s.ReadFrame()
			if err != nil {
				done <- err
				return
			}
			fields, err := s.DecodeHeaders(f)
			if err != nil {
				done <- err
				return
			}
			if v, ok := headers.Get(fields, "x-trace"); !ok || v == "" {
				done <- errors.New("x-trace missing from decoded block")
				return
			}
		}
		done <- nil
	}()
	return done
}

func TestSendHeadersRejectedBlockKeepsPeerInSync(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)
	done := decodeHeadersN(server, 1)

	bad := []headers.Field{{Name: "x-trace", Value: "abc123"}, {Name: "", Value: "oops"}}
	if err := client.SendHeaders(1, bad, false); !errors.Is(err, headers.ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if err := client.SendHeaders(3, []headers.Field{{Name: "x-trace", Value: "abc123"}}, false); err != nil {
		t.Fatalf("send headers: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer decode: %v", err)
	}
}

func TestSendHeadersOversizedBlockKeepsPeerInSync(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	cfg := DefaultConfig()
	cfg.Limits = frame.Limits{MaxPayloadBytes: 64}
	client, server := New(a, cfg), New(b, cfg)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	done := decodeHeadersN(server, 1)

	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	oversized := []headers.Field{{Name: "x-trace", Value: "abc123"}, {Name: "x-big", Value: string(big)}}
	if err := client.SendHeaders(1, oversized, false); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if err := client.SendHeaders(3, []headers.Field{{Name: "x-trace", Value: "abc123"}}, false); err != nil {
		t.Fatalf("send headers: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer decode: %v", err)
	}
}

func TestConcurrentSendHeadersDecodeInWireOrder(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)

	const perSender = 50
	done := decodeHeadersN(server, 2*perSender)
	errs := make(chan error, 2)
	for g := 0; g < 2; g++ {
		go func(g int) {
			for i := 0; i < perSender; i++ {
				fields := []headers.Field{
					{Name: "x-trace", Value: fmt.Sprintf("g%d-%d", g, i)},
					{Name: "x-sender", Value: fmt.Sprintf("g%d", g)},
				}
				if err := client.SendHeaders(uint32(2*(g*perSender+i)+1), fields, false); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(g)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("send headers: %v", err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("peer decode: %v", err)
	}
}

func TestObserverPanicSurfacesOnRead(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)
	server.FramesReceived().Add(func(frame.Event) error { panic("bad observer") })

	go func() { _ = client.SendSettings(frame.Setting{ID: frame.SettingMaxFrameSize, Value: 16384}) }()
	f, err := server.ReadFrame()
	if !errors.Is(err, ErrObserver) {
		t.Fatalf("expected ErrObserver, got %v", err)
	}
	var pe *notify.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected panic error, got %v", err)
	}
	if f == nil || f.Type() != frame.TypeSettings {
		t.Fatalf("frame should be returned with observer error: %v", f)
	}
}

func TestServeAnswersPing(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	var seen []frame.Type
	go func() {
		served <- server.Serve(ctx, func(f *frame.Frame) error {
			seen = append(seen, f.Type())
			return nil
		})
	}()

	data := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := client.SendPing(false, data); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	ack, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type() != frame.TypePing || !ack.Has(frame.FlagPingAck) {
		t.Fatalf("expected ping ack, got %v", ack)
	}
	if got, _ := ack.PingData(); got != data {
		t.Fatalf("ping data mismatch: %v", got)
	}

	cancel()
	if err := <-served; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(seen) != 1 || seen[0] != frame.TypePing {
		t.Fatalf("unexpected served frames: %v", seen)
	}
}

func TestServeReturnsNilOnPeerClose(t *testing.T) {
	testlog.Start(t)
	client, server := newPipePair(t)
	served := make(chan error, 1)
	go func() { served <- server.Serve(context.Background(), nil) }()
	_ = client.Close()
	if err := <-served; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestClosedSessionRejectsIO(t *testing.T) {
	testlog.Start(t)
	client, _ := newPipePair(t)
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = client.Close()
	if err := client.SendData(1, nil, true); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on write, got %v", err)
	}
	if _, err := client.ReadFrame(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on read, got %v", err)
	}
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	if _, err := Dial(context.Background(), addr, cfg); err == nil {
		t.Fatalf("expected dial failure")
	}
	if _, err := Dial(context.Background(), "", cfg); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestDialListenMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.New(t, "framewatch-ca")
	serverPair := ca.Server(t, "server")
	clientPair := ca.Client(t, "client")

	serverCfg := DefaultConfig()
	serverCfg.SecurityMode = SecurityModeProduction
	serverCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CAFile: ca.CAFile(), CertFile: serverPair.CertFile, KeyFile: serverPair.KeyFile}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *frame.Frame, 1)
	go func() {
		s, err := Accept(ln, serverCfg)
		if err != nil {
			t.Errorf("accept: %v", err)
			accepted <- nil
			return
		}
		defer s.Close()
		f, err := s.ReadFrame()
		if err != nil {
			t.Errorf("server read: %v", err)
		}
		accepted <- f
	}()

	clientCfg := DefaultConfig()
	clientCfg.SecurityMode = SecurityModeProduction
	clientCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CAFile: ca.CAFile(), CertFile: clientPair.CertFile, KeyFile: clientPair.KeyFile}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.SendData(3, []byte("secure"), true); err != nil {
		t.Fatalf("send: %v", err)
	}
	f := <-accepted
	if f == nil || string(f.Payload) != "secure" || f.StreamID() != 3 {
		t.Fatalf("unexpected frame: %v", f)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateTransportRejectsUnknownMode(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = "paranoid"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	testlog.Start(t)
	cfg := Config{WriteTimeout: time.Second}.WithDefaults()
	if cfg.WriteTimeout != time.Second {
		t.Fatalf("explicit write timeout overwritten: %v", cfg.WriteTimeout)
	}
	if cfg.Limits != frame.DefaultLimits() || cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
