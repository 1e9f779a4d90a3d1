package monitor

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/danmuck/framewatch/internal/protocol/session"
	"github.com/danmuck/framewatch/internal/testutil/testlog"
)

// fakeSource plays the session's role without a transport.
type fakeSource struct {
	sent     notify.Point[frame.Event]
	received notify.Point[frame.Event]
}

func (s *fakeSource) FramesSent() notify.Registrar[frame.Event]     { return &s.sent }
func (s *fakeSource) FramesReceived() notify.Registrar[frame.Event] { return &s.received }

func (s *fakeSource) send(f *frame.Frame) error {
	return s.sent.Emit(frame.Event{SessionID: "fake", Direction: frame.Sent, Frame: f})
}

func (s *fakeSource) receive(f *frame.Frame) error {
	return s.received.Emit(frame.Event{SessionID: "fake", Direction: frame.Received, Frame: f})
}

type recorder struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (r *recorder) handle(ev frame.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, ev.Frame)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestNewStartsDetachedAndUnregistered(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	if m.Attached() || m.State() != Detached {
		t.Fatalf("new monitor must start detached")
	}
	if src.sent.Len() != 0 || src.received.Len() != 0 {
		t.Fatalf("construction must not register handlers")
	}
	rec := &recorder{}
	m.FramesSent().Add(rec.handle)
	_ = src.send(frame.NewData(1, nil, false))
	if rec.len() != 0 {
		t.Fatalf("detached monitor re-emitted a frame")
	}
}

func TestNoFilterPassThrough(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	sent, recv := &recorder{}, &recorder{}
	m.FramesSent().Add(sent.handle)
	m.FramesReceived().Add(recv.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()

	frames := []*frame.Frame{
		frame.NewData(1, []byte("a"), false),
		frame.NewSettings(true),
		frame.NewWindowUpdate(0, 10),
	}
	for _, f := range frames {
		if err := src.send(f); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := src.receive(f); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
	for i, f := range frames {
		if sent.frames[i] != f || recv.frames[i] != f {
			t.Fatalf("frame %d not passed through by reference", i)
		}
	}
	if len(sent.frames) != 3 || len(recv.frames) != 3 {
		t.Fatalf("expected exactly one event per frame, got sent=%d recv=%d", len(sent.frames), len(recv.frames))
	}
}

func TestFilterSelectivity(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src, WithFilter(ByStream(3)))
	rec := &recorder{}
	m.FramesReceived().Add(rec.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()

	for _, id := range []uint32{1, 3, 5, 3} {
		_ = src.receive(frame.NewData(id, nil, false))
	}
	if len(rec.frames) != 2 {
		t.Fatalf("expected two stream-3 frames, got %d", len(rec.frames))
	}
	for _, f := range rec.frames {
		if f.StreamID() != 3 {
			t.Fatalf("filter leaked stream %d", f.StreamID())
		}
	}
	st := m.Stats()
	if st.Received.Seen != 4 || st.Received.Matched != 2 || st.Sent.Seen != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestFilterChangeAppliesToNextFrame(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	rec := &recorder{}
	m.FramesSent().Add(rec.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()

	_ = src.send(frame.NewData(1, nil, false))
	m.SetFilter(ByType(frame.TypePing))
	if _, ok := m.Filter(); !ok {
		t.Fatalf("expected filter to be set")
	}
	_ = src.send(frame.NewData(1, nil, false))
	_ = src.send(frame.NewPing(false, [8]byte{}))
	m.SetFilter(nil)
	if _, ok := m.Filter(); ok {
		t.Fatalf("nil filter must clear")
	}
	_ = src.send(frame.NewData(1, nil, false))

	want := []frame.Type{frame.TypeData, frame.TypePing, frame.TypeData}
	if len(rec.frames) != len(want) {
		t.Fatalf("unexpected count: %d", len(rec.frames))
	}
	for i, f := range rec.frames {
		if f.Type() != want[i] {
			t.Fatalf("frame %d: got=%s want=%s", i, f.Type(), want[i])
		}
	}
}

func TestOrderPreservedPerDirection(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	var order []uint32
	m.FramesSent().Add(func(ev frame.Event) error {
		order = append(order, ev.Frame.StreamID())
		return nil
	})
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()

	for _, id := range []uint32{1, 2, 3} {
		_ = src.send(frame.NewData(id, nil, false))
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order not preserved: %v", order)
	}
}

func TestSubscribersRunInRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	var calls []int
	for i := 0; i < 3; i++ {
		i := i
		m.FramesSent().Add(func(frame.Event) error {
			calls = append(calls, i)
			return nil
		})
	}
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()
	_ = src.send(frame.NewData(1, nil, false))
	if len(calls) != 3 || calls[0] != 0 || calls[1] != 1 || calls[2] != 2 {
		t.Fatalf("unexpected subscriber order: %v", calls)
	}
}

func TestDoubleAttachRejected(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	rec := &recorder{}
	m.FramesSent().Add(rec.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()
	if err := m.Attach(); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
	if src.sent.Len() != 1 || src.received.Len() != 1 {
		t.Fatalf("double attach must not double-register: sent=%d recv=%d", src.sent.Len(), src.received.Len())
	}
	_ = src.send(frame.NewData(1, nil, false))
	if rec.len() != 1 {
		t.Fatalf("expected single delivery, got %d", rec.len())
	}
}

func TestAttachWithoutSource(t *testing.T) {
	testlog.Start(t)
	if err := New(nil).Attach(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestAttachNilSessionReturnsErrNoSource(t *testing.T) {
	testlog.Start(t)
	var sess *session.Session
	m := New(sess)
	if err := m.Attach(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
	if m.Attached() {
		t.Fatalf("monitor attached to a nil session")
	}
	m.Detach()

	hub := NewHub()
	hub.Join(sess)()
	if hub.Len() != 0 {
		t.Fatalf("hub joined a nil session")
	}
}

func TestIdempotentDetach(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	never := New(src)
	never.Detach()
	never.Detach()
	if err := never.Close(); err != nil {
		t.Fatalf("close on never-attached monitor: %v", err)
	}

	m := New(src)
	rec := &recorder{}
	m.FramesSent().Add(rec.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	m.Detach()
	m.Detach()
	if src.sent.Len() != 0 || src.received.Len() != 0 {
		t.Fatalf("detach left registrations behind")
	}
	_ = src.send(frame.NewData(1, nil, false))
	if rec.len() != 0 {
		t.Fatalf("re-emission after detach")
	}
}

func TestReattachAfterDetach(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	rec := &recorder{}
	m.FramesSent().Add(rec.handle)

	for i := 0; i < 3; i++ {
		if err := m.Attach(); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		_ = src.send(frame.NewData(1, nil, false))
		m.Detach()
		_ = src.send(frame.NewData(1, nil, false))
	}
	if rec.len() != 3 {
		t.Fatalf("expected one delivery per attached window, got %d", rec.len())
	}
}

func TestStaleSnapshotAfterDetachIsSilent(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	rec := &recorder{}
	m.FramesSent().Add(rec.handle)

	// Registered before Attach, so it runs first and detaches the monitor
	// while the dispatch snapshot still holds the monitor's handler.
	src.sent.Add(func(frame.Event) error {
		m.Detach()
		return nil
	})
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := src.send(frame.NewData(1, nil, false)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.len() != 0 {
		t.Fatalf("monitor re-emitted after detach returned")
	}
}

func TestMonitorsAreIsolated(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	dataMon := New(src, WithName("data"), WithFilter(ByType(frame.TypeData)))
	pingMon := New(src, WithName("ping"), WithFilter(ByType(frame.TypePing)))
	dataRec, pingRec := &recorder{}, &recorder{}
	dataMon.FramesSent().Add(dataRec.handle)
	pingMon.FramesSent().Add(pingRec.handle)
	if err := dataMon.Attach(); err != nil {
		t.Fatalf("attach data: %v", err)
	}
	if err := pingMon.Attach(); err != nil {
		t.Fatalf("attach ping: %v", err)
	}
	defer pingMon.Close()

	_ = src.send(frame.NewData(1, nil, false))
	_ = src.send(frame.NewPing(false, [8]byte{}))
	if dataRec.len() != 1 || pingRec.len() != 1 {
		t.Fatalf("filters leaked: data=%d ping=%d", dataRec.len(), pingRec.len())
	}

	dataMon.Detach()
	_ = src.send(frame.NewData(1, nil, false))
	_ = src.send(frame.NewPing(false, [8]byte{}))
	if dataRec.len() != 1 {
		t.Fatalf("detached monitor still delivering")
	}
	if pingRec.len() != 2 {
		t.Fatalf("detaching one monitor affected another: ping=%d", pingRec.len())
	}
}

func TestSubscriberFailureDoesNotStarveOthers(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	boom := errors.New("subscriber boom")
	rec := &recorder{}
	m.FramesSent().Add(func(frame.Event) error { return boom })
	m.FramesSent().Add(rec.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()

	err := src.send(frame.NewData(1, nil, false))
	if !errors.Is(err, boom) {
		t.Fatalf("expected subscriber failure to propagate, got %v", err)
	}
	if rec.len() != 1 {
		t.Fatalf("later subscriber starved")
	}
	if err := src.send(frame.NewData(1, nil, false)); !errors.Is(err, boom) {
		t.Fatalf("monitor should keep delivering after failure, got %v", err)
	}
	if rec.len() != 2 || m.Stats().Sent.Failed != 2 {
		t.Fatalf("unexpected state after failures: rec=%d stats=%+v", rec.len(), m.Stats())
	}
}

func TestFilterPanicPropagatesWithoutAffectingOtherMonitors(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	bad := New(src, WithFilter(func(*frame.Frame) bool { panic("filter exploded") }))
	good := New(src)
	rec := &recorder{}
	good.FramesSent().Add(rec.handle)
	if err := bad.Attach(); err != nil {
		t.Fatalf("attach bad: %v", err)
	}
	defer bad.Close()
	if err := good.Attach(); err != nil {
		t.Fatalf("attach good: %v", err)
	}
	defer good.Close()

	err := src.send(frame.NewData(1, nil, false))
	var pe *notify.PanicError
	if !errors.As(err, &pe) || pe.Value != "filter exploded" {
		t.Fatalf("expected filter panic surfaced to the notifier, got %v", err)
	}
	if rec.len() != 1 {
		t.Fatalf("other monitor starved by filter panic")
	}
}

func TestWatchDetachesOnEveryExit(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	stop := errors.New("stop")

	err := Watch(src, ByType(frame.TypeData), func(m *Monitor) error {
		if !m.Attached() {
			t.Fatalf("monitor not attached inside Watch")
		}
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if src.sent.Len() != 0 {
		t.Fatalf("Watch left a registration after error return")
	}

	func() {
		defer func() { _ = recover() }()
		_ = Watch(src, nil, func(*Monitor) error { panic("caller bug") })
	}()
	if src.sent.Len() != 0 || src.received.Len() != 0 {
		t.Fatalf("Watch left a registration after panic")
	}
}

func TestConcurrentSendReceiveAndMutation(t *testing.T) {
	testlog.Start(t)
	src := &fakeSource{}
	m := New(src)
	sent, recv := &recorder{}, &recorder{}
	m.FramesSent().Add(sent.handle)
	m.FramesReceived().Add(recv.handle)
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = src.send(frame.NewData(1, nil, false))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = src.receive(frame.NewData(2, nil, false))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			m.SetFilter(ByType(frame.TypeData))
			tok := m.FramesSent().Add(func(frame.Event) error { return nil })
			m.FramesSent().Remove(tok)
			m.ClearFilter()
		}
	}()
	wg.Wait()
	if sent.len() != n || recv.len() != n {
		t.Fatalf("lost events under concurrency: sent=%d recv=%d", sent.len(), recv.len())
	}
}

func TestEndToEndDataOnlyOverSession(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	client := session.New(a, session.DefaultConfig())
	server := session.New(b, session.DefaultConfig())
	defer client.Close()
	defer server.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for i := 0; i < 8; i++ {
			if _, err := server.ReadFrame(); err != nil {
				return
			}
		}
	}()

	m := New(client, WithFilter(ByType(frame.TypeData)))
	var got []string
	m.FramesSent().Add(func(ev frame.Event) error {
		if ev.SessionID != client.ID() {
			t.Errorf("unexpected session id %q", ev.SessionID)
		}
		got = append(got, string(ev.Frame.Payload))
		return nil
	})
	if err := m.Attach(); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := client.SendData(1, []byte("DATA#1"), false); err != nil {
		t.Fatalf("send data 1: %v", err)
	}
	if err := client.SendHeaders(1, nil, false); err != nil {
		t.Fatalf("send headers: %v", err)
	}
	if err := client.SendData(1, []byte("DATA#2"), true); err != nil {
		t.Fatalf("send data 2: %v", err)
	}
	if len(got) != 2 || got[0] != "DATA#1" || got[1] != "DATA#2" {
		t.Fatalf("unexpected re-emitted sequence: %v", got)
	}

	m.Detach()
	for i := 0; i < 5; i++ {
		if err := client.SendData(1, []byte("after"), false); err != nil {
			t.Fatalf("session must keep operating after detach: %v", err)
		}
	}
	if len(got) != 2 {
		t.Fatalf("post-detach traffic reached subscribers: %v", got)
	}
	_ = client.Close()
	<-drained
}
