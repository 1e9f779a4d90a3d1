// Package monitor taps the frame notification points of a session.
//
// A Monitor registers one handler on each of the session's "sent" and
// "received" points, applies its filter, and re-emits matching events on its
// own points. It never writes to the session and never copies or retains
// frames. Delivery is synchronous on the goroutine that notified it, so the
// order seen by monitor subscribers is the order the session processed frames.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyAttached = errors.New("monitor: already attached")
	ErrNoSource        = errors.New("monitor: nil source")
)

// Source is a session-side pair of frame notification points. A source that
// returns nil registrars, such as a nil *session.Session, cannot be attached.
type Source interface {
	FramesSent() notify.Registrar[frame.Event]
	FramesReceived() notify.Registrar[frame.Event]
}

// State is the attach state of a Monitor.
type State int

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "detached"
}

type Option func(*Monitor)

func WithFilter(f Filter) Option {
	return func(m *Monitor) { m.SetFilter(f) }
}

func WithName(name string) Option {
	return func(m *Monitor) {
		if name != "" {
			m.name = name
		}
	}
}

// Monitor re-emits filtered session frames. Its lifetime does not own or
// extend the source's.
type Monitor struct {
	name string
	src  Source

	filter atomic.Pointer[Filter]

	mu      sync.Mutex
	gen     uint64
	active  atomic.Uint64
	sentTok notify.Token
	recvTok notify.Token

	sent     notify.Point[frame.Event]
	received notify.Point[frame.Event]

	sentStats directionStats
	recvStats directionStats
}

// New builds a detached monitor over src.
func New(src Source, opts ...Option) *Monitor {
	m := &Monitor{
		name: "monitor-" + uuid.NewString()[:8],
		src:  src,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Name() string {
	return m.name
}

// FramesSent is where matching sent frames are re-emitted.
func (m *Monitor) FramesSent() notify.Registrar[frame.Event] {
	return &m.sent
}

// FramesReceived is where matching received frames are re-emitted.
func (m *Monitor) FramesReceived() notify.Registrar[frame.Event] {
	return &m.received
}

// Filter returns the current filter; ok is false when every frame is accepted.
func (m *Monitor) Filter() (f Filter, ok bool) {
	p := m.filter.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// SetFilter replaces the filter for frames evaluated from now on. A nil f
// clears it.
func (m *Monitor) SetFilter(f Filter) {
	if f == nil {
		m.filter.Store(nil)
		return
	}
	m.filter.Store(&f)
}

func (m *Monitor) ClearFilter() {
	m.filter.Store(nil)
}

// Attach registers the monitor on both source points. Every frame the source
// notifies after Attach returns is evaluated until Detach.
func (m *Monitor) Attach() error {
	if m.src == nil {
		return ErrNoSource
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.Load() != 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, m.name)
	}
	sent, received := m.src.FramesSent(), m.src.FramesReceived()
	if sent == nil || received == nil {
		return ErrNoSource
	}
	m.gen++
	gen := m.gen
	m.active.Store(gen)
	m.sentTok = sent.Add(m.relay(gen, &m.sent, &m.sentStats))
	m.recvTok = received.Add(m.relay(gen, &m.received, &m.recvStats))
	log.Debug().Str("monitor", m.name).Uint64("gen", gen).Msg("monitor.Attach")
	return nil
}

// Detach unregisters from the source. It is safe to call at any time and
// any number of times. A source notification that reaches the monitor after
// Detach returns is dropped, even if the source took its snapshot earlier.
func (m *Monitor) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.Load() == 0 {
		return
	}
	m.active.Store(0)
	m.src.FramesSent().Remove(m.sentTok)
	m.src.FramesReceived().Remove(m.recvTok)
	m.sentTok, m.recvTok = 0, 0
	log.Debug().Str("monitor", m.name).Msg("monitor.Detach")
}

// Close detaches; it exists so callers can `defer m.Close()`.
func (m *Monitor) Close() error {
	m.Detach()
	return nil
}

func (m *Monitor) State() State {
	if m.active.Load() != 0 {
		return Attached
	}
	return Detached
}

func (m *Monitor) Attached() bool {
	return m.State() == Attached
}

// relay builds the source-side handler for one attach generation. Handlers
// from an older generation stay inert if a stale snapshot still calls them.
// A panicking filter is not recovered here.
func (m *Monitor) relay(gen uint64, out *notify.Point[frame.Event], stats *directionStats) notify.Handler[frame.Event] {
	return func(ev frame.Event) error {
		if m.active.Load() != gen {
			return nil
		}
		stats.seen.Add(1)
		if p := m.filter.Load(); p != nil && !(*p)(ev.Frame) {
			return nil
		}
		stats.matched.Add(1)
		if err := out.Emit(ev); err != nil {
			stats.failed.Add(1)
			return fmt.Errorf("monitor %s: %w", m.name, err)
		}
		return nil
	}
}

// Watch attaches a monitor over src for the duration of fn and detaches on
// every exit path, including a panic in fn.
func Watch(src Source, filter Filter, fn func(*Monitor) error) error {
	m := New(src, WithFilter(filter))
	if err := m.Attach(); err != nil {
		return err
	}
	defer m.Detach()
	return fn(m)
}
