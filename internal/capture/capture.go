// Package capture keeps a bounded history of observed frames for diagnostics.
package capture

import (
	"sync"
	"time"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/eapache/queue"
)

const DefaultSize = 256

// Record is a detached summary of one frame event. It never aliases the
// session's frame buffers; Preview is a copy of at most PreviewBytes.
type Record struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Flags     string    `json:"flags"`
	StreamID  uint32    `json:"stream_id"`
	Length    int       `json:"length"`
	Preview   []byte    `json:"preview,omitempty"`
}

// Recorder is a fixed-size ring of Records, oldest evicted first.
type Recorder struct {
	mu           sync.Mutex
	size         int
	previewBytes int
	seq          uint64
	dropped      uint64
	q            *queue.Queue
	now          func() time.Time
}

type Option func(*Recorder)

func WithPreview(n int) Option {
	return func(r *Recorder) {
		if n >= 0 {
			r.previewBytes = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(size int, opts ...Option) *Recorder {
	if size <= 0 {
		size = DefaultSize
	}
	r := &Recorder{
		size: size,
		q:    queue.New(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe is a notify.Handler; subscribe it to a monitor's points.
func (r *Recorder) Observe(ev frame.Event) error {
	rec := Record{
		At:        r.now(),
		SessionID: ev.SessionID,
		Direction: ev.Direction.String(),
		Type:      ev.Frame.Type().String(),
		Flags:     ev.Frame.Header.Flags.Format(ev.Frame.Type()),
		StreamID:  ev.Frame.StreamID(),
		Length:    len(ev.Frame.Payload),
	}
	if n := min(r.previewBytes, len(ev.Frame.Payload)); n > 0 {
		rec.Preview = append([]byte(nil), ev.Frame.Payload[:n]...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	rec.Seq = r.seq
	if r.q.Length() >= r.size {
		r.q.Remove()
		r.dropped++
	}
	r.q.Add(rec)
	return nil
}

// Subscribe registers Observe on both points and returns an unsubscribe func.
func (r *Recorder) Subscribe(sent, received notify.Registrar[frame.Event]) func() {
	st := sent.Add(r.Observe)
	rt := received.Add(r.Observe)
	return func() {
		sent.Remove(st)
		received.Remove(rt)
	}
}

// Snapshot returns records oldest first.
func (r *Recorder) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, r.q.Length())
	for i := range out {
		out[i] = r.q.Get(i).(Record)
	}
	return out
}

// Since returns records with Seq greater than seq.
func (r *Recorder) Since(seq uint64) []Record {
	all := r.Snapshot()
	for i, rec := range all {
		if rec.Seq > seq {
			return all[i:]
		}
	}
	return nil
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

// Dropped counts records evicted to make room.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.q = queue.New()
	r.dropped = 0
}
