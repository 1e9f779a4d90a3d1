package monitor

import (
	"sync"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
)

// Hub merges the notification points of several sources into one Source.
// Each joined source is relayed synchronously, so per-source order holds;
// events from different sources interleave in the order they happen.
type Hub struct {
	sent     notify.Point[frame.Event]
	received notify.Point[frame.Event]

	mu      sync.Mutex
	members map[Source][2]notify.Token
}

func NewHub() *Hub {
	return &Hub{members: make(map[Source][2]notify.Token)}
}

func (h *Hub) FramesSent() notify.Registrar[frame.Event] {
	return &h.sent
}

func (h *Hub) FramesReceived() notify.Registrar[frame.Event] {
	return &h.received
}

// Join relays src into the hub until the returned leave func is called.
// Joining the same source twice, or a source with nil registrars, is a no-op.
func (h *Hub) Join(src Source) (leave func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	leave = func() { h.leave(src) }
	if _, ok := h.members[src]; ok {
		return leave
	}
	sent, received := src.FramesSent(), src.FramesReceived()
	if sent == nil || received == nil {
		return func() {}
	}
	h.members[src] = [2]notify.Token{
		sent.Add(h.sent.Emit),
		received.Add(h.received.Emit),
	}
	return leave
}

func (h *Hub) leave(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()

	toks, ok := h.members[src]
	if !ok {
		return
	}
	delete(h.members, src)
	src.FramesSent().Remove(toks[0])
	src.FramesReceived().Remove(toks[1])
}

// Len reports the number of joined sources.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}
