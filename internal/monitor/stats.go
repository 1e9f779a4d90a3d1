package monitor

import "sync/atomic"

type directionStats struct {
	seen    atomic.Uint64
	matched atomic.Uint64
	failed  atomic.Uint64
}

// DirectionStats counts frames for one direction since the monitor was built.
type DirectionStats struct {
	Seen    uint64 `json:"seen"`
	Matched uint64 `json:"matched"`
	Failed  uint64 `json:"failed"`
}

// Stats is a point-in-time copy of a monitor's counters.
type Stats struct {
	Name     string         `json:"name"`
	State    string         `json:"state"`
	Sent     DirectionStats `json:"sent"`
	Received DirectionStats `json:"received"`
}

func (d *directionStats) snapshot() DirectionStats {
	return DirectionStats{
		Seen:    d.seen.Load(),
		Matched: d.matched.Load(),
		Failed:  d.failed.Load(),
	}
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Name:     m.name,
		State:    m.State().String(),
		Sent:     m.sentStats.snapshot(),
		Received: m.recvStats.snapshot(),
	}
}
