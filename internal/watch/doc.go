// Package watch is the framewatch runtime.
//
// Ownership boundary:
// - one monitor over a hub of live sessions
// - subscribers on the monitor: capture ring, metrics, frame log, spans
// - session sourcing by mode: loopback pair, outbound dial, or listener
// - diagnostics HTTP API lifecycle
package watch
