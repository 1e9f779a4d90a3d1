// Package session owns one framed connection and its frame notification points.
//
// Ownership boundary:
// - frame read/write serialization over a byte stream
// - "frame sent" / "frame received" notification points
// - dial/listen helpers with TLS policy and retry backoff
//
// Observers registered on the notification points run synchronously on the
// goroutine performing the write or read. Their failures are returned to that
// caller wrapped in ErrObserver; the session never logs and drops them.
package session
