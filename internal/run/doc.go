// Package run implements the Run Coordinator component.
//
// The coordinator owns the collection lifecycle:
//
//	Idle -> Connecting -> Streaming <-> Resyncing -> Draining -> Stopped
//
// Connecting retries with bounded exponential backoff and fails fast once
// the retry budget is spent. A sequence gap moves Streaming to Resyncing:
// arriving deltas are buffered, a fresh snapshot is requested, and the
// buffer is replayed in sequence order once it lands. Every shutdown path
// (duration elapsed, transport loss beyond budget, sink failure, external
// cancellation) funnels into Draining exactly once, which flushes the
// sinks fully before Stopped.
package run
