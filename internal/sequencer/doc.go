// Package sequencer validates ordering and continuity of the update stream.
//
// The sequencer tracks the venue's per-symbol sequence numbers:
//   - Exactly-next updates are accepted
//   - Updates at or below the last sequence are duplicates
//   - A skipped sequence opens a gap episode, reported exactly once
//
// A snapshot is an absolute resync point: it closes any open gap episode
// and re-bases the sequence, which also covers venue-side sequence resets
// (Bybit restarts the update ID after a service restart).
package sequencer
