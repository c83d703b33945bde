// Package sink implements the Durable Sink component.
//
// A sink decouples ingestion from storage I/O with a bounded queue: the
// feed-delivery path enqueues records and blocks for at most a configured
// timeout when the queue is full, then gets an explicit backpressure
// error. A background writer drains the queue in arrival order.
//
// Backends:
//   - FileSink: append-only newline-delimited JSON segments. Each record
//     is newline-terminated, so a torn tail write is detectable and
//     discardable on recovery. Full segments rotate and can be
//     zstd-compressed.
//   - PostgresSink: optional archive batching the same records into
//     Postgres with insert-or-skip semantics.
package sink
