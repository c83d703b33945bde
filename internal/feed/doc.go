// Package feed implements the Feed Transport component.
//
// The transport owns the WebSocket connection to Bybit's v5 public stream:
//   - Subscribes to the orderbook.{depth}.{symbol} topic
//   - Decodes snapshot/delta messages into model.Update values
//   - Keeps the connection alive with protocol-level pings
//   - Exposes Resync, which forces the venue to re-send a full snapshot
//
// Connect/reconnect policy lives in the run coordinator; the transport
// surfaces connection loss on its Errors channel and otherwise stays dumb.
package feed
