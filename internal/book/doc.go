// Package book maintains the applied in-memory order-book state.
//
// The book is a validation layer over the recorded stream: snapshots
// replace the sides wholesale, deltas adjust single price levels, and a
// size of zero removes a level. Readers only ever get independent copies,
// so no caller can observe a partially applied update.
package book
