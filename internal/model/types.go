package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UpdateType distinguishes full-book snapshots from incremental deltas.
type UpdateType string

const (
	UpdateSnapshot UpdateType = "snapshot"
	UpdateDelta    UpdateType = "delta"
)

// Side identifies one side of the order book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is a single price point in the order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Update is one sequenced message from the venue's order-book stream.
// Immutable once constructed by the feed.
//
// For snapshots, Bids and Asks carry the complete sides. For deltas they
// carry only the changed levels; a level with size 0 removes that price.
type Update struct {
	Symbol     string       `json:"symbol"`
	Seq        int64        `json:"seq"`
	Type       UpdateType   `json:"type"`
	Bids       []PriceLevel `json:"bids,omitempty"`
	Asks       []PriceLevel `json:"asks,omitempty"`
	ExchangeTS int64        `json:"exchange_ts"` // µs since epoch, 0 if not provided
	ReceivedAt time.Time    `json:"received_at"` // local receipt timestamp
}

// BookSnapshot is an immutable copy of the applied order-book state.
// Bids are sorted descending by price, asks ascending. Neither side
// contains zero-size levels.
type BookSnapshot struct {
	Symbol  string
	Depth   int
	Bids    []PriceLevel
	Asks    []PriceLevel
	LastSeq int64
}

// BestBid returns the highest bid, or a zero level if the side is empty.
func (s BookSnapshot) BestBid() PriceLevel {
	if len(s.Bids) == 0 {
		return PriceLevel{}
	}
	return s.Bids[0]
}

// BestAsk returns the lowest ask, or a zero level if the side is empty.
func (s BookSnapshot) BestAsk() PriceLevel {
	if len(s.Asks) == 0 {
		return PriceLevel{}
	}
	return s.Asks[0]
}

// BufferedRecord is the unit handed to the durable sink: the raw update
// plus whether it was applied to the in-memory book. Created on receipt,
// destroyed after durable flush acknowledgment.
type BufferedRecord struct {
	RunID   uuid.UUID `json:"run_id"`
	Update  Update    `json:"update"`
	Applied bool      `json:"applied"`
}
