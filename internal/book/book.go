package book

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/bybit-data/internal/model"
)

// ErrNoBaseSnapshot is returned when a delta arrives before any snapshot
// has been applied for the symbol.
var ErrNoBaseSnapshot = errors.New("no base snapshot")

// Book holds the applied order-book state for a single symbol.
//
// Only the feed-delivery path mutates the book; CurrentSnapshot may be
// called concurrently from monitoring paths.
type Book struct {
	logger *slog.Logger

	mu      sync.RWMutex
	symbol  string
	depth   int
	bids    map[string]model.PriceLevel // keyed by canonical price string
	asks    map[string]model.PriceLevel
	lastSeq int64
	hasBase bool
}

// New creates an empty Book for a symbol.
func New(symbol string, depth int, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.Default()
	}
	return &Book{
		logger: logger,
		symbol: symbol,
		depth:  depth,
		bids:   make(map[string]model.PriceLevel),
		asks:   make(map[string]model.PriceLevel),
	}
}

// Apply applies one update to the book.
//
// Snapshots replace both sides wholesale. Deltas adjust the changed
// levels; a zero size removes the level, and removing an absent level is
// a no-op (venues send redundant removals).
func (b *Book) Apply(update model.Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch update.Type {
	case model.UpdateSnapshot:
		b.bids = levelMap(update.Bids)
		b.asks = levelMap(update.Asks)
		b.lastSeq = update.Seq
		b.hasBase = true
		return nil

	case model.UpdateDelta:
		if !b.hasBase {
			return fmt.Errorf("apply delta seq %d: %w", update.Seq, ErrNoBaseSnapshot)
		}
		applyLevels(b.bids, update.Bids)
		applyLevels(b.asks, update.Asks)
		b.lastSeq = update.Seq
		return nil

	default:
		return fmt.Errorf("unknown update type %q", update.Type)
	}
}

// HasBase reports whether a snapshot has been applied.
func (b *Book) HasBase() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasBase
}

// LastSeq returns the sequence of the last applied update.
func (b *Book) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// CurrentSnapshot returns an immutable, independently consistent copy of
// the book. Bids are sorted descending, asks ascending.
func (b *Book) CurrentSnapshot() model.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return model.BookSnapshot{
		Symbol:  b.symbol,
		Depth:   b.depth,
		Bids:    sortedLevels(b.bids, true),
		Asks:    sortedLevels(b.asks, false),
		LastSeq: b.lastSeq,
	}
}

// levelMap builds a fresh side from snapshot levels, dropping zero sizes.
func levelMap(levels []model.PriceLevel) map[string]model.PriceLevel {
	m := make(map[string]model.PriceLevel, len(levels))
	for _, level := range levels {
		if level.Size.IsZero() {
			continue
		}
		m[level.Price.String()] = level
	}
	return m
}

// applyLevels applies delta levels to a side in place.
func applyLevels(side map[string]model.PriceLevel, changes []model.PriceLevel) {
	for _, level := range changes {
		key := level.Price.String()
		if level.Size.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = level
	}
}

// sortedLevels copies a side into a sorted slice.
func sortedLevels(side map[string]model.PriceLevel, descending bool) []model.PriceLevel {
	levels := make([]model.PriceLevel, 0, len(side))
	for _, level := range side {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
