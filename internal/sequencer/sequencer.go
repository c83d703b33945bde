package sequencer

import (
	"log/slog"
	"sync"

	"github.com/rickgao/bybit-data/internal/model"
)

// Verdict is the result of observing one update.
type Verdict int

const (
	// VerdictAccept advances the sequence; the update should be applied.
	VerdictAccept Verdict = iota

	// VerdictDuplicate marks an already-seen update; drop it.
	VerdictDuplicate

	// VerdictGap marks the first update after a skipped sequence number.
	// Reported once per gap episode; the caller should trigger a resync.
	VerdictGap
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Stats contains sequencer counters.
type Stats struct {
	Accepted   int64
	Duplicates int64
	Gaps       int64 // gap episodes, not missed messages
	LastSeq    int64
	InGap      bool
}

// Sequencer tracks sequence continuity for a single symbol.
type Sequencer struct {
	logger *slog.Logger

	mu          sync.Mutex
	lastSeq     int64
	initialized bool
	inGap       bool

	accepted   int64
	duplicates int64
	gaps       int64
}

// New creates a Sequencer.
func New(logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{logger: logger}
}

// Observe checks one update against the expected sequence.
func (s *Sequencer) Observe(update model.Update) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshots re-base the sequence unconditionally. This closes any
	// open gap episode and absorbs venue-side sequence resets.
	if update.Type == model.UpdateSnapshot {
		s.lastSeq = update.Seq
		s.initialized = true
		s.inGap = false
		s.accepted++
		return VerdictAccept
	}

	if !s.initialized {
		s.lastSeq = update.Seq
		s.initialized = true
		s.accepted++
		return VerdictAccept
	}

	switch {
	case update.Seq <= s.lastSeq:
		s.duplicates++
		return VerdictDuplicate

	case update.Seq == s.lastSeq+1:
		s.lastSeq = update.Seq
		s.accepted++
		return VerdictAccept

	default:
		missed := update.Seq - s.lastSeq - 1
		s.lastSeq = update.Seq
		s.accepted++

		// Report only the first gap of an episode; later jumps before
		// the resync snapshot lands are part of the same episode.
		if s.inGap {
			return VerdictAccept
		}
		s.inGap = true
		s.gaps++
		s.logger.Warn("sequence gap detected",
			"expected", update.Seq-missed,
			"got", update.Seq,
			"missed", missed,
		)
		return VerdictGap
	}
}

// Resynced closes the current gap episode. Called once a fresh snapshot
// has been applied.
func (s *Sequencer) Resynced() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inGap = false
}

// LastSeq returns the last observed sequence number.
func (s *Sequencer) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Stats returns current counters.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Accepted:   s.accepted,
		Duplicates: s.duplicates,
		Gaps:       s.gaps,
		LastSeq:    s.lastSeq,
		InGap:      s.inGap,
	}
}
