package sequencer

import (
	"testing"

	"github.com/rickgao/bybit-data/internal/model"
)

func delta(seq int64) model.Update {
	return model.Update{Symbol: "BTCUSDT", Seq: seq, Type: model.UpdateDelta}
}

func snapshot(seq int64) model.Update {
	return model.Update{Symbol: "BTCUSDT", Seq: seq, Type: model.UpdateSnapshot}
}

func TestObserve_StrictlyIncreasingNeverGaps(t *testing.T) {
	s := New(nil)

	if got := s.Observe(snapshot(100)); got != VerdictAccept {
		t.Fatalf("Observe(snapshot 100) = %s, want accept", got)
	}
	for seq := int64(101); seq <= 600; seq++ {
		if got := s.Observe(delta(seq)); got != VerdictAccept {
			t.Fatalf("Observe(%d) = %s, want accept", seq, got)
		}
	}

	stats := s.Stats()
	if stats.Gaps != 0 {
		t.Errorf("Gaps = %d, want 0", stats.Gaps)
	}
	if stats.LastSeq != 600 {
		t.Errorf("LastSeq = %d, want 600", stats.LastSeq)
	}
}

func TestObserve_ExactNextBoundary(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(1))

	// The exactly-next sequence must never be reported as a gap.
	if got := s.Observe(delta(2)); got != VerdictAccept {
		t.Errorf("Observe(2) after 1 = %s, want accept", got)
	}
	if got := s.Observe(delta(3)); got != VerdictAccept {
		t.Errorf("Observe(3) after 2 = %s, want accept", got)
	}
}

func TestObserve_SingleSkipReportsOneGap(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(10))

	if got := s.Observe(delta(12)); got != VerdictGap {
		t.Fatalf("Observe(12) after 10 = %s, want gap", got)
	}

	// Subsequent messages belong to the same episode: no repeat reports.
	for seq := int64(13); seq <= 20; seq++ {
		if got := s.Observe(delta(seq)); got != VerdictAccept {
			t.Errorf("Observe(%d) = %s, want accept", seq, got)
		}
	}

	if stats := s.Stats(); stats.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", stats.Gaps)
	}
}

func TestObserve_SecondJumpInSameEpisodeNotReported(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(1))

	if got := s.Observe(delta(5)); got != VerdictGap {
		t.Fatalf("Observe(5) = %s, want gap", got)
	}
	// Another jump before the resync snapshot: same episode.
	if got := s.Observe(delta(9)); got != VerdictAccept {
		t.Fatalf("Observe(9) = %s, want accept (no repeat gap report)", got)
	}

	if stats := s.Stats(); stats.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", stats.Gaps)
	}
}

func TestObserve_NewEpisodeAfterResync(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(1))
	s.Observe(delta(3)) // gap 1
	s.Observe(snapshot(10))

	if got := s.Observe(delta(13)); got != VerdictGap {
		t.Errorf("Observe(13) after resync = %s, want gap", got)
	}
	if stats := s.Stats(); stats.Gaps != 2 {
		t.Errorf("Gaps = %d, want 2", stats.Gaps)
	}
}

func TestObserve_Duplicates(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(100))
	s.Observe(delta(101))

	if got := s.Observe(delta(101)); got != VerdictDuplicate {
		t.Errorf("Observe(101) repeat = %s, want duplicate", got)
	}
	if got := s.Observe(delta(50)); got != VerdictDuplicate {
		t.Errorf("Observe(50) stale = %s, want duplicate", got)
	}

	stats := s.Stats()
	if stats.Duplicates != 2 {
		t.Errorf("Duplicates = %d, want 2", stats.Duplicates)
	}
	if stats.LastSeq != 101 {
		t.Errorf("LastSeq = %d, want 101", stats.LastSeq)
	}
}

func TestObserve_SnapshotRebasesAfterSequenceReset(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(5000))
	s.Observe(delta(5001))

	// Venue restart: snapshot arrives with a restarted sequence.
	if got := s.Observe(snapshot(1)); got != VerdictAccept {
		t.Fatalf("Observe(snapshot 1) = %s, want accept", got)
	}
	if got := s.Observe(delta(2)); got != VerdictAccept {
		t.Errorf("Observe(2) after rebased snapshot = %s, want accept", got)
	}
}

func TestObserve_FirstDeltaInitializes(t *testing.T) {
	s := New(nil)

	// No snapshot yet: the first observation only establishes the base.
	if got := s.Observe(delta(42)); got != VerdictAccept {
		t.Errorf("Observe(first delta) = %s, want accept", got)
	}
	if got := s.Observe(delta(43)); got != VerdictAccept {
		t.Errorf("Observe(next delta) = %s, want accept", got)
	}
	if stats := s.Stats(); stats.Gaps != 0 {
		t.Errorf("Gaps = %d, want 0", stats.Gaps)
	}
}

func TestResynced_ClosesEpisode(t *testing.T) {
	s := New(nil)
	s.Observe(snapshot(1))
	s.Observe(delta(4))

	if !s.Stats().InGap {
		t.Fatal("InGap = false after gap, want true")
	}
	s.Resynced()
	if s.Stats().InGap {
		t.Error("InGap = true after Resynced, want false")
	}
}
