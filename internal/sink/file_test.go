package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/bybit-data/internal/model"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Symbol = "BTCUSDT"
	cfg.FlushInterval = 50 * time.Millisecond
	return cfg
}

func testRecord(seq int64) model.BufferedRecord {
	return model.BufferedRecord{
		Update: model.Update{
			Symbol: "BTCUSDT",
			Seq:    seq,
			Type:   model.UpdateDelta,
			Bids: []model.PriceLevel{
				{Price: decimal.NewFromInt(50000), Size: decimal.NewFromInt(1)},
			},
			ReceivedAt: time.Now().UTC(),
		},
		Applied: true,
	}
}

func TestFileSink_WritesRecordsInOrder(t *testing.T) {
	cfg := testConfig(t)
	runID := uuid.New()
	s := NewFileSink(cfg, runID, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for seq := int64(1); seq <= 20; seq++ {
		if err := s.Enqueue(testRecord(seq)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", seq, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	records, truncated, err := Recover(s.segmentPath(0))
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if truncated {
		t.Error("Recover() truncated = true, want false")
	}
	if len(records) != 20 {
		t.Fatalf("recovered %d records, want 20", len(records))
	}
	for i, r := range records {
		if r.Update.Seq != int64(i+1) {
			t.Errorf("record %d seq = %d, want %d", i, r.Update.Seq, i+1)
		}
	}
}

func TestFileSink_BackpressureOnFullQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueCapacity = 4
	cfg.BackpressureTimeout = 100 * time.Millisecond
	s := NewFileSink(cfg, uuid.New(), nil)

	// Never started: no writer drains the queue, simulating a stalled disk.
	for i := int64(1); i <= 4; i++ {
		if err := s.Enqueue(testRecord(i)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	start := time.Now()
	err := s.Enqueue(testRecord(5))
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("Enqueue() on full queue = %v, want ErrBackpressure", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Enqueue() blocked %s, want >= backpressure timeout", elapsed)
	}
}

func TestFileSink_FlushBoundsUnflushedWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushInterval = time.Hour // only explicit flushes
	s := NewFileSink(cfg, uuid.New(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()

	for seq := int64(1); seq <= 5; seq++ {
		if err := s.Enqueue(testRecord(seq)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", seq, err)
		}
	}

	// Wait for the writer to consume the queue, then flush.
	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Written < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("writer consumed %d records, want 5", s.Stats().Written)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	// Flushed records must be durable before Stop.
	records, _, err := Recover(s.segmentPath(0))
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(records) != 5 {
		t.Errorf("recovered %d records after Flush, want 5", len(records))
	}
}

func TestFileSink_StatsConcurrentWithFailure(t *testing.T) {
	s := NewFileSink(testConfig(t), uuid.New(), nil)

	// Stats and the failure latch run on different goroutines in
	// production (status reporting vs the writer); they must be safe to
	// race.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.Stats()
		}
	}()
	s.fail(errors.New("disk full"))
	wg.Wait()

	if !s.Stats().Failed {
		t.Error("Stats().Failed = false after fail()")
	}
}

func TestFileSink_FlushDuringWritesKeepsArrivalOrder(t *testing.T) {
	cfg := testConfig(t)
	s := NewFileSink(cfg, uuid.New(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Hammer Flush from another goroutine while records stream through
	// the queue; the writer is the queue's only consumer, so a flush must
	// never pop past its in-flight record.
	stop := make(chan struct{})
	var flusher sync.WaitGroup
	flusher.Add(1)
	go func() {
		defer flusher.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Flush()
			}
		}
	}()

	const n = 500
	for seq := int64(1); seq <= n; seq++ {
		if err := s.Enqueue(testRecord(seq)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", seq, err)
		}
	}

	close(stop)
	flusher.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	records, _, err := Recover(s.segmentPath(0))
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(records) != n {
		t.Fatalf("recovered %d records, want %d", len(records), n)
	}
	for i, rec := range records {
		if rec.Update.Seq != int64(i+1) {
			t.Fatalf("record %d seq = %d, want %d (arrival order broken)", i, rec.Update.Seq, i+1)
		}
	}
}

func TestFileSink_RotatesSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxRecords = 10
	s := NewFileSink(cfg, uuid.New(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for seq := int64(1); seq <= 25; seq++ {
		if err := s.Enqueue(testRecord(seq)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", seq, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stats := s.Stats()
	if stats.Rotations != 2 {
		t.Errorf("Rotations = %d, want 2", stats.Rotations)
	}

	total := 0
	for i := 0; i <= 2; i++ {
		records, _, err := Recover(s.segmentPath(i))
		if err != nil {
			t.Fatalf("Recover(segment %d) error = %v", i, err)
		}
		total += len(records)
	}
	if total != 25 {
		t.Errorf("recovered %d records across segments, want 25", total)
	}
}

func TestFileSink_CompressedRotationRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentMaxRecords = 10
	cfg.Compress = true
	s := NewFileSink(cfg, uuid.New(), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for seq := int64(1); seq <= 15; seq++ {
		if err := s.Enqueue(testRecord(seq)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", seq, err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	compressed := s.segmentPath(0) + zstExt
	if _, err := os.Stat(compressed); err != nil {
		t.Fatalf("compressed segment missing: %v", err)
	}
	if _, err := os.Stat(s.segmentPath(0)); !os.IsNotExist(err) {
		t.Error("plain segment still present after compression")
	}

	records, truncated, err := Recover(compressed)
	if err != nil {
		t.Fatalf("Recover(compressed) error = %v", err)
	}
	if truncated {
		t.Error("Recover(compressed) truncated = true, want false")
	}
	if len(records) != 10 {
		t.Errorf("recovered %d records from compressed segment, want 10", len(records))
	}
}

func TestFileSink_EnqueueAfterFailure(t *testing.T) {
	cfg := testConfig(t)
	s := NewFileSink(cfg, uuid.New(), nil)
	s.fail(errors.New("disk went away"))

	err := s.Enqueue(testRecord(1))
	if !errors.Is(err, ErrFailed) {
		t.Errorf("Enqueue() after failure = %v, want ErrFailed", err)
	}
}

func TestFileSink_SegmentNaming(t *testing.T) {
	cfg := testConfig(t)
	cfg.Symbol = "ETHUSDT"
	cfg.ChannelType = "linear"
	cfg.Depth = 200
	runID := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000000")
	s := NewFileSink(cfg, runID, nil)

	got := filepath.Base(s.segmentPath(3))
	want := "bybit_linear_ethusdt_orderbook_200_a1b2c3d4_000003.ndjson"
	if got != want {
		t.Errorf("segmentPath basename = %q, want %q", got, want)
	}
}
