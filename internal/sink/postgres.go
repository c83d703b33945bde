package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/bybit-data/internal/model"
)

// PostgresSink archives records into the orderbook_updates table in
// batches. It implements the same bounded-queue contract as FileSink so
// the coordinator can fan out to both.
type PostgresSink struct {
	cfg    Config
	logger *slog.Logger
	runID  uuid.UUID

	queue *BoundedQueue[model.BufferedRecord]
	db    *pgxpool.Pool

	// Batching
	batchMu sync.Mutex
	batch   []model.BufferedRecord

	// Lifecycle
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	flushTicker *time.Ticker

	// Failure latch
	failMu  sync.Mutex
	failErr error

	// Stats
	statsMu   sync.Mutex
	enqueued  int64
	written   int64
	conflicts int64
	flushes   int64
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(cfg Config, runID uuid.UUID, db *pgxpool.Pool, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		queue:  NewBoundedQueue[model.BufferedRecord](cfg.QueueCapacity),
		db:     db,
		batch:  make([]model.BufferedRecord, 0, cfg.FlushCount),
	}
}

// Start launches the consumer and flush goroutines.
func (s *PostgresSink) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.flushTicker = time.NewTicker(s.cfg.FlushInterval)

	s.wg.Add(1)
	go s.consumeLoop()
	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("postgres sink started",
		"flush_count", s.cfg.FlushCount,
		"flush_interval", s.cfg.FlushInterval,
	)
	return nil
}

// Stop drains the queue and flushes the final batch.
func (s *PostgresSink) Stop(ctx context.Context) error {
	s.logger.Info("stopping postgres sink", "queued", s.queue.Len())

	s.queue.Close()

	if s.cancel != nil {
		s.cancel()
	}
	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// The consumer empties the queue before exiting; draining it here
	// would race the consumer's in-flight record.
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("postgres sink stop timed out", "unwritten", s.queue.Len())
	}

	if err := s.Flush(); err != nil {
		s.logger.Error("final postgres flush failed", "error", err)
	}

	s.logger.Info("postgres sink stopped", "written", s.Stats().Written)
	return nil
}

// Enqueue hands a record to the sink with bounded blocking.
func (s *PostgresSink) Enqueue(record model.BufferedRecord) error {
	if err := s.failure(); err != nil {
		return err
	}

	if err := s.queue.Send(record, s.cfg.BackpressureTimeout); err != nil {
		return err
	}

	s.statsMu.Lock()
	s.enqueued++
	s.statsMu.Unlock()
	return nil
}

// Flush writes the pending batch to the database.
func (s *PostgresSink) Flush() error {
	s.batchMu.Lock()
	batch := s.batch
	s.batch = make([]model.BufferedRecord, 0, s.cfg.FlushCount)
	s.batchMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	conflicts, err := s.batchInsert(batch)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("batch insert: %w", err)
	}

	s.statsMu.Lock()
	s.written += int64(len(batch) - conflicts)
	s.conflicts += int64(conflicts)
	s.flushes++
	s.statsMu.Unlock()

	s.logger.Debug("flushed archive batch",
		"records", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// Stats returns current counters.
func (s *PostgresSink) Stats() Stats {
	failed := s.failure() != nil

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		Enqueued:   s.enqueued,
		Written:    s.written,
		Flushes:    s.flushes,
		QueueDepth: s.queue.Len(),
		Failed:     failed,
	}
}

// consumeLoop moves records from the queue into the pending batch.
func (s *PostgresSink) consumeLoop() {
	defer s.wg.Done()

	for {
		record, ok := s.queue.Receive()
		if !ok {
			return
		}
		if s.appendToBatch(record) {
			if err := s.Flush(); err != nil {
				return
			}
		}
	}
}

// appendToBatch adds a record and reports whether the batch is full.
func (s *PostgresSink) appendToBatch(record model.BufferedRecord) bool {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, record)
	return len(s.batch) >= s.cfg.FlushCount
}

// flushLoop flushes on the configured interval.
func (s *PostgresSink) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushTicker.C:
			if err := s.Flush(); err != nil {
				return
			}
		}
	}
}

// batchInsert inserts records with ON CONFLICT DO NOTHING.
func (s *PostgresSink) batchInsert(records []model.BufferedRecord) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range records {
		bids, err := json.Marshal(r.Update.Bids)
		if err != nil {
			return 0, fmt.Errorf("marshal bids seq %d: %w", r.Update.Seq, err)
		}
		asks, err := json.Marshal(r.Update.Asks)
		if err != nil {
			return 0, fmt.Errorf("marshal asks seq %d: %w", r.Update.Seq, err)
		}

		batch.Queue(`
			INSERT INTO orderbook_updates (run_id, symbol, seq, update_type, bids, asks, exchange_ts, received_at, applied)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, symbol, seq, update_type) DO NOTHING
		`, r.RunID, r.Update.Symbol, r.Update.Seq, string(r.Update.Type),
			bids, asks, r.Update.ExchangeTS, r.Update.ReceivedAt.UnixMicro(), r.Applied)
	}

	results := s.db.SendBatch(s.ctx, batch)
	defer results.Close()

	for range records {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

// fail latches the first fatal database error.
func (s *PostgresSink) fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr == nil {
		s.failErr = err
		s.logger.Error("postgres sink failed", "error", err)
	}
}

// failure returns the latched fatal error wrapped in ErrFailed, or nil.
func (s *PostgresSink) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFailed, s.failErr)
}
