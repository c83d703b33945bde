package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/bybit-data/internal/model"
)

// FileSink appends records to newline-delimited JSON segment files.
//
// The active segment is always plain NDJSON so that a crash leaves at
// worst one torn trailing record. Full segments rotate; rotated segments
// are optionally zstd-compressed in the background.
type FileSink struct {
	cfg    Config
	logger *slog.Logger
	runID  uuid.UUID

	queue *BoundedQueue[model.BufferedRecord]

	// Active segment. Guarded by fileMu; only the writer goroutine and
	// Flush/Stop touch these.
	fileMu         sync.Mutex
	file           *os.File
	bufw           *bufio.Writer
	segmentIndex   int
	segmentRecords int
	unflushed      int

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Failure latch: set once by the writer on a fatal storage error.
	failMu  sync.Mutex
	failErr error

	// Stats
	statsMu   sync.Mutex
	enqueued  int64
	written   int64
	flushes   int64
	rotations int64

	flushTicker *time.Ticker
}

// NewFileSink creates a FileSink for one collection run.
func NewFileSink(cfg Config, runID uuid.UUID, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		queue:  NewBoundedQueue[model.BufferedRecord](cfg.QueueCapacity),
	}
}

// Start opens the first segment and launches the writer goroutines.
func (s *FileSink) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.OutputDir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := s.openSegment(); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.flushTicker = time.NewTicker(s.cfg.FlushInterval)

	s.wg.Add(1)
	go s.writeLoop()
	s.wg.Add(1)
	go s.flushLoop()

	s.logger.Info("file sink started",
		"dir", s.cfg.OutputDir,
		"queue_capacity", s.cfg.QueueCapacity,
		"flush_interval", s.cfg.FlushInterval,
		"segment_max_records", s.cfg.SegmentMaxRecords,
	)
	return nil
}

// Stop stops accepting records, drains the queue to disk, and closes the
// active segment.
func (s *FileSink) Stop(ctx context.Context) error {
	s.logger.Info("stopping file sink", "queued", s.queue.Len())

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

	// Receive keeps handing out queued records after Close until the
	// queue is empty, so once the writer exits nothing is left behind.
	// Draining here instead would race the writer's in-flight record and
	// break arrival order.
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("file sink stop timed out", "unwritten", s.queue.Len())
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file != nil {
		if err := s.flushLocked(); err != nil {
			s.logger.Error("final flush failed", "error", err)
		}
		if err := s.file.Close(); err != nil {
			s.logger.Error("close segment failed", "error", err)
		}
		s.file = nil
	}

	s.logger.Info("file sink stopped", "written", s.Stats().Written)
	return nil
}

// Enqueue hands a record to the sink with bounded blocking.
func (s *FileSink) Enqueue(record model.BufferedRecord) error {
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

// Flush forces written-but-buffered records to durable storage. Queued
// records stay with the writer goroutine, the queue's only consumer, so
// arrival order is preserved.
func (s *FileSink) Flush() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.flushLocked()
}

// Stats returns current counters.
func (s *FileSink) Stats() Stats {
	failed := s.failure() != nil

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		Enqueued:   s.enqueued,
		Written:    s.written,
		Flushes:    s.flushes,
		Rotations:  s.rotations,
		QueueDepth: s.queue.Len(),
		Failed:     failed,
	}
}

// writeLoop drains the queue and appends records in arrival order.
func (s *FileSink) writeLoop() {
	defer s.wg.Done()

	for {
		record, ok := s.queue.Receive()
		if !ok {
			return
		}
		if err := s.writeRecord(record); err != nil {
			s.fail(err)
			return
		}
	}
}

// flushLoop flushes on the configured interval.
func (s *FileSink) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushTicker.C:
			s.fileMu.Lock()
			if s.file != nil && s.unflushed > 0 {
				if err := s.flushLocked(); err != nil {
					s.fileMu.Unlock()
					s.fail(err)
					return
				}
			}
			s.fileMu.Unlock()
		}
	}
}

// writeRecord appends one record to the active segment.
func (s *FileSink) writeRecord(record model.BufferedRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record seq %d: %w", record.Update.Seq, err)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.file == nil {
		return ErrClosed
	}

	if _, err := s.bufw.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.bufw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write record terminator: %w", err)
	}

	s.segmentRecords++
	s.unflushed++

	s.statsMu.Lock()
	s.written++
	s.statsMu.Unlock()

	if s.unflushed >= s.cfg.FlushCount {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}

	if s.segmentRecords >= s.cfg.SegmentMaxRecords {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// flushLocked flushes the buffered writer and syncs the file.
// Caller holds fileMu.
func (s *FileSink) flushLocked() error {
	if err := s.bufw.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	s.unflushed = 0

	s.statsMu.Lock()
	s.flushes++
	s.statsMu.Unlock()
	return nil
}

// openSegment creates the next active segment file.
func (s *FileSink) openSegment() error {
	path := s.segmentPath(s.segmentIndex)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}

	s.file = f
	s.bufw = bufio.NewWriter(f)
	s.segmentRecords = 0
	s.unflushed = 0

	s.logger.Debug("opened segment", "path", path)
	return nil
}

// rotateLocked closes the full segment and opens the next one.
// Caller holds fileMu.
func (s *FileSink) rotateLocked() error {
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}

	closedPath := s.segmentPath(s.segmentIndex)
	s.segmentIndex++
	if err := s.openSegment(); err != nil {
		return err
	}

	s.statsMu.Lock()
	s.rotations++
	s.statsMu.Unlock()

	s.logger.Info("rotated segment", "closed", closedPath, "index", s.segmentIndex)

	if s.cfg.Compress {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := compressSegment(closedPath); err != nil {
				s.logger.Error("segment compression failed", "path", closedPath, "error", err)
				return
			}
			s.logger.Debug("compressed segment", "path", closedPath+zstExt)
		}()
	}
	return nil
}

// segmentPath builds the path for a segment index.
func (s *FileSink) segmentPath(index int) string {
	name := fmt.Sprintf("bybit_%s_%s_orderbook_%d_%s_%06d.ndjson",
		strings.ToLower(s.cfg.ChannelType),
		strings.ToLower(s.cfg.Symbol),
		s.cfg.Depth,
		shortID(s.runID),
		index,
	)
	return filepath.Join(s.cfg.OutputDir, name)
}

// fail latches the first fatal storage error.
func (s *FileSink) fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr == nil {
		s.failErr = err
		s.logger.Error("file sink failed", "error", err)
	}
}

// failure returns the latched fatal error wrapped in ErrFailed, or nil.
func (s *FileSink) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFailed, s.failErr)
}

// shortID returns the first UUID group, enough to keep names readable.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
