package sink

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/bybit-data/internal/model"
)

// Errors
var (
	// ErrBackpressure is returned when the queue stays full past the
	// configured enqueue timeout. Data loss is the caller's explicit
	// decision, never the sink's.
	ErrBackpressure = errors.New("sink backpressure")

	// ErrClosed is returned after the sink has stopped accepting records.
	ErrClosed = errors.New("sink closed")

	// ErrFailed is returned once the background writer has hit a fatal
	// storage error. The wrapped cause is available via errors.Unwrap.
	ErrFailed = errors.New("sink failed")
)

// Sink is a bounded, backpressured durable writer.
type Sink interface {
	// Start launches the background writer.
	Start(ctx context.Context) error

	// Stop drains the queue, flushes, and releases resources.
	Stop(ctx context.Context) error

	// Enqueue hands a record to the sink, blocking up to the configured
	// backpressure timeout when the queue is full.
	Enqueue(record model.BufferedRecord) error

	// Flush forces pending records to durable storage.
	Flush() error

	// Stats returns current counters.
	Stats() Stats
}

// Stats contains sink counters.
type Stats struct {
	Enqueued   int64
	Written    int64
	Flushes    int64
	Rotations  int64
	QueueDepth int
	Failed     bool
}

// Config holds sink settings shared by backends.
type Config struct {
	OutputDir           string
	Symbol              string
	ChannelType         string
	Depth               int
	QueueCapacity       int
	BackpressureTimeout time.Duration
	FlushInterval       time.Duration
	FlushCount          int
	SegmentMaxRecords   int
	Compress            bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutputDir:           "data",
		ChannelType:         "spot",
		Depth:               50,
		QueueCapacity:       10000,
		BackpressureTimeout: 5 * time.Second,
		FlushInterval:       1 * time.Second,
		FlushCount:          1000,
		SegmentMaxRecords:   500000,
	}
}
