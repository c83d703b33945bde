package config

import "time"

// CollectorConfig is the root configuration for a collector run.
type CollectorConfig struct {
	Feed     FeedConfig     `yaml:"feed"`
	Run      RunConfig      `yaml:"run"`
	Sink     SinkConfig     `yaml:"sink"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// FeedConfig holds venue stream settings.
type FeedConfig struct {
	WSURL       string `yaml:"ws_url"`       // e.g. wss://stream.bybit.com/v5/public/spot
	Symbol      string `yaml:"symbol"`       // e.g. BTCUSDT
	Depth       int    `yaml:"depth"`        // orderbook depth: 1, 50, 200, 500
	ChannelType string `yaml:"channel_type"` // "spot" or "linear"
}

// RunConfig holds lifecycle settings.
type RunConfig struct {
	Duration           time.Duration `yaml:"duration"`             // 0 = run until cancelled
	RetryBudget        int           `yaml:"retry_budget"`         // connect attempts before giving up
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"` // first backoff step
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`  // backoff ceiling
	ResyncBufferSize   int           `yaml:"resync_buffer_size"`   // deltas held while awaiting snapshot
	StatusInterval     time.Duration `yaml:"status_interval"`      // periodic status log cadence, 0 = off
}

// SinkConfig holds durable sink settings.
type SinkConfig struct {
	OutputDir           string        `yaml:"output_dir"`
	QueueCapacity       int           `yaml:"queue_capacity"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout"` // max enqueue wait when queue is full
	FlushInterval       time.Duration `yaml:"flush_interval"`       // time-based flush bound
	FlushCount          int           `yaml:"flush_count"`          // count-based flush bound
	SegmentMaxRecords   int           `yaml:"segment_max_records"`  // records per segment before rotation
	Compress            bool          `yaml:"compress"`             // zstd-compress rotated segments
}

// DatabaseConfig holds the optional Postgres archive settings.
// The archive is enabled when Host is non-empty.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether the Postgres archive is configured.
func (db DatabaseConfig) Enabled() bool {
	return db.Host != ""
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
