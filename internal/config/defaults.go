package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURLBase           = "wss://stream.bybit.com/v5/public/"
	DefaultWSURL               = DefaultWSURLBase + DefaultChannelType
	DefaultDepth               = 50
	DefaultChannelType         = "spot"
	DefaultRetryBudget         = 5
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultResyncBufferSize    = 10000
	DefaultStatusInterval      = 30 * time.Second
	DefaultOutputDir           = "data"
	DefaultQueueCapacity       = 10000
	DefaultBackpressureTimeout = 5 * time.Second
	DefaultFlushInterval       = 1 * time.Second
	DefaultFlushCount          = 1000
	DefaultSegmentMaxRecords   = 500000
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultLogLevel            = "info"
)

func (c *CollectorConfig) applyDefaults() {
	if c.Feed.ChannelType == "" {
		c.Feed.ChannelType = DefaultChannelType
	}
	// The channel type selects the public stream endpoint.
	if c.Feed.WSURL == "" {
		c.Feed.WSURL = DefaultWSURLBase + c.Feed.ChannelType
	}
	if c.Feed.Depth == 0 {
		c.Feed.Depth = DefaultDepth
	}

	if c.Run.RetryBudget == 0 {
		c.Run.RetryBudget = DefaultRetryBudget
	}
	if c.Run.ReconnectBaseDelay == 0 {
		c.Run.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Run.ReconnectMaxDelay == 0 {
		c.Run.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Run.ResyncBufferSize == 0 {
		c.Run.ResyncBufferSize = DefaultResyncBufferSize
	}
	if c.Run.StatusInterval == 0 {
		c.Run.StatusInterval = DefaultStatusInterval
	}

	if c.Sink.OutputDir == "" {
		c.Sink.OutputDir = DefaultOutputDir
	}
	if c.Sink.QueueCapacity == 0 {
		c.Sink.QueueCapacity = DefaultQueueCapacity
	}
	if c.Sink.BackpressureTimeout == 0 {
		c.Sink.BackpressureTimeout = DefaultBackpressureTimeout
	}
	if c.Sink.FlushInterval == 0 {
		c.Sink.FlushInterval = DefaultFlushInterval
	}
	if c.Sink.FlushCount == 0 {
		c.Sink.FlushCount = DefaultFlushCount
	}
	if c.Sink.SegmentMaxRecords == 0 {
		c.Sink.SegmentMaxRecords = DefaultSegmentMaxRecords
	}

	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultMinConns
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
