package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *CollectorConfig) Validate() error {
	if c.Feed.Symbol == "" {
		return errors.New("feed.symbol is required")
	}
	switch c.Feed.Depth {
	case 1, 50, 200, 500:
	default:
		return fmt.Errorf("feed.depth must be one of 1, 50, 200, 500, got %d", c.Feed.Depth)
	}
	if c.Feed.ChannelType != "spot" && c.Feed.ChannelType != "linear" {
		return fmt.Errorf("feed.channel_type must be spot or linear, got %q", c.Feed.ChannelType)
	}

	if c.Run.Duration < 0 {
		return errors.New("run.duration must be >= 0")
	}
	if c.Run.RetryBudget < 1 {
		return errors.New("run.retry_budget must be >= 1")
	}
	if c.Run.ReconnectBaseDelay > c.Run.ReconnectMaxDelay {
		return fmt.Errorf("run.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Run.ReconnectBaseDelay, c.Run.ReconnectMaxDelay)
	}
	if c.Run.ResyncBufferSize < 1 {
		return errors.New("run.resync_buffer_size must be >= 1")
	}

	if c.Sink.QueueCapacity < 1 {
		return errors.New("sink.queue_capacity must be >= 1")
	}
	if c.Sink.BackpressureTimeout <= 0 {
		return errors.New("sink.backpressure_timeout must be > 0")
	}
	if c.Sink.FlushCount < 1 {
		return errors.New("sink.flush_count must be >= 1")
	}
	if c.Sink.SegmentMaxRecords < 1 {
		return errors.New("sink.segment_max_records must be >= 1")
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	return nil
}

func (db *DatabaseConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
