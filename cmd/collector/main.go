package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/bybit-data/internal/config"
	"github.com/rickgao/bybit-data/internal/database"
	"github.com/rickgao/bybit-data/internal/feed"
	"github.com/rickgao/bybit-data/internal/run"
	"github.com/rickgao/bybit-data/internal/sink"
	"github.com/rickgao/bybit-data/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/collector.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting collector",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	logger.Info("configuration loaded",
		"ws_url", cfg.Feed.WSURL,
		"symbol", cfg.Feed.Symbol,
		"depth", cfg.Feed.Depth,
		"duration", cfg.Run.Duration,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID := uuid.New()
	logger.Info("run identity assigned", "run_id", runID)

	// Durable sinks: file always, Postgres when configured
	sinkCfg := sink.Config{
		OutputDir:           cfg.Sink.OutputDir,
		Symbol:              cfg.Feed.Symbol,
		ChannelType:         cfg.Feed.ChannelType,
		Depth:               cfg.Feed.Depth,
		QueueCapacity:       cfg.Sink.QueueCapacity,
		BackpressureTimeout: cfg.Sink.BackpressureTimeout,
		FlushInterval:       cfg.Sink.FlushInterval,
		FlushCount:          cfg.Sink.FlushCount,
		SegmentMaxRecords:   cfg.Sink.SegmentMaxRecords,
		Compress:            cfg.Sink.Compress,
	}
	sinks := []sink.Sink{sink.NewFileSink(sinkCfg, runID, logger)}

	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")

		sinks = append(sinks, sink.NewPostgresSink(sinkCfg, runID, pool, logger))
	}

	// Transport factory: a fresh websocket client per connection attempt
	clientCfg := feed.DefaultClientConfig()
	clientCfg.URL = cfg.Feed.WSURL
	newTransport := func() feed.Transport {
		return feed.NewClient(clientCfg, logger)
	}

	runCfg := run.Config{
		Symbol:             cfg.Feed.Symbol,
		Depth:              cfg.Feed.Depth,
		Duration:           cfg.Run.Duration,
		RetryBudget:        cfg.Run.RetryBudget,
		ReconnectBaseDelay: cfg.Run.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Run.ReconnectMaxDelay,
		ResyncBufferSize:   cfg.Run.ResyncBufferSize,
		StatusInterval:     cfg.Run.StatusInterval,
	}
	coordinator := run.New(runCfg, runID, newTransport, sinks, logger)

	if err := coordinator.Start(ctx); err != nil {
		logger.Error("failed to start run", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals: first is graceful, second forces
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)

		go func() {
			sig := <-sigCh
			logger.Warn("second signal, forcing stop", "signal", sig)
			coordinator.ForceStop()
		}()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer stopCancel()
		if err := coordinator.Stop(stopCtx); err != nil {
			logger.Error("graceful stop failed", "error", err)
			coordinator.ForceStop()
		}

	case <-coordinator.Done():
		// Duration elapsed or the run drained on its own.
	}

	status := coordinator.Status()
	logger.Info("collector stopped",
		"accepted", status.Accepted,
		"duplicates", status.Duplicates,
		"gaps", status.Gaps,
		"resyncs", status.Resyncs,
		"dropped", status.Dropped,
		"persisted", status.Persisted,
		"elapsed", time.Since(status.Started).Round(time.Second),
	)
}

// logLevel maps the configured level name to a slog level.
func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
