package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/bybit-data/internal/book"
	"github.com/rickgao/bybit-data/internal/feed"
	"github.com/rickgao/bybit-data/internal/model"
	"github.com/rickgao/bybit-data/internal/sequencer"
	"github.com/rickgao/bybit-data/internal/sink"
)

// ErrTransportUnavailable is returned when the connect retry budget is
// exhausted without a successful subscription.
var ErrTransportUnavailable = errors.New("transport unavailable")

// TransportFactory builds a fresh transport for each connection attempt.
// Transports are single-use; reconnection replaces them.
type TransportFactory func() feed.Transport

// Coordinator orchestrates one collection run.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	runID  uuid.UUID

	newTransport TransportFactory
	sinks        []sink.Sink
	seq          *sequencer.Sequencer
	book         *book.Book

	// Lifecycle
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	drainCh    chan struct{}
	drainOnce  sync.Once
	finishOnce sync.Once
	stopped    chan struct{}
	started    time.Time

	// State
	stateMu   sync.Mutex
	state     State
	transport feed.Transport

	// Deltas held while awaiting the resync snapshot. Touched only by
	// the feed-delivery path.
	resyncBuf []model.Update

	// Counters
	countMu     sync.Mutex
	resyncs     int64
	dropped     int64
	drainReason string
	firstLogged bool
}

// New creates a Coordinator.
func New(cfg Config, runID uuid.UUID, newTransport TransportFactory, sinks []sink.Sink, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:          cfg,
		logger:       logger,
		runID:        runID,
		newTransport: newTransport,
		sinks:        sinks,
		seq:          sequencer.New(logger),
		book:         book.New(cfg.Symbol, cfg.Depth, logger),
		drainCh:      make(chan struct{}),
		stopped:      make(chan struct{}),
		state:        StateIdle,
	}
}

// Start launches the run. It returns once the sinks are up and the
// ingestion loop is running; completion is observable via Done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.stateMu.Lock()
	if c.state != StateIdle {
		c.stateMu.Unlock()
		return fmt.Errorf("start from state %s", c.state)
	}
	c.stateMu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = time.Now()

	for _, s := range c.sinks {
		if err := s.Start(c.ctx); err != nil {
			return fmt.Errorf("start sink: %w", err)
		}
	}

	group, gctx := errgroup.WithContext(c.ctx)
	c.group = group

	group.Go(func() error {
		return c.runLoop(gctx)
	})

	if c.cfg.Duration > 0 {
		group.Go(func() error {
			select {
			case <-gctx.Done():
			case <-c.drainCh:
			case <-time.After(c.cfg.Duration):
				c.requestDrain("duration elapsed")
			}
			return nil
		})
	}

	if c.cfg.StatusInterval > 0 {
		group.Go(func() error {
			c.statusLoop(gctx)
			return nil
		})
	}

	c.logger.Info("run started",
		"run_id", c.runID,
		"symbol", c.cfg.Symbol,
		"depth", c.cfg.Depth,
		"duration", c.cfg.Duration,
	)
	return nil
}

// Stop requests a graceful drain and waits for Stopped.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.requestDrain("external stop")

	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceStop requests a drain and flushes the sinks best-effort without
// waiting for the queues to empty.
func (c *Coordinator) ForceStop() {
	c.requestDrain("forced stop")
	for _, s := range c.sinks {
		if err := s.Flush(); err != nil {
			c.logger.Error("forced flush failed", "error", err)
		}
	}
	c.cancel()
}

// Done is closed once the run has reached Stopped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Status returns a point-in-time view of the run.
func (c *Coordinator) Status() Status {
	seqStats := c.seq.Stats()

	var queueDepth int
	var persisted int64
	if len(c.sinks) > 0 {
		stats := c.sinks[0].Stats()
		queueDepth = stats.QueueDepth
		persisted = stats.Written
	}

	c.countMu.Lock()
	resyncs := c.resyncs
	dropped := c.dropped
	c.countMu.Unlock()

	return Status{
		State:      c.currentState(),
		Accepted:   seqStats.Accepted,
		Duplicates: seqStats.Duplicates,
		Gaps:       seqStats.Gaps,
		Resyncs:    resyncs,
		Dropped:    dropped,
		LastSeq:    seqStats.LastSeq,
		QueueDepth: queueDepth,
		Persisted:  persisted,
		Started:    c.started,
	}
}

// CurrentSnapshot returns a copy of the applied book state.
func (c *Coordinator) CurrentSnapshot() model.BookSnapshot {
	return c.book.CurrentSnapshot()
}

// runLoop is the ingestion loop: connect, stream, reconnect on loss.
func (c *Coordinator) runLoop(ctx context.Context) error {
	defer c.finishDrain()

	for {
		updates, err := c.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportUnavailable) {
				c.logger.Error("retry budget exhausted", "budget", c.cfg.RetryBudget)
				c.requestDrain("transport unavailable")
				return err
			}
			// Drain requested or context cancelled during connect.
			c.requestDrain("cancelled")
			return nil
		}

		if reconnect := c.stream(ctx, updates); !reconnect {
			return nil
		}
		// Buffered deltas belong to the lost connection's sequence
		// epoch; the fresh connection re-bases on its own snapshot, so
		// replaying them would corrupt the cursor and the book.
		c.discardResyncBuf("connection lost")
		c.closeTransport()
	}
}

// connect dials and subscribes with bounded exponential backoff.
func (c *Coordinator) connect(ctx context.Context) (<-chan model.Update, error) {
	c.setState(StateConnecting)

	wait := c.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= c.cfg.RetryBudget; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.drainCh:
			return nil, errors.New("draining")
		default:
		}

		transport := c.newTransport()
		if err := transport.Connect(ctx); err != nil {
			c.logger.Warn("connect failed",
				"attempt", attempt,
				"budget", c.cfg.RetryBudget,
				"error", err,
			)
		} else {
			updates, err := transport.Subscribe(ctx, c.cfg.Symbol, c.cfg.Depth)
			if err == nil {
				c.stateMu.Lock()
				c.transport = transport
				c.stateMu.Unlock()
				return updates, nil
			}
			c.logger.Warn("subscribe failed",
				"attempt", attempt,
				"budget", c.cfg.RetryBudget,
				"error", err,
			)
			transport.Close()
		}

		if attempt == c.cfg.RetryBudget {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.drainCh:
			return nil, errors.New("draining")
		case <-time.After(wait):
		}

		wait *= 2
		if wait > c.cfg.ReconnectMaxDelay {
			wait = c.cfg.ReconnectMaxDelay
		}
	}

	return nil, ErrTransportUnavailable
}

// stream consumes updates until drain, cancellation, or connection loss.
// Returns true when the caller should reconnect.
func (c *Coordinator) stream(ctx context.Context, updates <-chan model.Update) bool {
	c.setState(StateStreaming)

	transport := c.currentTransport()

	for {
		select {
		case <-ctx.Done():
			return false

		case <-c.drainCh:
			return false

		case err := <-transport.Errors():
			c.logger.Warn("transport error, reconnecting", "error", err)
			return true

		case update, ok := <-updates:
			if !ok {
				c.logger.Warn("update stream closed, reconnecting")
				return true
			}
			if err := c.handleUpdate(ctx, update); err != nil {
				c.logger.Error("fatal ingestion error", "error", err)
				c.requestDrain("sink failure")
				return false
			}
		}
	}
}

// handleUpdate routes one update through sequencing, book application,
// and persistence. A non-nil return is fatal for the run.
func (c *Coordinator) handleUpdate(ctx context.Context, update model.Update) error {
	c.logFirst(update)

	switch c.seq.Observe(update) {
	case sequencer.VerdictDuplicate:
		return nil

	case sequencer.VerdictGap:
		c.enterResync(ctx, update)
		return nil
	}

	// Accepted.
	if update.Type == model.UpdateSnapshot {
		return c.handleSnapshot(update)
	}

	if c.currentState() == StateResyncing {
		c.bufferDelta(update)
		return nil
	}

	applied := c.applyToBook(update)
	return c.persist(update, applied)
}

// handleSnapshot applies a snapshot and replays any buffered deltas.
func (c *Coordinator) handleSnapshot(update model.Update) error {
	if err := c.book.Apply(update); err != nil {
		return fmt.Errorf("apply snapshot seq %d: %w", update.Seq, err)
	}
	if err := c.persist(update, true); err != nil {
		return err
	}

	if c.currentState() != StateResyncing {
		return nil
	}

	c.seq.Resynced()
	c.setState(StateStreaming)
	return c.replayBuffered()
}

// enterResync transitions to Resyncing and requests a fresh snapshot.
// The triggering update joins the buffer; it cannot be applied with
// intermediate updates missing.
func (c *Coordinator) enterResync(ctx context.Context, update model.Update) {
	alreadyResyncing := c.currentState() == StateResyncing
	c.setState(StateResyncing)
	c.bufferDelta(update)

	if alreadyResyncing {
		return
	}

	c.countMu.Lock()
	c.resyncs++
	c.countMu.Unlock()

	transport := c.currentTransport()
	if transport == nil {
		return
	}

	resyncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := transport.Resync(resyncCtx, c.cfg.Symbol); err != nil {
		// The reconnect path delivers a snapshot anyway if this failed
		// because the connection is going down.
		c.logger.Warn("resync request failed", "error", err)
	}
}

// bufferDelta holds a delta for replay after the resync snapshot.
// Overflow discards the oldest delta as an explicit, counted loss.
func (c *Coordinator) bufferDelta(update model.Update) {
	if len(c.resyncBuf) >= c.cfg.ResyncBufferSize {
		c.resyncBuf = c.resyncBuf[1:]
		c.countMu.Lock()
		c.dropped++
		c.countMu.Unlock()
		c.logger.Warn("resync buffer overflow, discarded oldest delta",
			"capacity", c.cfg.ResyncBufferSize,
		)
	}
	c.resyncBuf = append(c.resyncBuf, update)
}

// discardResyncBuf drops all buffered deltas as a counted, logged loss.
// Runs on the feed path only, like every other resyncBuf access.
func (c *Coordinator) discardResyncBuf(reason string) {
	n := len(c.resyncBuf)
	if n == 0 {
		return
	}
	c.resyncBuf = nil

	c.countMu.Lock()
	c.dropped += int64(n)
	c.countMu.Unlock()
	c.logger.Warn("discarded buffered deltas", "count", n, "reason", reason)
}

// replayBuffered re-observes buffered deltas in sequence order. Deltas
// the snapshot already covers come back as duplicates and drop out; a
// fresh gap inside the replay opens a new resync episode, and the
// remaining deltas re-enter the buffer via handleUpdate.
func (c *Coordinator) replayBuffered() error {
	buffered := c.resyncBuf
	c.resyncBuf = nil
	if len(buffered) == 0 {
		return nil
	}

	sort.Slice(buffered, func(i, j int) bool {
		return buffered[i].Seq < buffered[j].Seq
	})

	c.logger.Info("replaying buffered deltas", "count", len(buffered))
	for _, update := range buffered {
		if err := c.handleUpdate(c.ctx, update); err != nil {
			return err
		}
	}
	return nil
}

// applyToBook applies one delta, tolerating the no-base case: the raw
// update is still persisted, marked unapplied, while a snapshot is
// awaited.
func (c *Coordinator) applyToBook(update model.Update) bool {
	err := c.book.Apply(update)
	if err == nil {
		return true
	}
	if errors.Is(err, book.ErrNoBaseSnapshot) {
		c.logger.Debug("delta before base snapshot", "seq", update.Seq)
		return false
	}
	c.logger.Warn("book apply failed", "seq", update.Seq, "error", err)
	return false
}

// persist enqueues the record to every sink. Backpressure is a counted,
// logged loss; a failed sink is fatal for the run.
func (c *Coordinator) persist(update model.Update, applied bool) error {
	record := model.BufferedRecord{
		RunID:   c.runID,
		Update:  update,
		Applied: applied,
	}

	for _, s := range c.sinks {
		err := s.Enqueue(record)
		switch {
		case err == nil:

		case errors.Is(err, sink.ErrBackpressure):
			c.countMu.Lock()
			c.dropped++
			c.countMu.Unlock()
			c.logger.Warn("sink backpressure, record dropped",
				"seq", update.Seq,
				"queue_depth", s.Stats().QueueDepth,
			)

		case errors.Is(err, sink.ErrFailed), errors.Is(err, sink.ErrClosed):
			return fmt.Errorf("enqueue seq %d: %w", update.Seq, err)

		default:
			return fmt.Errorf("enqueue seq %d: %w", update.Seq, err)
		}
	}
	return nil
}

// finishDrain executes the drain exactly once: close the transport, stop
// accepting updates, flush the sinks fully, then mark Stopped.
func (c *Coordinator) finishDrain() {
	c.finishOnce.Do(func() {
		c.requestDrain("run loop exit")
		c.setState(StateDraining)

		c.countMu.Lock()
		reason := c.drainReason
		c.countMu.Unlock()
		c.logger.Info("draining", "reason", reason)

		c.discardResyncBuf("draining")
		c.closeTransport()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, s := range c.sinks {
			if err := s.Stop(stopCtx); err != nil {
				c.logger.Error("sink stop failed", "error", err)
			}
		}

		c.setState(StateStopped)
		close(c.stopped)
		c.cancel()

		c.logger.Info("run stopped", "run_id", c.runID)
	})
}

// requestDrain records the first drain trigger and signals the loops.
func (c *Coordinator) requestDrain(reason string) {
	c.drainOnce.Do(func() {
		c.countMu.Lock()
		c.drainReason = reason
		c.countMu.Unlock()
		close(c.drainCh)
	})
}

// statusLoop periodically logs run progress.
func (c *Coordinator) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.drainCh:
			return
		case <-ticker.C:
			status := c.Status()
			c.logger.Info("run status",
				"state", status.State.String(),
				"accepted", status.Accepted,
				"duplicates", status.Duplicates,
				"gaps", status.Gaps,
				"resyncs", status.Resyncs,
				"dropped", status.Dropped,
				"last_seq", status.LastSeq,
				"queue_depth", status.QueueDepth,
				"persisted", status.Persisted,
			)
		}
	}
}

// logFirst logs a sample of the first update received.
func (c *Coordinator) logFirst(update model.Update) {
	c.countMu.Lock()
	first := !c.firstLogged
	c.firstLogged = true
	c.countMu.Unlock()

	if first {
		c.logger.Info("first update received",
			"symbol", update.Symbol,
			"type", update.Type,
			"seq", update.Seq,
			"bids", len(update.Bids),
			"asks", len(update.Asks),
		)
	}
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	// Stopped is terminal and Draining only yields to Stopped.
	if c.state == StateStopped {
		return
	}
	if c.state == StateDraining && s != StateStopped {
		return
	}
	c.state = s
}

func (c *Coordinator) currentState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) currentTransport() feed.Transport {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.transport
}

func (c *Coordinator) closeTransport() {
	c.stateMu.Lock()
	transport := c.transport
	c.transport = nil
	c.stateMu.Unlock()

	if transport != nil {
		transport.Close()
	}
}
