package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/bybit-data/internal/model"
)

// client implements Transport over a single Bybit v5 public WebSocket.
// A client is single-use: Connect, Subscribe, then Close. Reconnection
// creates a fresh client.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Write serialization
	writeMu sync.Mutex

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[string]chan opResponse

	// Output
	errors chan error
	done   chan struct{}

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool
	topic     string
	updates   chan model.Update
}

// NewClient creates a new Bybit WebSocket transport.
func NewClient(cfg ClientConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan opResponse),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and
// ping loops.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	c.logger.Info("connected", "url", c.cfg.URL)
	return nil
}

// Subscribe starts the order-book stream for a symbol.
func (c *client) Subscribe(ctx context.Context, symbol string, depth int) (<-chan model.Update, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	topic := fmt.Sprintf("orderbook.%d.%s", depth, symbol)
	ch := make(chan model.Update, c.cfg.BufferSize)
	c.topic = topic
	c.updates = ch
	c.mu.Unlock()

	if err := c.request(ctx, "subscribe", topic); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.logger.Info("subscribed", "topic", topic)
	return ch, nil
}

// Resync cycles the topic subscription so the venue re-sends a full
// snapshot. The update channel is unchanged.
func (c *client) Resync(ctx context.Context, symbol string) error {
	c.mu.RLock()
	topic := c.topic
	connected := c.connected
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if topic == "" {
		return ErrNotSubscribed
	}

	if err := c.request(ctx, "unsubscribe", topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	if err := c.request(ctx, "subscribe", topic); err != nil {
		return fmt.Errorf("resubscribe %s: %w", topic, err)
	}

	c.logger.Info("resynced", "topic", topic)
	return nil
}

// Errors returns the connection error channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close gracefully closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// readLoop reads and dispatches messages until the connection drops.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			c.handleReadError(err)
			return
		}

		// Op responses (subscribe acks, pongs) carry "op"; topic
		// messages carry "topic".
		var envelope struct {
			Op    string `json:"op"`
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("unparseable message", "error", err)
			continue
		}

		switch {
		case envelope.Op == "pong" || envelope.Op == "ping":
			// Keepalive replies need no handling.
		case envelope.Op != "":
			c.routeResponse(data)
		case envelope.Topic != "":
			c.handleTopicMessage(data, receivedAt)
		default:
			c.logger.Debug("skipping unknown message")
		}
	}
}

// handleReadError reports a connection loss and closes the update channel.
func (c *client) handleReadError(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.connected = false
	updates := c.updates
	c.updates = nil
	c.mu.Unlock()

	if updates != nil {
		close(updates)
	}
	if wasClosed {
		return
	}

	c.logger.Warn("connection lost", "error", err)
	select {
	case c.errors <- err:
	default:
	}
}

// handleTopicMessage decodes an order-book message and delivers it.
func (c *client) handleTopicMessage(data []byte, receivedAt time.Time) {
	update, err := parseOrderbookMessage(data, receivedAt)
	if err != nil {
		c.logger.Warn("failed to parse orderbook message", "error", err)
		return
	}

	c.mu.RLock()
	updates := c.updates
	c.mu.RUnlock()
	if updates == nil {
		return
	}

	// Delivery blocks rather than drops: downstream applies bounded
	// backpressure, so this wait is bounded too.
	select {
	case updates <- update:
	case <-c.done:
	}
}

// routeResponse delivers an op response to the waiting request.
func (c *client) routeResponse(data []byte) {
	var resp opResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("unparseable op response", "error", err)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ReqID]
	if ok {
		delete(c.pending, resp.ReqID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// request sends an op with a correlation ID and waits for its response.
func (c *client) request(ctx context.Context, op, topic string) error {
	reqID := uuid.NewString()
	respCh := make(chan opResponse, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(wsOp{ReqID: reqID, Op: op, Args: []string{topic}}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrAlreadyClosed
	case resp := <-respCh:
		if !resp.Success {
			return fmt.Errorf("%s rejected: %s", op, resp.RetMsg)
		}
		return nil
	}
}

// pingLoop keeps the connection alive with protocol-level pings.
func (c *client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(wsOp{Op: "ping"}); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// send writes a single op message with the configured write deadline.
func (c *client) send(op wsOp) error {
	c.mu.RLock()
	connected := c.conn != nil && c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(op)
}

// wsOp is a client-to-server command.
type wsOp struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// opResponse is a server acknowledgment for a command.
type opResponse struct {
	ReqID   string `json:"req_id"`
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// orderbookWire is the wire format for orderbook.{depth}.{symbol} messages.
type orderbookWire struct {
	Topic string `json:"topic"`
	Type  string `json:"type"` // "snapshot" or "delta"
	TS    int64  `json:"ts"`   // milliseconds
	Data  struct {
		Symbol   string     `json:"s"`
		Bids     [][]string `json:"b"` // [["price", "size"], ...]
		Asks     [][]string `json:"a"`
		UpdateID int64      `json:"u"`
		Seq      int64      `json:"seq"`
	} `json:"data"`
}

// parseOrderbookMessage converts a raw topic message into a model.Update.
func parseOrderbookMessage(data []byte, receivedAt time.Time) (model.Update, error) {
	var wire orderbookWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.Update{}, err
	}

	var updateType model.UpdateType
	switch wire.Type {
	case "snapshot":
		updateType = model.UpdateSnapshot
	case "delta":
		updateType = model.UpdateDelta
	default:
		return model.Update{}, fmt.Errorf("unknown orderbook message type %q", wire.Type)
	}

	bids, err := parseLevels(wire.Data.Bids)
	if err != nil {
		return model.Update{}, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := parseLevels(wire.Data.Asks)
	if err != nil {
		return model.Update{}, fmt.Errorf("parse asks: %w", err)
	}

	return model.Update{
		Symbol:     wire.Data.Symbol,
		Seq:        wire.Data.UpdateID,
		Type:       updateType,
		Bids:       bids,
		Asks:       asks,
		ExchangeTS: wire.TS * 1_000, // milliseconds → microseconds
		ReceivedAt: receivedAt,
	}, nil
}

// parseLevels converts [["50000.5", "1.25"], ...] to []model.PriceLevel.
func parseLevels(levels [][]string) ([]model.PriceLevel, error) {
	result := make([]model.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, fmt.Errorf("level has %d fields, want 2", len(level))
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", level[0], err)
		}
		size, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", level[1], err)
		}
		result = append(result, model.PriceLevel{Price: price, Size: size})
	}
	return result, nil
}
