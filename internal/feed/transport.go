package feed

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/bybit-data/internal/model"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrNotSubscribed = errors.New("not subscribed")
)

// Transport delivers decoded order-book updates from the venue.
type Transport interface {
	// Connect establishes the WebSocket connection.
	Connect(ctx context.Context) error

	// Subscribe starts the order-book stream for a symbol and returns the
	// update channel. The channel is closed when the connection drops or
	// the transport is closed.
	Subscribe(ctx context.Context, symbol string, depth int) (<-chan model.Update, error)

	// Resync forces the venue to re-send a full snapshot by cycling the
	// topic subscription. Used for gap recovery.
	Resync(ctx context.Context, symbol string) error

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool

	// Close gracefully closes the connection.
	Close() error
}

// ClientConfig configures the Bybit WebSocket transport.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://stream.bybit.com/v5/public/spot)
	PingInterval time.Duration // Interval between protocol pings
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Update channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:          "wss://stream.bybit.com/v5/public/spot",
		PingInterval: 20 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}
