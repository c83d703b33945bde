package run

import "time"

// State is the coordinator lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateResyncing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateResyncing:
		return "resyncing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the collection run.
type Status struct {
	State      State
	Accepted   int64
	Duplicates int64
	Gaps       int64
	Resyncs    int64
	Dropped    int64 // explicit data-loss events (resync buffer + backpressure)
	LastSeq    int64
	QueueDepth int
	Persisted  int64
	Started    time.Time
}

// Config holds coordinator settings.
type Config struct {
	Symbol             string
	Depth              int
	Duration           time.Duration // 0 = run until cancelled
	RetryBudget        int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ResyncBufferSize   int
	StatusInterval     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Depth:              50,
		RetryBudget:        5,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		ResyncBufferSize:   10000,
		StatusInterval:     30 * time.Second,
	}
}
