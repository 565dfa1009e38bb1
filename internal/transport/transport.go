package transport

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
)

// ErrExhausted is returned by a finite Source after its last batch.
var ErrExhausted = errors.New("source exhausted")

// Batch is one cycle's worth of model output and market data.
type Batch struct {
	Rankings []decision.RankingSignal `json:"rankings"`
	Actions  []decision.PolicyAction  `json:"actions"`
	Quotes   []market.Quote           `json:"quotes,omitempty"`
	At       time.Time                `json:"at"`
	CycleID  string                   `json:"cycle_id,omitempty"`
}

// Empty reports whether the batch carries no signals.
func (b Batch) Empty() bool {
	return len(b.Rankings) == 0 && len(b.Actions) == 0
}

// Signals returns the batch as one signal stream, rankings first.
func (b Batch) Signals() []decision.Signal {
	out := make([]decision.Signal, 0, len(b.Rankings)+len(b.Actions))
	for _, r := range b.Rankings {
		out = append(out, r)
	}
	for _, a := range b.Actions {
		out = append(out, a)
	}
	return out
}

// Source yields signal batches. Next blocks until a batch is available or
// ctx is done.
type Source interface {
	Next(ctx context.Context) (Batch, error)
}

// ConnectionState represents the current state of a polling source.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config configures an HTTPSource.
type Config struct {
	BaseURL     string
	RankingPath string
	PolicyPath  string
	QuotesPath  string // optional
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}
