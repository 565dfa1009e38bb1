package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
)

// FillMode controls when the sim broker executes accepted orders.
type FillMode string

const (
	FillImmediate FillMode = "immediate" // filled in the acknowledgement
	FillDeferred  FillMode = "deferred"  // filled on Settle
)

// SimConfig configures a SimBroker.
type SimConfig struct {
	Name           string
	FillMode       FillMode
	SlippageBpsMin int
	SlippageBpsMax int
	Seed           int64
	Now            func() time.Time
}

// Outcome scripts the result of one PlaceOrder call.
type Outcome struct {
	Err    error
	Accept bool // record the order even though Err is returned
}

// FailTransient fails a call before the broker records anything.
func FailTransient() Outcome {
	return Outcome{Err: &TransientError{Op: "place_order", Err: context.DeadlineExceeded}}
}

// TimeoutAfterAccept records the order but loses the acknowledgement.
func TimeoutAfterAccept() Outcome {
	return Outcome{Err: &TransientError{Op: "place_order", Err: context.DeadlineExceeded}, Accept: true}
}

// Reject refuses a call definitively.
func Reject(code, msg string) Outcome {
	return Outcome{Err: &RejectError{Code: code, Message: msg}}
}

type simOrder struct {
	req       OrderRequest
	orderID   string
	filled    bool
	cancelled bool
	fillID    string
	fillPrice float64
}

// SimBroker is an in-process venue for paper trading and replay. It holds at
// most one order per idempotency key.
type SimBroker struct {
	mu      sync.Mutex
	cfg     SimConfig
	feed    *market.SimFeed
	rng     *rand.Rand
	script  []Outcome
	orders  map[string]*simOrder
	calls   int
	fills   chan Fill
	pending []string
}

func NewSimBroker(cfg SimConfig, feed *market.SimFeed) *SimBroker {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	if cfg.FillMode == "" {
		cfg.FillMode = FillImmediate
	}
	if cfg.SlippageBpsMax < cfg.SlippageBpsMin {
		cfg.SlippageBpsMax = cfg.SlippageBpsMin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SimBroker{
		cfg:    cfg,
		feed:   feed,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		orders: map[string]*simOrder{},
		fills:  make(chan Fill, 1024),
	}
}

func (s *SimBroker) Name() string { return s.cfg.Name }

// Script queues outcomes consumed by the next PlaceOrder calls in order.
func (s *SimBroker) Script(outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

// Fills delivers executions for deferred orders.
func (s *SimBroker) Fills() <-chan Fill { return s.fills }

// Calls is the number of PlaceOrder invocations.
func (s *SimBroker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Effects is the number of distinct orders the broker accepted.
func (s *SimBroker) Effects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *SimBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, &TransientError{Op: "place_order", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if existing, ok := s.orders[req.IdempotencyKey]; ok {
		return s.ackFor(existing, true), nil
	}

	var out Outcome
	if len(s.script) > 0 {
		out, s.script = s.script[0], s.script[1:]
	}
	if out.Err != nil && !out.Accept {
		return Ack{}, out.Err
	}
	if req.Quantity <= 0 {
		return Ack{}, &RejectError{Code: "INVALID_QTY", Message: fmt.Sprintf("quantity %d", req.Quantity)}
	}

	o := &simOrder{req: req, orderID: "SIM-" + uuid.NewString()[:8]}
	s.orders[req.IdempotencyKey] = o
	if s.cfg.FillMode == FillImmediate {
		s.execute(o)
	} else {
		s.pending = append(s.pending, req.IdempotencyKey)
	}
	if out.Err != nil {
		return Ack{}, out.Err
	}
	return s.ackFor(o, false), nil
}

func (s *SimBroker) ackFor(o *simOrder, dup bool) Ack {
	ack := Ack{IdempotencyKey: o.req.IdempotencyKey, BrokerOrderID: o.orderID, Duplicate: dup, At: s.cfg.Now()}
	if o.filled && s.cfg.FillMode == FillImmediate {
		ack.FilledQty = o.req.Quantity
		ack.FillPrice = o.fillPrice
		ack.FillID = o.fillID
	}
	return ack
}

// execute fills o at the reference price moved against the order by a random
// slippage within the configured band.
func (s *SimBroker) execute(o *simOrder) {
	price := o.req.Price
	if s.feed != nil {
		if q, err := s.feed.Peek(o.req.Symbol, s.cfg.Now()); err == nil && q.Last > 0 {
			price = q.Last
		}
	}
	slippageBps := s.cfg.SlippageBpsMin
	if span := s.cfg.SlippageBpsMax - s.cfg.SlippageBpsMin; span > 0 {
		slippageBps += s.rng.Intn(span + 1)
	}
	mult := 1.0 + float64(slippageBps)/10000.0
	if o.req.Side == decision.SideBuy {
		price *= mult
	} else {
		price /= mult
	}
	o.filled = true
	o.fillPrice = price
	o.fillID = o.orderID + "-F1"
}

// Settle fills all open deferred orders and publishes the fills.
func (s *SimBroker) Settle() []Fill {
	s.mu.Lock()
	keys := s.pending
	s.pending = nil
	sort.Strings(keys)
	var out []Fill
	for _, k := range keys {
		o := s.orders[k]
		if o == nil || o.cancelled || o.filled {
			continue
		}
		s.execute(o)
		out = append(out, Fill{
			IdempotencyKey: k,
			FillID:         o.fillID,
			BrokerOrderID:  o.orderID,
			Account:        o.req.Account,
			Symbol:         o.req.Symbol,
			Side:           o.req.Side,
			Quantity:       o.req.Quantity,
			Price:          o.fillPrice,
			At:             s.cfg.Now(),
		})
	}
	s.mu.Unlock()

	for _, f := range out {
		select {
		case s.fills <- f:
		default:
		}
	}
	return out
}

func (s *SimBroker) CancelOrder(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[key]
	if !ok {
		return fmt.Errorf("cancel %s: %w", key, ErrUnknownOrder)
	}
	if o.filled {
		return fmt.Errorf("cancel %s: %w", key, ErrNotCancelable)
	}
	o.cancelled = true
	return nil
}

func (s *SimBroker) GetQuote(_ context.Context, symbol string) (market.Quote, error) {
	if s.feed == nil {
		return market.Quote{}, ErrNoQuote
	}
	q, err := s.feed.Quote(symbol, s.cfg.Now())
	if err != nil {
		return market.Quote{}, errors.Join(ErrNoQuote, err)
	}
	return q, nil
}
