package broker

import (
	"context"
	"time"

	"github.com/Rajchodisetti/mlstock/internal/decision"
	"github.com/Rajchodisetti/mlstock/internal/market"
)

// Order types understood by the REST broker.
const (
	OrderTypeLimit  = "00"
	OrderTypeMarket = "01"
)

// OrderRequest is what the gateway sends to a broker. IdempotencyKey is
// forwarded so the broker can collapse retries of the same intent.
type OrderRequest struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Account        string        `json:"account"`
	Symbol         string        `json:"symbol"`
	Side           decision.Side `json:"side"`
	Quantity       int64         `json:"quantity"`
	Price          float64       `json:"price"`
	OrderType      string        `json:"order_type"`
}

// Ack is a broker acknowledgement. A broker that fills synchronously reports
// the execution in FilledQty/FillPrice.
type Ack struct {
	IdempotencyKey string    `json:"idempotency_key"`
	BrokerOrderID  string    `json:"broker_order_id"`
	Duplicate      bool      `json:"duplicate"` // the key was already known to the broker
	FilledQty      int64     `json:"filled_qty"`
	FillPrice      float64   `json:"fill_price"`
	FillID         string    `json:"fill_id,omitempty"`
	At             time.Time `json:"at"`
}

// Fill is an execution report delivered asynchronously.
type Fill struct {
	IdempotencyKey string        `json:"idempotency_key"`
	FillID         string        `json:"fill_id"`
	BrokerOrderID  string        `json:"broker_order_id"`
	Account        string        `json:"account"`
	Symbol         string        `json:"symbol"`
	Side           decision.Side `json:"side"`
	Quantity       int64         `json:"quantity"`
	Price          float64       `json:"price"`
	At             time.Time     `json:"at"`
}

// Broker submits orders to an execution venue.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	CancelOrder(ctx context.Context, idempotencyKey string) error
	GetQuote(ctx context.Context, symbol string) (market.Quote, error)
}
