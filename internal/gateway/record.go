package gateway

import (
	"time"

	"github.com/Rajchodisetti/mlstock/internal/decision"
)

// Status is the lifecycle state of an order submission.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAcked    Status = "ACKED"
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether no further status change is expected from the
// submission path. A late fill can still move FAILED to FILLED.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusFailed
}

// Failure reasons recorded on FAILED orders.
const (
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonCancelledBeforeAck = "cancelled_before_ack"
	ReasonContextDone        = "context_done"
	ReasonBrokerError        = "broker_error"
	ReasonStoreError         = "store_error"
)

// OrderRecord is the gateway's view of one order intent. The gateway is the
// only writer of Status.
type OrderRecord struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Account        string                 `json:"account"`
	Order          decision.ProposedOrder `json:"order"`
	Attempts       int                    `json:"attempts"`
	Status         Status                 `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
	BrokerOrderID  string                 `json:"broker_order_id,omitempty"`
	Mode           string                 `json:"mode"`
	FilledQty      int64                  `json:"filled_qty"`
	FillPrice      float64                `json:"fill_price"`
	FillIDs        []string               `json:"fill_ids,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (r OrderRecord) hasFill(id string) bool {
	for _, f := range r.FillIDs {
		if f == id {
			return true
		}
	}
	return false
}
