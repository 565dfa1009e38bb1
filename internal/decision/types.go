package decision

import (
	"time"
)

type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionHold   Action = "HOLD"
	ActionReduce Action = "REDUCE"
)

// Valid reports whether a is one of the known policy actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionReduce:
		return true
	}
	return false
}

// RiskReducing is true for actions that shrink exposure.
func (a Action) RiskReducing() bool {
	return a == ActionSell || a == ActionReduce
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// RankingSignal is one score from the supervised ranking model.
type RankingSignal struct {
	Symbol       string    `json:"symbol"`
	Score        float64   `json:"score"`
	GeneratedAt  time.Time `json:"generated_at"`
	ModelVersion string    `json:"model_version"`
}

// PolicyAction is one per-symbol action from the RL policy.
type PolicyAction struct {
	Symbol        string    `json:"symbol"`
	Action        Action    `json:"action"`
	TargetWeight  float64   `json:"target_weight"` // [0..1] of account equity
	GeneratedAt   time.Time `json:"generated_at"`
	PolicyVersion string    `json:"policy_version"`
}

// Signal is either a RankingSignal or a PolicyAction. The unexported method
// closes the set.
type Signal interface {
	signalSymbol() string
}

func (r RankingSignal) signalSymbol() string { return r.Symbol }
func (p PolicyAction) signalSymbol() string  { return p.Symbol }

// Split separates a mixed signal stream into the two fusion inputs.
func Split(signals []Signal) ([]RankingSignal, []PolicyAction) {
	var rankings []RankingSignal
	var actions []PolicyAction
	for _, s := range signals {
		switch v := s.(type) {
		case RankingSignal:
			rankings = append(rankings, v)
		case *RankingSignal:
			if v != nil {
				rankings = append(rankings, *v)
			}
		case PolicyAction:
			actions = append(actions, v)
		case *PolicyAction:
			if v != nil {
				actions = append(actions, *v)
			}
		}
	}
	return rankings, actions
}

// Rationale records which inputs produced an order.
type Rationale struct {
	RankingScore  float64 `json:"ranking_score"`
	HasRanking    bool    `json:"has_ranking"`
	ModelVersion  string  `json:"model_version,omitempty"`
	PolicyAction  Action  `json:"policy_action"`
	PolicyVersion string  `json:"policy_version,omitempty"`
	TargetWeight  float64 `json:"target_weight"`
}

// ProposedOrder is the output of one fusion cycle for one symbol.
type ProposedOrder struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  int64     `json:"quantity"`
	PriceHint float64   `json:"price_hint"`
	Rationale Rationale `json:"rationale"`
	CycleID   string    `json:"cycle_id"`
}

// Notional is quantity × price hint.
func (o ProposedOrder) Notional() float64 {
	return float64(o.Quantity) * o.PriceHint
}

// SignedNotional is positive for buys and negative for sells.
func (o ProposedOrder) SignedNotional() float64 {
	return o.Side.Sign() * o.Notional()
}
