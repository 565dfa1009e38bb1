package decision

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/mlstock/internal/market"
)

// Skip reasons for symbols that produced no order in a cycle.
const (
	SkipHold               = "hold"
	SkipRankingOnly        = "ranking_only"
	SkipNoRanking          = "no_ranking"
	SkipBelowThreshold     = "below_threshold"
	SkipVersionDiscontinue = "model_version_discontinuity"
	SkipMalformed          = "malformed_signal"
	SkipStaleQuote         = "stale_quote"
	SkipZeroQuantity       = "zero_quantity"
)

// Inputs is everything besides the signals that fusion depends on. It is
// passed by value so that a cycle can be replayed exactly.
type Inputs struct {
	Equity       float64
	Quotes       market.Book
	Now          time.Time
	BuyThreshold float64
	MaxQuoteAge  time.Duration
	LotSizes     map[string]int64
	DefaultLot   int64
}

// Skip explains why a symbol produced no order.
type Skip struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Result is the outcome of one fusion cycle. Orders and Skipped are sorted by
// symbol.
type Result struct {
	CycleID string
	Orders  []ProposedOrder
	Skipped []Skip
}

// StaleQuoteError is returned when no recent, valid quote exists to price an
// order.
type StaleQuoteError struct {
	Symbol  string
	Age     time.Duration
	MaxAge  time.Duration
	Missing bool
	Invalid error
}

func (e *StaleQuoteError) Error() string {
	switch {
	case e.Missing:
		return fmt.Sprintf("stale quote for %s: no quote", e.Symbol)
	case e.Invalid != nil:
		return fmt.Sprintf("stale quote for %s: %v", e.Symbol, e.Invalid)
	default:
		return fmt.Sprintf("stale quote for %s: age %s exceeds %s", e.Symbol, e.Age, e.MaxAge)
	}
}

// MalformedSignalError marks inputs that break the collaborator contract.
type MalformedSignalError struct {
	Symbol string
	Detail string
}

func (e *MalformedSignalError) Error() string {
	return fmt.Sprintf("malformed signal for %s: %s", e.Symbol, e.Detail)
}

type joined struct {
	ranking    *RankingSignal
	actions    []PolicyAction
	discontinu bool
}

// Fuse joins ranking scores and policy actions by symbol and derives at most
// one ProposedOrder per symbol. Policy actions decide entry and exit; a
// ranking alone never produces an order. SELL/REDUCE pass regardless of
// score, BUY requires a same-version ranking above BuyThreshold.
func Fuse(rankings []RankingSignal, actions []PolicyAction, cycleID string, in Inputs) Result {
	res := Result{CycleID: cycleID}
	refVersion := referenceVersion(rankings)

	bySym := map[string]*joined{}
	get := func(sym string) *joined {
		j, ok := bySym[sym]
		if !ok {
			j = &joined{}
			bySym[sym] = j
		}
		return j
	}

	for i := range rankings {
		r := rankings[i]
		r.Symbol = market.NormalizeSymbol(r.Symbol)
		if r.Symbol == "" || math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
			continue
		}
		j := get(r.Symbol)
		if r.ModelVersion != refVersion {
			j.discontinu = true
			continue
		}
		if j.ranking == nil || newerRanking(r, *j.ranking) {
			rr := r
			j.ranking = &rr
		}
	}
	for _, a := range actions {
		a.Symbol = market.NormalizeSymbol(a.Symbol)
		if a.Symbol == "" {
			continue
		}
		j := get(a.Symbol)
		j.actions = append(j.actions, a)
	}

	symbols := make([]string, 0, len(bySym))
	for s := range bySym {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		j := bySym[sym]
		order, skip := fuseSymbol(sym, j, cycleID, in)
		if skip != nil {
			res.Skipped = append(res.Skipped, *skip)
			continue
		}
		res.Orders = append(res.Orders, order)
	}
	return res
}

// FuseSignals fuses a mixed stream of rankings and policy actions.
func FuseSignals(signals []Signal, cycleID string, in Inputs) Result {
	rankings, actions := Split(signals)
	return Fuse(rankings, actions, cycleID, in)
}

func fuseSymbol(sym string, j *joined, cycleID string, in Inputs) (ProposedOrder, *Skip) {
	if len(j.actions) == 0 {
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipRankingOnly}
	}
	if len(j.actions) > 1 {
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipMalformed,
			Err: &MalformedSignalError{Symbol: sym, Detail: fmt.Sprintf("%d policy actions in one cycle", len(j.actions))}}
	}
	act := j.actions[0]
	if !act.Action.Valid() {
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipMalformed,
			Err: &MalformedSignalError{Symbol: sym, Detail: fmt.Sprintf("unknown action %q", act.Action)}}
	}
	if math.IsNaN(act.TargetWeight) || act.TargetWeight < 0 || act.TargetWeight > 1 {
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipMalformed,
			Err: &MalformedSignalError{Symbol: sym, Detail: fmt.Sprintf("target_weight %v outside [0,1]", act.TargetWeight)}}
	}

	rat := Rationale{
		PolicyAction:  act.Action,
		PolicyVersion: act.PolicyVersion,
		TargetWeight:  act.TargetWeight,
	}
	if j.ranking != nil {
		rat.HasRanking = true
		rat.RankingScore = j.ranking.Score
		rat.ModelVersion = j.ranking.ModelVersion
	}

	var side Side
	switch act.Action {
	case ActionHold:
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipHold}
	case ActionSell, ActionReduce:
		side = SideSell
	case ActionBuy:
		if j.ranking == nil {
			if j.discontinu {
				return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipVersionDiscontinue}
			}
			return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipNoRanking}
		}
		if !(j.ranking.Score > in.BuyThreshold) {
			return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipBelowThreshold}
		}
		side = SideBuy
	}

	price, err := priceHint(sym, in)
	if err != nil {
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipStaleQuote, Err: err}
	}

	qty := deriveQuantity(act.TargetWeight, in.Equity, price, lotSize(sym, in))
	if qty <= 0 {
		return ProposedOrder{}, &Skip{Symbol: sym, Reason: SkipZeroQuantity}
	}

	return ProposedOrder{
		Symbol:    sym,
		Side:      side,
		Quantity:  qty,
		PriceHint: price,
		Rationale: rat,
		CycleID:   cycleID,
	}, nil
}

func priceHint(sym string, in Inputs) (float64, error) {
	q, ok := in.Quotes.Get(sym)
	if !ok {
		return 0, &StaleQuoteError{Symbol: sym, Missing: true}
	}
	if err := market.ValidateQuote(q, in.Now); err != nil {
		return 0, &StaleQuoteError{Symbol: sym, Invalid: err}
	}
	if q.IsStale(in.Now, in.MaxQuoteAge) {
		return 0, &StaleQuoteError{Symbol: sym, Age: q.Age(in.Now), MaxAge: in.MaxQuoteAge}
	}
	if q.Last > 0 {
		return q.Last, nil
	}
	return q.Mid(), nil
}

func lotSize(sym string, in Inputs) int64 {
	if lot, ok := in.LotSizes[sym]; ok && lot > 0 {
		return lot
	}
	if in.DefaultLot > 0 {
		return in.DefaultLot
	}
	return 1
}

// deriveQuantity computes target_weight × equity / price rounded down to a
// whole number of lots.
func deriveQuantity(weight, equity, price float64, lot int64) int64 {
	if weight <= 0 || equity <= 0 || price <= 0 || lot <= 0 {
		return 0
	}
	lotD := decimal.NewFromInt(lot)
	raw := decimal.NewFromFloat(weight).
		Mul(decimal.NewFromFloat(equity)).
		Div(decimal.NewFromFloat(price))
	return raw.Div(lotD).Floor().Mul(lotD).IntPart()
}

// referenceVersion picks the model version of the newest ranking; scores from
// other versions are not comparable with it.
func referenceVersion(rankings []RankingSignal) string {
	var ref string
	var refAt time.Time
	found := false
	for _, r := range rankings {
		if !found || r.GeneratedAt.After(refAt) || (r.GeneratedAt.Equal(refAt) && r.ModelVersion > ref) {
			ref, refAt, found = r.ModelVersion, r.GeneratedAt, true
		}
	}
	return ref
}

func newerRanking(a, b RankingSignal) bool {
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.After(b.GeneratedAt)
	}
	return a.Score > b.Score
}
