package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/mlstock/internal/decision"
)

// Reason is a guardrail reason code.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidOrder     Reason = "InvalidOrder"
	ReasonDailyLoss        Reason = "DailyLossLimit"
	ReasonPositionLimit    Reason = "PositionLimit"
	ReasonCooldown         Reason = "CooldownActive"
	ReasonOrderRate        Reason = "OrderRateLimit"
	ReasonSlippage         Reason = "SlippageBand"
	ReasonAccountSuspended Reason = "AccountSuspended"
	ReasonMaxPositions     Reason = "MaxOpenPositions"
)

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Gate    string `json:"gate,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// MarketView is the market and account context an order is checked against.
type MarketView struct {
	Equity float64
	Mid    float64 // last known mid for the order's symbol
	Now    time.Time
}

type gate struct {
	name  string
	check func(o decision.ProposedOrder, s RiskState, l Limits, m MarketView) (Reason, string)
}

// gates run in this order and the first failure wins, so loss limits are
// always reported ahead of rate or price checks.
var gates = []gate{
	{"order_shape", checkOrderShape},
	{"daily_loss", checkDailyLoss},
	{"position_size", checkPositionSize},
	{"position_count", checkPositionCount},
	{"order_rate", checkOrderRate},
	{"price_band", checkPriceBand},
}

// Evaluate runs the guardrails against a snapshot. It never mutates state and
// behaves the same in PAPER and LIVE.
func Evaluate(order decision.ProposedOrder, state RiskState, limits Limits, mkt MarketView) Verdict {
	for _, g := range gates {
		if reason, detail := g.check(order, state, limits, mkt); reason != ReasonNone {
			return Verdict{Allowed: false, Gate: g.name, Reason: reason, Detail: detail}
		}
	}
	return Verdict{Allowed: true}
}

// ImpliedLoss is the additional loss an order could plausibly book today. A
// buy risks StopLossPct of its notional; a sell risks its slippage budget.
func ImpliedLoss(order decision.ProposedOrder, limits Limits) float64 {
	notional := order.Notional()
	if order.Side == decision.SideSell {
		return notional * limits.MaxSlippageBps / 10000
	}
	return notional * limits.StopLossPct
}

func checkOrderShape(o decision.ProposedOrder, _ RiskState, _ Limits, m MarketView) (Reason, string) {
	switch {
	case o.Quantity <= 0:
		return ReasonInvalidOrder, fmt.Sprintf("quantity %d", o.Quantity)
	case o.PriceHint <= 0 || math.IsNaN(o.PriceHint):
		return ReasonInvalidOrder, fmt.Sprintf("price_hint %.4f", o.PriceHint)
	case m.Equity <= 0:
		return ReasonInvalidOrder, fmt.Sprintf("account equity %.2f", m.Equity)
	case o.Side != decision.SideBuy && o.Side != decision.SideSell:
		return ReasonInvalidOrder, fmt.Sprintf("side %q", o.Side)
	}
	return ReasonNone, ""
}

func checkDailyLoss(o decision.ProposedOrder, s RiskState, l Limits, m MarketView) (Reason, string) {
	pnl := s.DailyPnL()
	if pnl < -l.MaxDailyLoss {
		return ReasonDailyLoss, fmt.Sprintf("daily pnl %.2f below -%.2f", pnl, l.MaxDailyLoss)
	}
	if l.IntradayDrawdownPct > 0 && m.Equity > 0 && pnl/m.Equity <= -l.IntradayDrawdownPct {
		return ReasonDailyLoss, fmt.Sprintf("intraday drawdown %.2f%% at or beyond -%.2f%%", pnl/m.Equity*100, l.IntradayDrawdownPct*100)
	}
	projected := pnl - ImpliedLoss(o, l)
	if projected < -l.MaxDailyLoss {
		return ReasonDailyLoss, fmt.Sprintf("projected daily pnl %.2f below -%.2f", projected, l.MaxDailyLoss)
	}
	return ReasonNone, ""
}

// Buys are capped by symbol weight. A sell may only close what is held and
// not already committed to another sell; the engine never goes short.
func checkPositionSize(o decision.ProposedOrder, s RiskState, l Limits, m MarketView) (Reason, string) {
	if o.Side == decision.SideSell {
		if held := s.Sellable(o.Symbol); o.Quantity > held {
			return ReasonPositionLimit, fmt.Sprintf("sell %d exceeds held %d", o.Quantity, held)
		}
		return ReasonNone, ""
	}
	resulting := s.Exposure(o.Symbol) + o.Notional()
	capUSD := l.MaxSymbolWeight * m.Equity
	if resulting > capUSD {
		return ReasonPositionLimit, fmt.Sprintf("exposure %.2f would exceed %.2f", resulting, capUSD)
	}
	return ReasonNone, ""
}

// Opening a new symbol is refused once MaxOpenPositions symbols are open.
func checkPositionCount(o decision.ProposedOrder, s RiskState, l Limits, _ MarketView) (Reason, string) {
	if l.MaxOpenPositions <= 0 || o.Side != decision.SideBuy || s.Holds(o.Symbol) {
		return ReasonNone, ""
	}
	if n := s.OpenPositions(); n >= l.MaxOpenPositions {
		return ReasonMaxPositions, fmt.Sprintf("%d open positions, max %d", n, l.MaxOpenPositions)
	}
	return ReasonNone, ""
}

func checkOrderRate(o decision.ProposedOrder, s RiskState, l Limits, m MarketView) (Reason, string) {
	if last, ok := s.LastOrderTimeBySymbol[o.Symbol]; ok {
		if since := m.Now.Sub(last); since < l.MinCooldown {
			return ReasonCooldown, fmt.Sprintf("cooldown_remaining_%ds", int((l.MinCooldown - since).Seconds()))
		}
	}
	if s.OrderCountWindow >= l.MaxOrdersPerWindow {
		return ReasonOrderRate, fmt.Sprintf("%d orders in window, max %d", s.OrderCountWindow, l.MaxOrdersPerWindow)
	}
	return ReasonNone, ""
}

func checkPriceBand(o decision.ProposedOrder, _ RiskState, l Limits, m MarketView) (Reason, string) {
	if m.Mid <= 0 {
		return ReasonSlippage, "no reference mid"
	}
	devBps := math.Abs(o.PriceHint-m.Mid) / m.Mid * 10000
	if devBps > l.MaxSlippageBps {
		return ReasonSlippage, fmt.Sprintf("price_hint deviates %.1fbps from mid, max %.1f", devBps, l.MaxSlippageBps)
	}
	return ReasonNone, ""
}
