package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/mlstock/internal/decision"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func testLimits() Limits {
	return Limits{
		MaxDailyLoss:       10000,
		MaxSymbolWeight:    0.1,
		MinCooldown:        30 * time.Second,
		MaxOrdersPerWindow: 5,
		OrderWindow:        time.Minute,
		MaxSlippageBps:     25,
		StopLossPct:        0.05,
	}
}

func emptyState() RiskState {
	return RiskState{
		Account:               "acct-1",
		OpenExposureBySymbol:  map[string]float64{},
		PositionBySymbol:      map[string]int64{},
		PendingSellBySymbol:   map[string]int64{},
		LastOrderTimeBySymbol: map[string]time.Time{},
		MaxDailyLoss:          10000,
	}
}

func buy(sym string, qty int64, px float64) decision.ProposedOrder {
	return decision.ProposedOrder{Symbol: sym, Side: decision.SideBuy, Quantity: qty, PriceHint: px, CycleID: "c-1"}
}

func sell(sym string, qty int64, px float64) decision.ProposedOrder {
	o := buy(sym, qty, px)
	o.Side = decision.SideSell
	return o
}

func TestEvaluate(t *testing.T) {
	view := MarketView{Equity: 1000000, Mid: 200, Now: now}

	tests := []struct {
		name   string
		order  decision.ProposedOrder
		state  func(s *RiskState)
		view   func(v *MarketView)
		limits func(l *Limits)
		reason Reason
	}{
		{
			name:   "clean buy allowed",
			order:  buy("AAPL", 50, 200),
			reason: ReasonNone,
		},
		{
			// -9800 now, 50×200×5% = 500 implied → -10300
			name:   "projected loss breaches limit",
			order:  buy("AAPL", 50, 200),
			state:  func(s *RiskState) { s.DailyRealizedPnL = -9800 },
			reason: ReasonDailyLoss,
		},
		{
			name:   "already below limit rejects even sells",
			order:  sell("AAPL", 1, 200),
			state:  func(s *RiskState) { s.DailyRealizedPnL = -6000; s.DailyUnrealizedPnL = -4500 },
			reason: ReasonDailyLoss,
		},
		{
			name:  "sell near limit allowed with small implied loss",
			order: sell("AAPL", 50, 200),
			state: func(s *RiskState) {
				s.DailyRealizedPnL = -9800
				s.PositionBySymbol["AAPL"] = 50
			},
			reason: ReasonNone,
		},
		{
			name:   "position cap",
			order:  buy("AAPL", 50, 200),
			state:  func(s *RiskState) { s.OpenExposureBySymbol["AAPL"] = 95000 },
			reason: ReasonPositionLimit,
		},
		{
			name:  "sell allowed above position cap",
			order: sell("AAPL", 50, 200),
			state: func(s *RiskState) {
				s.OpenExposureBySymbol["AAPL"] = 150000
				s.PositionBySymbol["AAPL"] = 750
			},
			reason: ReasonNone,
		},
		{
			name:   "sell with nothing held",
			order:  sell("AAPL", 10, 200),
			reason: ReasonPositionLimit,
		},
		{
			name:   "sell beyond holding",
			order:  sell("AAPL", 60, 200),
			state:  func(s *RiskState) { s.PositionBySymbol["AAPL"] = 50 },
			reason: ReasonPositionLimit,
		},
		{
			name:  "sell of shares committed to an earlier sell",
			order: sell("AAPL", 30, 200),
			state: func(s *RiskState) {
				s.PositionBySymbol["AAPL"] = 50
				s.PendingSellBySymbol["AAPL"] = 40
			},
			reason: ReasonPositionLimit,
		},
		{
			name:  "open position count reached",
			order: buy("MSFT", 10, 200),
			state: func(s *RiskState) {
				s.PositionBySymbol["AAPL"] = 10
				s.OpenExposureBySymbol["NVDA"] = 5000
			},
			limits: func(l *Limits) { l.MaxOpenPositions = 2 },
			reason: ReasonMaxPositions,
		},
		{
			name:   "adding to an open symbol ignores the count",
			order:  buy("AAPL", 10, 200),
			state:  func(s *RiskState) { s.PositionBySymbol["AAPL"] = 10; s.OpenExposureBySymbol["AAPL"] = 2000 },
			limits: func(l *Limits) { l.MaxOpenPositions = 1 },
			reason: ReasonNone,
		},
		{
			name:   "intraday drawdown pct",
			order:  buy("AAPL", 10, 200),
			state:  func(s *RiskState) { s.DailyUnrealizedPnL = -6000 },
			limits: func(l *Limits) { l.IntradayDrawdownPct = 0.005 },
			reason: ReasonDailyLoss,
		},
		{
			name:   "intraday drawdown pct not reached",
			order:  buy("AAPL", 10, 200),
			state:  func(s *RiskState) { s.DailyUnrealizedPnL = -4000 },
			limits: func(l *Limits) { l.IntradayDrawdownPct = 0.005 },
			reason: ReasonNone,
		},
		{
			name:   "cooldown",
			order:  buy("AAPL", 10, 200),
			state:  func(s *RiskState) { s.LastOrderTimeBySymbol["AAPL"] = now.Add(-10 * time.Second) },
			reason: ReasonCooldown,
		},
		{
			name:   "cooldown elapsed",
			order:  buy("AAPL", 10, 200),
			state:  func(s *RiskState) { s.LastOrderTimeBySymbol["AAPL"] = now.Add(-31 * time.Second) },
			reason: ReasonNone,
		},
		{
			name:   "order rate",
			order:  buy("AAPL", 10, 200),
			state:  func(s *RiskState) { s.OrderCountWindow = 5 },
			reason: ReasonOrderRate,
		},
		{
			name:   "slippage band",
			order:  buy("AAPL", 10, 201),
			reason: ReasonSlippage,
		},
		{
			name:   "within slippage band",
			order:  buy("AAPL", 10, 200.4),
			reason: ReasonNone,
		},
		{
			name:   "no reference mid",
			order:  buy("AAPL", 10, 200),
			view:   func(v *MarketView) { v.Mid = 0 },
			reason: ReasonSlippage,
		},
		{
			name:   "zero quantity",
			order:  buy("AAPL", 0, 200),
			reason: ReasonInvalidOrder,
		},
		{
			name:   "no equity",
			order:  buy("AAPL", 1, 200),
			view:   func(v *MarketView) { v.Equity = 0 },
			reason: ReasonInvalidOrder,
		},
		{
			name:  "daily loss reported ahead of slippage and rate",
			order: buy("AAPL", 50, 260),
			state: func(s *RiskState) {
				s.DailyRealizedPnL = -9990
				s.OrderCountWindow = 99
			},
			reason: ReasonDailyLoss,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := emptyState()
			if tt.state != nil {
				tt.state(&s)
			}
			v := view
			if tt.view != nil {
				tt.view(&v)
			}
			l := testLimits()
			if tt.limits != nil {
				tt.limits(&l)
			}
			got := Evaluate(tt.order, s, l, v)
			assert.Equal(t, tt.reason, got.Reason, got.Detail)
			assert.Equal(t, tt.reason == ReasonNone, got.Allowed)
		})
	}
}

func TestEvaluate_CooldownDetail(t *testing.T) {
	s := emptyState()
	s.LastOrderTimeBySymbol["AAPL"] = now.Add(-10 * time.Second)
	v := Evaluate(buy("AAPL", 1, 200), s, testLimits(), MarketView{Equity: 1000000, Mid: 200, Now: now})
	require.False(t, v.Allowed)
	assert.Equal(t, "cooldown_remaining_20s", v.Detail)
}

func TestEvaluate_NothingPassesBelowLossLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	limits := testLimits()
	for i := 0; i < 500; i++ {
		s := emptyState()
		s.DailyRealizedPnL = -limits.MaxDailyLoss - 1 - rng.Float64()*5000
		s.DailyUnrealizedPnL = rng.Float64() * 0.5
		side := buy
		if rng.Intn(2) == 0 {
			side = sell
		}
		order := side("SYM", int64(1+rng.Intn(1000)), 50+rng.Float64()*100)
		v := Evaluate(order, s, limits, MarketView{Equity: 1e7, Mid: order.PriceHint, Now: now})
		require.False(t, v.Allowed, "iteration %d", i)
		assert.Equal(t, ReasonDailyLoss, v.Reason)
	}
}

func TestEvaluate_DoesNotMutateState(t *testing.T) {
	s := emptyState()
	s.OpenExposureBySymbol["AAPL"] = 1000
	before := s.Exposure("AAPL")
	Evaluate(buy("AAPL", 10, 200), s, testLimits(), MarketView{Equity: 1000000, Mid: 200, Now: now})
	assert.Equal(t, before, s.Exposure("AAPL"))
	assert.Len(t, s.LastOrderTimeBySymbol, 0)
}

func TestImpliedLoss(t *testing.T) {
	l := testLimits()
	assert.InDelta(t, 500, ImpliedLoss(buy("AAPL", 50, 200), l), 1e-9)
	assert.InDelta(t, 25, ImpliedLoss(sell("AAPL", 50, 200), l), 1e-9)
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, testLimits().Validate())

	bad := testLimits()
	bad.MaxSymbolWeight = 1.5
	assert.Error(t, bad.Validate())

	bad = testLimits()
	bad.MaxDailyLoss = 0
	assert.Error(t, bad.Validate())

	bad = testLimits()
	bad.MaxOpenPositions = -1
	assert.Error(t, bad.Validate())

	bad = testLimits()
	bad.IntradayDrawdownPct = 1.5
	assert.Error(t, bad.Validate())
}
