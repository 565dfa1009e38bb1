package risk

import "time"

// RiskState is a value snapshot of one account's risk position. Only the
// Ledger produces it; everyone else reads copies.
type RiskState struct {
	Account               string               `json:"account"`
	TradingDay            string               `json:"trading_day"`
	DailyRealizedPnL      float64              `json:"daily_realized_pnl"`
	DailyUnrealizedPnL    float64              `json:"daily_unrealized_pnl"`
	OpenExposureBySymbol  map[string]float64   `json:"open_exposure_by_symbol"`
	PositionBySymbol      map[string]int64     `json:"position_by_symbol"`
	PendingSellBySymbol   map[string]int64     `json:"pending_sell_by_symbol,omitempty"`
	OrderCountWindow      int                  `json:"order_count_window"`
	LastOrderTimeBySymbol map[string]time.Time `json:"last_order_time_by_symbol"`
	DrawdownFlag          bool                 `json:"drawdown_flag"`
	MaxDailyLoss          float64              `json:"max_daily_loss"`
	AsOf                  time.Time            `json:"as_of"`
}

// DailyPnL is realized plus unrealized pnl for the trading day.
func (s RiskState) DailyPnL() float64 {
	return s.DailyRealizedPnL + s.DailyUnrealizedPnL
}

// Exposure returns the open notional for symbol, including acknowledged but
// unfilled orders.
func (s RiskState) Exposure(symbol string) float64 {
	return s.OpenExposureBySymbol[symbol]
}

// TotalExposure sums exposure across symbols.
func (s RiskState) TotalExposure() float64 {
	var total float64
	for _, v := range s.OpenExposureBySymbol {
		total += v
	}
	return total
}

// Position returns the filled share count for symbol.
func (s RiskState) Position(symbol string) int64 {
	return s.PositionBySymbol[symbol]
}

// Sellable is the filled position not already committed to an acknowledged
// sell.
func (s RiskState) Sellable(symbol string) int64 {
	n := s.PositionBySymbol[symbol] - s.PendingSellBySymbol[symbol]
	if n < 0 {
		return 0
	}
	return n
}

// Holds reports whether symbol has a holding or open exposure.
func (s RiskState) Holds(symbol string) bool {
	return s.PositionBySymbol[symbol] > 0 || s.OpenExposureBySymbol[symbol] > 0
}

// OpenPositions counts symbols with a holding or open exposure.
func (s RiskState) OpenPositions() int {
	open := map[string]struct{}{}
	for sym, q := range s.PositionBySymbol {
		if q > 0 {
			open[sym] = struct{}{}
		}
	}
	for sym, v := range s.OpenExposureBySymbol {
		if v > 0 {
			open[sym] = struct{}{}
		}
	}
	return len(open)
}

// WithinLossLimit reports whether daily pnl respects max daily loss.
func (s RiskState) WithinLossLimit() bool {
	if s.MaxDailyLoss <= 0 {
		return true
	}
	return s.DailyPnL() >= -s.MaxDailyLoss
}
