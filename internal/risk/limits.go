package risk

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Limits are the per-account risk limits checked by the guardrails.
type Limits struct {
	MaxDailyLoss       float64       `json:"max_daily_loss" validate:"gt=0"`
	MaxSymbolWeight    float64       `json:"max_symbol_weight" validate:"gt=0,lte=1"`
	MinCooldown        time.Duration `json:"min_cooldown" validate:"gte=0"`
	MaxOrdersPerWindow int           `json:"max_orders_per_window" validate:"gte=1"`
	OrderWindow        time.Duration `json:"order_window" validate:"gt=0"`
	MaxSlippageBps     float64       `json:"max_slippage_bps" validate:"gt=0"`
	StopLossPct        float64       `json:"stop_loss_pct" validate:"gte=0,lte=1"` // assumed worst-case loss fraction of a new position
	// Zero disables the two limits below.
	MaxOpenPositions    int     `json:"max_open_positions" validate:"gte=0"`
	IntradayDrawdownPct float64 `json:"intraday_drawdown_pct" validate:"gte=0,lte=1"`
}

// Validate checks limits for internal consistency.
func (l Limits) Validate() error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("invalid risk limits: %w", err)
	}
	return nil
}
