package orchestrator

import (
	"context"

	"github.com/Rajchodisetti/mlstock/internal/gateway"
	"github.com/Rajchodisetti/mlstock/internal/risk"
	"github.com/Rajchodisetti/mlstock/internal/safety"
)

// AccountView is a read-only picture of one account for operators.
type AccountView struct {
	Account  string                `json:"account"`
	Equity   float64               `json:"equity"`
	Limits   risk.Limits           `json:"limits"`
	Safety   safety.Status         `json:"safety"`
	Risk     risk.RiskState        `json:"risk"`
	Inflight int                   `json:"inflight"`
	Recent   []gateway.OrderRecord `json:"recent_orders"`
}

// Snapshot assembles the view of account from the ledger, its safety
// machine and the gateway's recent orders.
func (o *Orchestrator) Snapshot(ctx context.Context, account string) (AccountView, error) {
	a, err := o.account(account)
	if err != nil {
		return AccountView{}, err
	}
	equity, limits := a.params()
	v := AccountView{
		Account:  a.id,
		Equity:   equity,
		Limits:   limits,
		Safety:   a.machine.Status(),
		Risk:     o.ledger.Snapshot(a.id, o.clock.Now(), limits.OrderWindow),
		Inflight: a.inflightCount(),
	}
	for _, gw := range []*gateway.Client{o.paper, o.live} {
		if gw == nil {
			continue
		}
		recs, err := gw.Recent(ctx, o.cfg.RecentOrders)
		if err != nil {
			return v, err
		}
		for _, r := range recs {
			if r.Account == a.id {
				v.Recent = append(v.Recent, r)
			}
		}
	}
	return v, nil
}
